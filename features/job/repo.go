package job

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context) ([]Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	Resolve(ctx context.Context, articleIDs []string) (int64, error)
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Save records a failure. A repeated failure of the same article replaces
// the previous row and bumps its retry count.
func (r *PostgresRepo) Save(ctx context.Context, job *Job) error {
	query := `INSERT INTO failed_articles (run_id, article_id, title, operation, error) VALUES ($1, NULLIF($2, ''), $3, $4, $5)
		ON CONFLICT (article_id) DO UPDATE SET run_id = EXCLUDED.run_id, title = EXCLUDED.title, operation = EXCLUDED.operation,
		error = EXCLUDED.error, retries = failed_articles.retries + 1, created_at = NOW()
		RETURNING id, retries, created_at`
	return r.db.QueryRowContext(ctx, query, job.RunID, job.ArticleID, job.Title, job.Operation, job.Error).
		Scan(&job.ID, &job.Retries, &job.CreatedAt)
}

func (r *PostgresRepo) List(ctx context.Context) ([]Job, error) {
	query := `SELECT id, run_id, COALESCE(article_id, ''), title, operation, error, retries, created_at FROM failed_articles ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.RunID, &j.ArticleID, &j.Title, &j.Operation, &j.Error, &j.Retries, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	query := `SELECT id, run_id, COALESCE(article_id, ''), title, operation, error, retries, created_at FROM failed_articles WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&j.ID, &j.RunID, &j.ArticleID, &j.Title, &j.Operation, &j.Error, &j.Retries, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM failed_articles WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Resolve removes the failures of articles that have since been synced.
func (r *PostgresRepo) Resolve(ctx context.Context, articleIDs []string) (int64, error) {
	query := `DELETE FROM failed_articles WHERE article_id = ANY($1)`
	res, err := r.db.ExecContext(ctx, query, pq.Array(articleIDs))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM failed_articles`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
