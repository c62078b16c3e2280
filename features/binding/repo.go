package binding

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Binding, error) {
	b := &Binding{}
	query := `SELECT assistant_id, index_id, updated_at FROM assistant_binding WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&b.AssistantID, &b.IndexID, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *PostgresRepo) Save(ctx context.Context, b Binding) error {
	query := `INSERT INTO assistant_binding (id, assistant_id, index_id, updated_at) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET assistant_id = EXCLUDED.assistant_id, index_id = EXCLUDED.index_id, updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, b.AssistantID, b.IndexID, b.UpdatedAt)
	return err
}
