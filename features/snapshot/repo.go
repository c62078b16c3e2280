package snapshot

import (
	"context"
	"database/sql"
	"fmt"
)

// advisoryLockKey identifies the sync run in pg_try_advisory_lock.
const advisoryLockKey int64 = 0x6b6273796e63

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Load(ctx context.Context) (*CorpusSnapshot, error) {
	snap := New()

	rows, err := r.db.QueryContext(ctx, `SELECT article_id, title, fingerprint, handle, last_synced FROM snapshot_entries ORDER BY article_id`)
	if err != nil {
		return nil, &IOError{Op: "read", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ArticleID, &e.Title, &e.Fingerprint, &e.Handle, &e.LastSynced); err != nil {
			return nil, &IOError{Op: "read", Err: err}
		}
		snap.Put(e)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "read", Err: err}
	}

	orphans, err := r.db.QueryContext(ctx, `SELECT handle FROM snapshot_orphans ORDER BY handle`)
	if err != nil {
		return nil, &IOError{Op: "read", Err: err}
	}
	defer orphans.Close()
	for orphans.Next() {
		var h string
		if err := orphans.Scan(&h); err != nil {
			return nil, &IOError{Op: "read", Err: err}
		}
		snap.Orphans = append(snap.Orphans, h)
	}
	if err := orphans.Err(); err != nil {
		return nil, &IOError{Op: "read", Err: err}
	}

	return snap, nil
}

// Save replaces the stored snapshot in a single transaction.
func (r *PostgresRepo) Save(ctx context.Context, snap *CorpusSnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &IOError{Op: "write", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_entries`); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_orphans`); err != nil {
		return &IOError{Op: "write", Err: err}
	}

	for _, e := range snap.Sorted() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_entries (article_id, title, fingerprint, handle, last_synced) VALUES ($1, $2, $3, $4, $5)`,
			e.ArticleID, e.Title, e.Fingerprint, e.Handle, e.LastSynced)
		if err != nil {
			return &IOError{Op: "write", Err: fmt.Errorf("entry %s: %w", e.ArticleID, err)}
		}
	}
	for _, h := range snap.Orphans {
		if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_orphans (handle) VALUES ($1)`, h); err != nil {
			return &IOError{Op: "write", Err: fmt.Errorf("orphan %s: %w", h, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &IOError{Op: "commit", Err: err}
	}
	return nil
}

// Lock takes a session-level advisory lock on a dedicated connection so it
// survives for the whole run.
func (r *PostgresRepo) Lock(ctx context.Context) (func() error, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, &IOError{Op: "lock", Err: err}
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, &IOError{Op: "lock", Err: err}
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrLocked
	}

	return func() error {
		defer conn.Close()
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
		return err
	}, nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot_entries`).Scan(&count)
	return count, err
}
