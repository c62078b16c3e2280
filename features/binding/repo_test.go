package binding_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbsync/features/binding"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := binding.NewPostgresRepo(db)
	query := regexp.QuoteMeta("SELECT assistant_id, index_id, updated_at FROM assistant_binding WHERE id = 1")

	t.Run("Found", func(t *testing.T) {
		mock.ExpectQuery(query).
			WillReturnRows(sqlmock.NewRows([]string{"assistant_id", "index_id", "updated_at"}).AddRow("asst_1", "vs_1", time.Now()))

		b, err := repo.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "asst_1", b.AssistantID)
	})

	t.Run("None", func(t *testing.T) {
		mock.ExpectQuery(query).WillReturnError(sql.ErrNoRows)

		b, err := repo.Get(context.Background())
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assistant_binding (id, assistant_id, index_id, updated_at) VALUES (1, $1, $2, $3)")).
		WithArgs("asst_1", "vs_1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = binding.NewPostgresRepo(db).Save(context.Background(), binding.Binding{AssistantID: "asst_1", IndexID: "vs_1", UpdatedAt: now})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
