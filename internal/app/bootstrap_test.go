package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbsync/internal/app"
	"kbsync/internal/config"
)

type statefulSchema struct {
	callCount int
	failUntil int
}

func (m *statefulSchema) EnsureSchema(ctx context.Context) error {
	m.callCount++
	if m.callCount <= m.failUntil {
		return errors.New("schema error")
	}
	return nil
}

func TestEnsureSchemaWithRetry_Success(t *testing.T) {
	s := &statefulSchema{}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 1, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 1, s.callCount)
}

func TestEnsureSchemaWithRetry_Retries(t *testing.T) {
	s := &statefulSchema{failUntil: 2}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 5, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, s.callCount)
}

func TestEnsureSchemaWithRetry_Fail(t *testing.T) {
	s := &statefulSchema{failUntil: 10}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 3, time.Millisecond)
	assert.EqualError(t, err, "schema error")
	assert.Equal(t, 3, s.callCount)
}

func TestEnsureSchemaWithRetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &statefulSchema{failUntil: 10}
	err := app.EnsureSchemaWithRetry(ctx, s, 5, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.callCount)
}

func TestBootstrap_FileBackendNeedsNothing(t *testing.T) {
	cfg := &config.Config{StateBackend: config.StateBackendFile, StateDir: t.TempDir()}

	deps, err := app.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, deps.DB)
	assert.Nil(t, deps.VectorStore)
	assert.Nil(t, deps.NSQProducer)
	assert.NoError(t, deps.Close())
}

func TestBootstrap_Resilience_DBDown(t *testing.T) {
	cfg := &config.Config{
		StateBackend:               config.StateBackendPostgres,
		DBHost:                     "localhost",
		DBPort:                     54322,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "test",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}

	start := time.Now()
	deps, err := app.Bootstrap(context.Background(), cfg)

	require.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to ping db")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBootstrap_Resilience_WeaviateDown(t *testing.T) {
	cfg := &config.Config{
		StateBackend:               config.StateBackendFile,
		EnableMirror:               true,
		WeaviateHost:               "localhost:54322",
		WeaviateScheme:             "http",
		GeminiAPIKey:               "test-key",
		BootstrapRetryAttempts:     2,
		BootstrapRetryDelaySeconds: 1,
	}

	start := time.Now()
	deps, err := app.Bootstrap(context.Background(), cfg)

	require.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "weaviate schema error")
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}
