package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"kbsync/features/article"
	"kbsync/features/binding"
	"kbsync/features/snapshot"
	"kbsync/features/syncer"
	wstore "kbsync/internal/adapter/weaviate"
	"kbsync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HelpCenterURL:         "http://127.0.0.1:1",
		HelpCenterLocale:      "en-us",
		HelpCenterPageSize:    100,
		OpenAIAPIKey:          "sk-test",
		OpenAIBaseURL:         "http://127.0.0.1:1",
		AssistantName:         "OptiBot",
		AssistantModel:        "gpt-4o-mini",
		AssistantInstructions: config.DefaultInstructions,
		IndexName:             "help-center",
		StateBackend:          config.StateBackendFile,
		StateDir:              t.TempDir(),
		SyncConcurrency:       2,
		RetryMaxAttempts:      1,
		RetryInitialDelay:     time.Millisecond,
		RetryMaxDelay:         time.Millisecond,
		CallTimeout:           time.Second,
		ChunkMaxTokens:        375,
		ChunkOverlap:          50,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type failingScraper struct{}

func (failingScraper) Articles(ctx context.Context) iter.Seq2[article.RawArticle, error] {
	return func(yield func(article.RawArticle, error) bool) {
		yield(article.RawArticle{}, errors.New("help center unavailable"))
	}
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func serve(a *App, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, req)
	return w
}

func TestNew_FileBackend(t *testing.T) {
	app, err := New(testConfig(t), nil, discardLogger(), nil)
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Sync)
	assert.Nil(t, app.Jobs)
	assert.Nil(t, app.MirrorConsumer)

	w := serve(app, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = serve(app, http.MethodGet, "/runs/latest")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(app, http.MethodGet, "/jobs/failed")
	assert.Equal(t, http.StatusNotFound, w.Code, "failure ledger needs postgres")

	w = serve(app, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"tracked_articles":0,"failed_articles":0,"mirrored_chunks":0}}`, w.Body.String())
}

func TestNew_PostgresBackend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig(t)
	cfg.StateBackend = config.StateBackendPostgres

	app, err := New(cfg, &Dependencies{DB: db}, discardLogger(), nil)
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.Jobs)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM snapshot_entries`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM failed_articles`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	w := serve(app, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"tracked_articles":3,"failed_articles":1,"mirrored_chunks":0}}`, w.Body.String())

	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, run_id, COALESCE(article_id, ''), title, operation, error, retries, created_at FROM failed_articles ORDER BY created_at DESC`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "article_id", "title", "operation", "error", "retries", "created_at"}).
			AddRow("f-1", "run-1", "42", "Pairing", "upload", "rejected", 2, created))

	w = serve(app, http.MethodGet, "/jobs/failed")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []struct {
			ArticleID string `json:"article_id"`
			Retries   int    `json:"retries"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "42", resp.Data[0].ArticleID)
	assert.Equal(t, 2, resp.Data[0].Retries)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_PostgresBackendRequiresDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateBackend = config.StateBackendPostgres

	_, err := New(cfg, &Dependencies{}, discardLogger(), nil)
	assert.Error(t, err)
}

func TestNew_MirrorWiring(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wClient, err := weaviate.NewClient(weaviate.Config{Host: server.URL[7:], Scheme: "http"})
	require.NoError(t, err)
	producer, err := nsq.NewProducer("localhost:4150", nsq.NewConfig())
	require.NoError(t, err)
	defer producer.Stop()

	deps := &Dependencies{VectorStore: wstore.NewStore(wClient), NSQProducer: producer}

	cfg := testConfig(t)
	cfg.LogDir = t.TempDir()
	cfg.SearchAlpha, cfg.SearchTopK = 0.5, 10
	app, err := New(cfg, deps, discardLogger(), &Options{Embedder: fixedEmbedder{}})
	require.NoError(t, err)
	defer app.Close()
	assert.NotNil(t, app.MirrorConsumer)
	assert.NotNil(t, app.EmbedderConsumer)
	require.NotNil(t, app.Search)
	assert.FileExists(t, filepath.Join(cfg.LogDir, "queries.log"))

	w := serve(app, http.MethodGet, "/search")
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty query is rejected before any remote call")

	bare, err := New(testConfig(t), deps, discardLogger(), nil)
	require.NoError(t, err)
	defer bare.Close()
	assert.Nil(t, bare.MirrorConsumer, "no embedder configured")
	assert.Nil(t, bare.Search)
	assert.Equal(t, http.StatusNotFound, serve(bare, http.MethodGet, "/search?q=x").Code)
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	bound := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, binding.NewFileRepo(cfg.StateDir).Save(ctx, binding.Binding{AssistantID: "asst_1", IndexID: "vs_1", UpdatedAt: bound}))
	snap := snapshot.New()
	snap.Put(snapshot.Entry{ArticleID: "1", Fingerprint: "a", Handle: "file-1", LastSynced: bound})
	snap.Put(snapshot.Entry{ArticleID: "2", Fingerprint: "b", Handle: "file-2", LastSynced: bound})
	require.NoError(t, snapshot.NewFileStore(cfg.StateDir).Save(ctx, snap))

	app, err := New(cfg, nil, discardLogger(), nil)
	require.NoError(t, err)
	defer app.Close()

	st, err := app.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Status{
		AssistantID:     "asst_1",
		IndexID:         "vs_1",
		BoundAt:         bound,
		TrackedArticles: 2,
		StateBackend:    config.StateBackendFile,
	}, st)
}

func TestTriggerRun(t *testing.T) {
	app, err := New(testConfig(t), nil, discardLogger(), &Options{Scraper: failingScraper{}})
	require.NoError(t, err)
	defer app.Close()

	w := serve(app, http.MethodPost, "/runs")
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		rep := app.Sync.Latest()
		return rep != nil && rep.Status != syncer.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	rep := app.Sync.Latest()
	require.NotNil(t, rep)
	assert.Equal(t, syncer.StatusFailed, rep.Status)
	assert.Contains(t, rep.Error, "help center unavailable")

	w = serve(app, http.MethodGet, "/runs/latest")
	assert.Equal(t, http.StatusOK, w.Code)
}
