package app_test

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbsync/features/article"
	"kbsync/internal/app"
	"kbsync/internal/remote"
	"kbsync/internal/retrieval"
	"kbsync/internal/testutils"
)

// memoryRemote is an in-memory document store and assistant API.
type memoryRemote struct {
	mu         sync.Mutex
	seq        int
	docs       map[string]bool
	indexes    map[string]map[string]bool
	assistants map[string]string
	uploads    int
}

func newMemoryRemote() *memoryRemote {
	return &memoryRemote{docs: map[string]bool{}, indexes: map[string]map[string]bool{}, assistants: map[string]string{}}
}

func (m *memoryRemote) id(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memoryRemote) UploadDocument(ctx context.Context, filename string, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	h := m.id("file")
	m.docs[h] = true
	return h, nil
}

func (m *memoryRemote) DeleteDocument(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.docs[handle] {
		return remote.FromStatus("delete document", http.StatusNotFound, "no such file")
	}
	delete(m.docs, handle)
	return nil
}

func (m *memoryRemote) AttachDocument(ctx context.Context, indexID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[indexID]
	if !ok {
		return remote.FromStatus("attach document", http.StatusNotFound, "no such vector store")
	}
	idx[handle] = true
	return nil
}

func (m *memoryRemote) DetachDocument(ctx context.Context, indexID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes[indexID], handle)
	return nil
}

func (m *memoryRemote) CreateIndex(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id("vs")
	m.indexes[id] = map[string]bool{}
	return id, nil
}

func (m *memoryRemote) IndexExists(ctx context.Context, indexID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.indexes[indexID]
	return ok, nil
}

func (m *memoryRemote) CreateAssistant(ctx context.Context, name, model, instructions, indexID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id("asst")
	m.assistants[id] = indexID
	return id, nil
}

func (m *memoryRemote) AssistantIndex(ctx context.Context, assistantID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.assistants[assistantID]
	return idx, ok, nil
}

func (m *memoryRemote) UpdateAssistantIndex(ctx context.Context, assistantID, indexID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assistants[assistantID] = indexID
	return nil
}

type corpus []article.RawArticle

func (c corpus) Articles(ctx context.Context) iter.Seq2[article.RawArticle, error] {
	return func(yield func(article.RawArticle, error) bool) {
		for _, a := range c {
			if !yield(a, nil) {
				return
			}
		}
	}
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func helpCenter(n int) corpus {
	var c corpus
	for i := 1; i <= n; i++ {
		c = append(c, article.RawArticle{
			ID:        int64(i),
			Title:     fmt.Sprintf("Article %d", i),
			Body:      fmt.Sprintf("<h2>Setup</h2><p>Step %d: open the app.</p>", i),
			HTMLURL:   fmt.Sprintf("https://support.example.com/hc/en-us/articles/%d", i),
			Locale:    "en-us",
			UpdatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return c
}

func TestBootstrap_Integration(t *testing.T) {
	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	cfg := suite.GetAppConfig()
	cfg.EnableMirror = true
	cfg.GeminiAPIKey = "test-key"

	deps, err := app.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()
	require.NotNil(t, deps.DB)

	for _, table := range []string{"snapshot_entries", "snapshot_orphans", "assistant_binding", "failed_articles"} {
		var exists bool
		err = deps.DB.QueryRow("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	assert.NoError(t, deps.VectorStore.EnsureSchema(context.Background()), "Weaviate connectivity check failed")
	assert.NoError(t, deps.NSQProducer.Ping())
}

func TestApp_EndToEnd_Sync(t *testing.T) {
	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	cfg := suite.GetAppConfig()
	cfg.EnableMirror = true
	cfg.GeminiAPIKey = "test-key"
	cfg.ServerPort = 0
	cfg.SyncInterval = 0

	deps, err := app.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()

	rem := newMemoryRemote()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	application, err := app.New(cfg, deps, logger, &app.Options{
		Scraper:  helpCenter(3),
		Remote:   rem,
		Embedder: fixedEmbedder{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	rep, err := application.Sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.New)
	assert.Equal(t, 3, rep.Synced)
	assert.NotEmpty(t, rep.AssistantID)

	st, err := application.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TrackedArticles)
	assert.Equal(t, rep.AssistantID, st.AssistantID)
	assert.Zero(t, st.FailedArticles)

	// A second run over the same corpus uploads nothing.
	rep, err = application.Sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Unchanged)
	assert.Equal(t, 3, rem.uploads)

	require.Eventually(t, func() bool {
		n, err := deps.VectorStore.CountChunks(ctx)
		return err == nil && n >= 3
	}, 20*time.Second, 200*time.Millisecond, "mirror should hold the synced articles")

	chunks, err := deps.VectorStore.GetChunks(ctx, "2", 10)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.Contains(chunks[0].Content, "Step 2"))

	require.NotNil(t, application.Search)
	hits, err := application.Search.Search(ctx, "Step", &retrieval.SearchOptions{ArticleID: "2"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "2", h.ArticleID)
	}
}
