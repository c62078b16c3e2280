package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nsqio/go-nsq"

	"kbsync/features/binding"
	"kbsync/features/job"
	"kbsync/features/snapshot"
	"kbsync/features/stats"
	"kbsync/features/syncer"
	"kbsync/internal/adapter/helpcenter"
	"kbsync/internal/adapter/openai"
	"kbsync/internal/adapter/reranker"
	"kbsync/internal/config"
	"kbsync/internal/middleware"
	"kbsync/internal/retrieval"
	"kbsync/internal/worker"
)

// Remote is the document store and assistant API in one client.
type Remote interface {
	binding.Remote
	syncer.DocumentStore
}

// SnapshotStore is a snapshot store that can also count its entries.
type SnapshotStore interface {
	snapshot.Store
	Count(ctx context.Context) (int, error)
}

// Options replaces collaborators that would otherwise be built from the
// configuration. Any field may be left nil.
type Options struct {
	Scraper  syncer.Scraper
	Remote   Remote
	Embedder worker.Embedder
}

type App struct {
	Handler          http.Handler
	Sync             *syncer.Service
	Binder           *binding.Binder
	Snapshots        SnapshotStore
	Jobs             *job.Service
	MirrorConsumer   *worker.MirrorConsumer
	EmbedderConsumer *worker.EmbedderConsumer
	Search           *retrieval.Service

	cfg      *config.Config
	base     context.Context
	stop     context.CancelFunc
	closeLog func() error
}

// Status describes the persisted state of a deployment.
type Status struct {
	AssistantID     string    `json:"assistant_id" yaml:"assistant_id"`
	IndexID         string    `json:"index_id" yaml:"index_id"`
	BoundAt         time.Time `json:"bound_at,omitzero" yaml:"bound_at,omitempty"`
	TrackedArticles int       `json:"tracked_articles" yaml:"tracked_articles"`
	FailedArticles  int       `json:"failed_articles" yaml:"failed_articles"`
	StateBackend    string    `json:"state_backend" yaml:"state_backend"`
}

// lazyRunner lets the failure ledger start runs on a service that is built
// after it.
type lazyRunner struct {
	svc *syncer.Service
}

func (r *lazyRunner) Start(ctx context.Context) (string, error) {
	return r.svc.Start(ctx)
}

func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger, opts *Options) (*App, error) {
	if deps == nil {
		deps = &Dependencies{}
	}
	if opts == nil {
		opts = &Options{}
	}
	if cfg.StateBackend == config.StateBackendPostgres && deps.DB == nil {
		return nil, errors.New("postgres state backend requires a database connection")
	}

	policy := cfg.RetryPolicy()
	base, stop := context.WithCancel(context.Background())

	var scraper syncer.Scraper = opts.Scraper
	if scraper == nil {
		scraper = helpcenter.NewClient(cfg.HelpCenterURL, cfg.HelpCenterLocale, cfg.HelpCenterPageSize, cfg.HelpCenterRPS, policy)
	}
	var remote Remote = opts.Remote
	if remote == nil {
		remote = openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIRPS)
	}

	// Feature: Snapshot & Binding
	var store SnapshotStore
	var bindings binding.Repository
	if deps.DB != nil {
		store = snapshot.NewPostgresRepo(deps.DB)
		bindings = binding.NewPostgresRepo(deps.DB)
	} else {
		store = snapshot.NewFileStore(cfg.StateDir)
		bindings = binding.NewFileRepo(cfg.StateDir)
	}
	binder := binding.NewBinder(bindings, remote, binding.AssistantSpec{
		Name:         cfg.AssistantName,
		Model:        cfg.AssistantModel,
		Instructions: cfg.AssistantInstructions,
		IndexName:    cfg.IndexName,
	}, policy, cfg.SyncConcurrency)

	// Feature: Job (failure ledger)
	runner := &lazyRunner{}
	var jobService *job.Service
	var ledger syncer.FailureLedger
	var jobCounter stats.JobRepo
	if deps.DB != nil {
		jobRepo := job.NewPostgresRepo(deps.DB)
		jobService = job.NewService(jobRepo, runner)
		ledger = jobService
		jobCounter = jobRepo
	}

	var pub syncer.EventPublisher
	if deps.NSQProducer != nil {
		pub = deps.NSQProducer
	}

	// Feature: Sync
	service := syncer.NewService(scraper, store, binder, remote, pub, ledger, syncer.Config{
		Executor: syncer.ExecutorConfig{
			Concurrency:     cfg.SyncConcurrency,
			CheckpointEvery: cfg.CheckpointEvery,
			Policy:          policy,
		},
		ChunkMaxTokens: cfg.ChunkMaxTokens,
		ChunkOverlap:   cfg.ChunkOverlap,
	})
	runner.svc = service

	a := &App{
		Sync:      service,
		Binder:    binder,
		Snapshots: store,
		Jobs:      jobService,
		cfg:       cfg,
		base:      base,
		stop:      stop,
	}

	// Worker: search mirror
	var chunkCounter stats.VectorStore
	if deps.VectorStore != nil {
		chunkCounter = deps.VectorStore
		var embedder worker.Embedder = opts.Embedder
		if embedder == nil && deps.Embedder != nil {
			embedder = deps.Embedder
		}
		if deps.NSQProducer != nil && embedder != nil {
			a.MirrorConsumer = worker.NewMirrorConsumer(deps.VectorStore, deps.NSQProducer, cfg.ChunkMaxTokens, cfg.ChunkOverlap)
			a.EmbedderConsumer = worker.NewEmbedderConsumer(embedder, deps.VectorStore)
		}
		if embedder != nil {
			a.Search = a.newSearch(embedder, deps.VectorStore, logger)
		}
	}

	syncHandler := syncer.NewHandler(service, base)
	statsHandler := stats.NewHandler(store, jobCounter, chunkCounter, service)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /runs", middleware.CorrelationID(enableCORS(syncHandler.Trigger)))
	mux.Handle("GET /runs/latest", middleware.CorrelationID(enableCORS(syncHandler.Latest)))

	if jobService != nil {
		jobHandler := job.NewHandler(jobService, base)
		mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
		mux.Handle("POST /jobs/failed/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))
		mux.Handle("DELETE /jobs/failed/{id}", middleware.CorrelationID(enableCORS(jobHandler.Dismiss)))
	}

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	if a.Search != nil {
		searchHandler := retrieval.NewHandler(a.Search)
		mux.Handle("GET /search", middleware.CorrelationID(enableCORS(searchHandler.Search)))
		mux.Handle("GET /search/articles/{id}", middleware.CorrelationID(enableCORS(searchHandler.ArticleChunks)))
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			logger.Error("failed to write health response", "error", err)
		}
	})

	a.Handler = mux
	logger.Info("application wired",
		"state_backend", cfg.StateBackend,
		"failure_ledger", jobService != nil,
		"mirror", a.MirrorConsumer != nil,
		"search", a.Search != nil)
	return a, nil
}

// newSearch builds the mirror query service. Queries are logged to
// queries.log in LOG_DIR when one is configured.
func (a *App) newSearch(e retrieval.Embedder, store retrieval.VectorStore, logger *slog.Logger) *retrieval.Service {
	var rr retrieval.Reranker
	if a.cfg.RerankProvider != reranker.ProviderNone {
		rr = reranker.NewClient(a.cfg.RerankProvider, a.cfg.RerankAPIKey, a.cfg.RetryPolicy())
	}

	var queryLog *retrieval.QueryLogger
	if a.cfg.LogDir != "" {
		ql, closeFn, err := retrieval.NewFileQueryLogger(filepath.Join(a.cfg.LogDir, "queries.log"))
		if err != nil {
			logger.Warn("query log disabled", "error", err)
		} else {
			queryLog, a.closeLog = ql, closeFn
		}
	}

	return retrieval.NewService(e, store, rr, retrieval.Defaults{
		Alpha: a.cfg.SearchAlpha,
		TopK:  a.cfg.SearchTopK,
	}, queryLog)
}

// Status reports the current binding and snapshot size without touching
// the remote API.
func (a *App) Status(ctx context.Context) (*Status, error) {
	st := &Status{StateBackend: a.cfg.StateBackend}

	cur, err := a.Binder.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}
	if cur != nil {
		st.AssistantID, st.IndexID, st.BoundAt = cur.AssistantID, cur.IndexID, cur.UpdatedAt
	}

	if st.TrackedArticles, err = a.Snapshots.Count(ctx); err != nil {
		return nil, fmt.Errorf("count snapshot entries: %w", err)
	}
	if a.Jobs != nil {
		if st.FailedArticles, err = a.Jobs.Count(ctx); err != nil {
			return nil, fmt.Errorf("count failed articles: %w", err)
		}
	}
	return st, nil
}

// Close cancels any run started over HTTP or by the scheduler and waits for
// it to save its snapshot.
func (a *App) Close() {
	a.stop()
	a.Sync.Wait()
	if a.closeLog != nil {
		_ = a.closeLog()
		a.closeLog = nil
	}
}

// Run serves HTTP, runs the scheduler and the mirror consumers until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	consumers, err := a.startConsumers()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", a.cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go a.schedule(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	for _, c := range consumers {
		c.Stop()
		<-c.StopChan
	}
	return serveErr
}

// schedule starts a run right away and then every SyncInterval. A tick that
// finds a run in progress is skipped.
func (a *App) schedule(ctx context.Context) {
	if a.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.SyncInterval)
	defer ticker.Stop()

	a.trigger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.trigger()
		}
	}
}

func (a *App) trigger() {
	runID, err := a.Sync.Start(a.base)
	switch {
	case errors.Is(err, syncer.ErrRunInProgress):
		slog.Info("scheduled run skipped, a run is in progress")
	case err != nil:
		slog.Error("failed to start scheduled run", "error", err)
	default:
		slog.Info("scheduled run started", "run_id", runID)
	}
}

func (a *App) startConsumers() ([]*nsq.Consumer, error) {
	if a.MirrorConsumer == nil {
		return nil, nil
	}

	handlers := []struct {
		topic   string
		channel string
		handler nsq.Handler
	}{
		{config.TopicArticle, config.ChannelMirror, a.MirrorConsumer},
		{config.TopicEmbed, config.ChannelEmbedder, a.EmbedderConsumer},
	}

	var consumers []*nsq.Consumer
	for _, h := range handlers {
		c, err := nsq.NewConsumer(h.topic, h.channel, nsq.NewConfig())
		if err != nil {
			stopAll(consumers)
			return nil, fmt.Errorf("nsq consumer for %s: %w", h.topic, err)
		}
		c.SetLoggerLevel(nsq.LogLevelWarning)
		c.AddHandler(h.handler)

		if a.cfg.NSQLookupd != "" {
			err = c.ConnectToNSQLookupd(a.cfg.NSQLookupd)
		} else {
			err = c.ConnectToNSQD(a.cfg.NSQDHost)
		}
		if err != nil {
			c.Stop()
			stopAll(consumers)
			return nil, fmt.Errorf("connect nsq consumer for %s: %w", h.topic, err)
		}
		slog.Info("NSQ consumer connected", "topic", h.topic, "channel", h.channel)
		consumers = append(consumers, c)
	}
	return consumers, nil
}

func stopAll(consumers []*nsq.Consumer) {
	for _, c := range consumers {
		c.Stop()
		<-c.StopChan
	}
}
