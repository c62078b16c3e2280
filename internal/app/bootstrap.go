package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"kbsync/internal/adapter/gemini"
	wstore "kbsync/internal/adapter/weaviate"
	"kbsync/internal/config"
)

// Dependencies are the long-lived connections a deployment needs. DB is nil
// on the file backend; the mirror fields are nil unless the mirror is
// enabled.
type Dependencies struct {
	DB          *sql.DB
	VectorStore *wstore.Store
	Embedder    *gemini.Embedder
	NSQProducer *nsq.Producer
}

// SchemaEnsurer creates the mirror schema when it is missing.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	if cfg.StateBackend == config.StateBackendPostgres {
		db, err := openDatabase(ctx, cfg, retryDelay)
		if err != nil {
			return nil, err
		}
		deps.DB = db
	}

	if cfg.EnableMirror {
		if err := deps.connectMirror(ctx, cfg, retryDelay); err != nil {
			_ = deps.Close()
			return nil, err
		}
	}

	return deps, nil
}

func openDatabase(ctx context.Context, cfg *config.Config, retryDelay time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		slog.WarnContext(ctx, "failed to ping db, retrying...", "attempt", i+1)
		if err := sleep(ctx, retryDelay); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_ = db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.InfoContext(ctx, "migrations applied")

	return db, nil
}

func (d *Dependencies) connectMirror(ctx context.Context, cfg *config.Config, retryDelay time.Duration) error {
	wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
	if err != nil {
		return fmt.Errorf("weaviate client error: %w", err)
	}
	vecStore := wstore.NewStore(wClient)
	if err := EnsureSchemaWithRetry(ctx, vecStore, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		return fmt.Errorf("weaviate schema error: %w", err)
	}
	d.VectorStore = vecStore

	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, gemini.DefaultModel)
	if err != nil {
		return fmt.Errorf("gemini embedder error: %w", err)
	}
	d.Embedder = embedder

	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq producer error: %w", err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	d.NSQProducer = producer

	// Consumers going through lookupd fail until the topics exist, and nsqd
	// only creates them on first publish.
	if cfg.NSQDHTTP != "" {
		go createTopics(context.WithoutCancel(ctx), cfg.NSQDHTTP, config.TopicArticle, config.TopicEmbed)
	}
	return nil
}

func (d *Dependencies) Close() error {
	var errs []error
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.Embedder != nil {
		errs = append(errs, d.Embedder.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}

func createTopics(ctx context.Context, nsqdHTTP string, topics ...string) {
	if err := sleep(ctx, 2*time.Second); err != nil {
		return
	}
	for _, topic := range topics {
		u := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			slog.Warn("failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
		if resp.StatusCode == http.StatusOK {
			slog.Info("NSQ topic created", "topic", topic)
		}
	}
}

// EnsureSchemaWithRetry calls EnsureSchema until it succeeds or attempts run
// out, sleeping delay between tries.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		slog.WarnContext(ctx, "failed to ensure weaviate schema, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
