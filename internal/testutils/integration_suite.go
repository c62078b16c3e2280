// Package testutils starts the containers used by integration tests.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"kbsync/internal/config"
)

type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer

	dbURL        string
	weaviateHost string
	nsqdAddr     string
	nsqdHTTP     string

	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	nsqContainer      testcontainers.Container
}

// NewIntegrationSuite skips the calling test under -short.
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	return &IntegrationSuite{T: t}
}

// Setup starts Postgres (migrated), Weaviate and nsqd.
func (s *IntegrationSuite) Setup() {
	s.SetupPostgres()
	s.SetupWeaviate()
	s.SetupNSQ()
}

// MigrationsURL points at the repository's migrations directory.
func MigrationsURL() string {
	_, b, _, _ := runtime.Caller(0)
	return "file://" + filepath.Join(filepath.Dir(b), "..", "..", "migrations")
}

func (s *IntegrationSuite) SetupPostgres() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kbsync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	s.dbURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", s.dbURL)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationsURL(), s.dbURL)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

func (s *IntegrationSuite) SetupWeaviate() {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:1.25.0",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":               "none",
			"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.weaviateContainer = c

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "8080")
	require.NoError(s.T, err)
	s.weaviateHost = fmt.Sprintf("%s:%s", host, port.Port())

	s.Weaviate, err = weaviate.NewClient(weaviate.Config{Host: s.weaviateHost, Scheme: "http"})
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) SetupNSQ() {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = c

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	s.nsqdAddr = fmt.Sprintf("%s:%s", host, port.Port())
	httpPort, err := c.MappedPort(ctx, "4151")
	require.NoError(s.T, err)
	s.nsqdHTTP = fmt.Sprintf("%s:%s", host, httpPort.Port())

	s.NSQ, err = nsq.NewProducer(s.nsqdAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

// GetAppConfig returns a configuration pointing at the started containers.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	cfg := &config.Config{
		HelpCenterURL:              "http://localhost",
		HelpCenterLocale:           "en-us",
		HelpCenterPageSize:         100,
		OpenAIAPIKey:               "sk-test",
		AssistantName:              "Test Assistant",
		AssistantModel:             "gpt-4o-mini",
		AssistantInstructions:      config.DefaultInstructions,
		IndexName:                  "test-index",
		StateBackend:               config.StateBackendFile,
		StateDir:                   s.T.TempDir(),
		MigrationPath:              MigrationsURL(),
		SyncConcurrency:            2,
		RetryMaxAttempts:           2,
		RetryInitialDelay:          10 * time.Millisecond,
		RetryMaxDelay:              50 * time.Millisecond,
		CallTimeout:                10 * time.Second,
		CheckpointEvery:            10,
		ChunkMaxTokens:             375,
		ChunkOverlap:               50,
		WeaviateScheme:             "http",
		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}

	if s.pgContainer != nil {
		ctx := context.Background()
		host, err := s.pgContainer.Host(ctx)
		require.NoError(s.T, err)
		port, err := s.pgContainer.MappedPort(ctx, "5432")
		require.NoError(s.T, err)

		cfg.StateBackend = config.StateBackendPostgres
		cfg.DBHost = host
		cfg.DBPort = port.Int()
		cfg.DBUser = "test"
		cfg.DBPass = "test"
		cfg.DBName = "kbsync_test"
	}
	if s.weaviateHost != "" {
		cfg.WeaviateHost = s.weaviateHost
	}
	if s.nsqdAddr != "" {
		cfg.NSQDHost = s.nsqdAddr
		cfg.NSQDHTTP = s.nsqdHTTP
		cfg.NSQLookupd = ""
	}
	return cfg
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(ctx)
	}
	if s.weaviateContainer != nil {
		_ = s.weaviateContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		_ = s.nsqContainer.Terminate(ctx)
	}
}
