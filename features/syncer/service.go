package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"kbsync/features/article"
	"kbsync/features/binding"
	"kbsync/features/snapshot"
	"kbsync/internal/middleware"
	"kbsync/internal/text"
)

var (
	ErrEmptyCorpus   = errors.New("help center returned no articles")
	ErrRunInProgress = errors.New("a sync run is already in progress")
	ErrRunCancelled  = errors.New("sync run cancelled")
)

// OpBind marks articles dropped while populating a recreated index.
const OpBind = "bind"

type Scraper interface {
	Articles(ctx context.Context) iter.Seq2[article.RawArticle, error]
}

type Binder interface {
	Current(ctx context.Context) (*binding.Binding, error)
	EnsureBinding(ctx context.Context, snap *snapshot.CorpusSnapshot) (binding.Result, error)
}

// FailureLedger keeps per-article failures across runs.
type FailureLedger interface {
	Record(ctx context.Context, runID string, failures []Failure) error
	Resolve(ctx context.Context, articleIDs []string) error
}

type Config struct {
	Executor       ExecutorConfig
	ChunkMaxTokens int
	ChunkOverlap   int
}

type Service struct {
	scraper   Scraper
	store     snapshot.Store
	binder    Binder
	exec      *Executor
	ledger    FailureLedger
	cfg       Config
	normalize func(article.RawArticle) (article.Article, error)

	running sync.Mutex
	mu      sync.RWMutex
	latest  *Report
	now     func() time.Time
}

// NewService wires a run orchestrator. ledger may be nil.
func NewService(scraper Scraper, store snapshot.Store, binder Binder, docs DocumentStore, pub EventPublisher, ledger FailureLedger, cfg Config) *Service {
	return &Service{
		scraper: scraper,
		store:   store,
		binder:  binder,
		exec:      NewExecutor(docs, pub, cfg.Executor),
		ledger:    ledger,
		cfg:       cfg,
		normalize: article.Normalize,
		now:       time.Now,
	}
}

// Run executes one sync run and blocks until it finishes. The report is
// returned even when err is non-nil.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.running.Unlock()
	return s.run(ctx, uuid.NewString())
}

// Start launches a run in the background and returns its id. ctx bounds
// the run, so callers pass a long-lived context rather than a request's.
func (s *Service) Start(ctx context.Context) (string, error) {
	if !s.running.TryLock() {
		return "", ErrRunInProgress
	}
	runID := uuid.NewString()
	go func() {
		defer s.running.Unlock()
		if _, err := s.run(ctx, runID); err != nil {
			slog.ErrorContext(ctx, "background sync run failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// Wait blocks until no run is in progress.
func (s *Service) Wait() {
	s.running.Lock()
	defer s.running.Unlock()
}

func (s *Service) Latest() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Service) publish(r Report) {
	s.mu.Lock()
	s.latest = &r
	s.mu.Unlock()
}

func (s *Service) run(ctx context.Context, runID string) (rep *Report, err error) {
	ctx = middleware.WithCorrelationID(ctx, runID)
	rep = &Report{RunID: runID, Status: StatusRunning, StartedAt: s.now().UTC(), Failures: []Failure{}}
	s.publish(*rep)

	defer func() {
		rep.FinishedAt = s.now().UTC()
		rep.ElapsedMS = rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()
		switch {
		case err == nil:
			rep.Status = StatusCompleted
		case errors.Is(err, ErrRunCancelled):
			rep.Status = StatusCancelled
			rep.Error = err.Error()
		default:
			rep.Status = StatusFailed
			rep.Error = err.Error()
		}
		s.publish(*rep)
		slog.InfoContext(ctx, "sync run finished", "status", rep.Status, "new", rep.New, "updated", rep.Updated,
			"unchanged", rep.Unchanged, "deleted", rep.Deleted, "skipped", rep.Skipped,
			"failures", len(rep.Failures), "elapsed_ms", rep.ElapsedMS)
	}()

	slog.InfoContext(ctx, "sync run started")

	articles, held, err := s.collect(ctx, rep)
	if err != nil {
		return rep, err
	}

	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return rep, fmt.Errorf("lock snapshot: %w", err)
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			slog.ErrorContext(ctx, "failed to release snapshot lock", "error", uerr)
		}
	}()

	snap, err := s.store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("load snapshot: %w", err)
	}
	rep.Reconciled = len(snapshot.Reconcile(ctx, snap))

	plan := Classify(snap, articles)
	plan.Deleted = withoutHeld(plan.Deleted, held)
	rep.New, rep.Updated, rep.Unchanged, rep.Deleted = len(plan.New), len(plan.Updated), len(plan.Unchanged), len(plan.Deleted)
	slog.InfoContext(ctx, "corpus classified", "new", rep.New, "updated", rep.Updated,
		"unchanged", rep.Unchanged, "deleted", rep.Deleted, "orphans", len(snap.Orphans))

	if ctx.Err() != nil {
		rep.Skipped = plan.Pending()
		return rep, ErrRunCancelled
	}

	indexID := ""
	cur, err := s.binder.Current(ctx)
	if err != nil {
		return rep, fmt.Errorf("load binding: %w", err)
	}
	if cur != nil {
		indexID = cur.IndexID
	}

	out := s.exec.Apply(ctx, plan, snap, indexID, s.store.Save)
	rep.Synced, rep.Skipped, rep.OrphansCleaned = out.Synced, out.Skipped, out.OrphansCleaned
	rep.Failures = append(rep.Failures, out.Failures...)

	// Work done so far is persisted regardless of how the run ends.
	persist := context.WithoutCancel(ctx)

	if out.Cancelled {
		rep.OrphansRemaining = len(snap.Orphans)
		if serr := s.store.Save(persist, snap); serr != nil {
			return rep, fmt.Errorf("save snapshot: %w", serr)
		}
		s.record(persist, rep, out.SyncedIDs)
		return rep, ErrRunCancelled
	}

	res, berr := s.binder.EnsureBinding(persist, snap)
	for _, d := range res.Dropped {
		rep.Failures = append(rep.Failures, Failure{ArticleID: d.Entry.ArticleID, Title: d.Entry.Title, Op: OpBind, Reason: d.Err.Error()})
	}
	rep.AssistantID, rep.IndexID = res.Binding.AssistantID, res.Binding.IndexID
	switch {
	case res.Created:
		rep.Binding = BindingCreated
	case res.Healed:
		rep.Binding = BindingHealed
	case berr == nil:
		rep.Binding = BindingVerified
	}

	// Binding kept the index the deferred attaches were meant for, so
	// nothing repopulated it.
	synced := out.SyncedIDs
	if len(out.Deferred) > 0 && res.Binding.IndexID == indexID {
		failed := s.exec.AttachDeferred(persist, indexID, out.Deferred, snap)
		rep.Failures = append(rep.Failures, failed...)
		rep.Synced -= len(failed)
		synced = withoutFailed(synced, failed)
	}

	rep.OrphansRemaining = len(snap.Orphans)
	if rep.OrphansRemaining > 0 {
		slog.WarnContext(ctx, "documents left in the store without a snapshot entry", "orphans", rep.OrphansRemaining)
	}
	if err := s.store.Save(persist, snap); err != nil {
		return rep, fmt.Errorf("save snapshot: %w", err)
	}
	s.record(persist, rep, synced)

	if berr != nil {
		return rep, fmt.Errorf("bind assistant: %w", berr)
	}
	return rep, nil
}

// collect scrapes and normalizes the corpus. Articles that cannot be
// normalized, and repeated ids, are reported and left out. held holds the
// ids of published articles that failed normalization.
func (s *Service) collect(ctx context.Context, rep *Report) (articles []article.Article, held map[string]bool, err error) {
	seen := make(map[string]bool)
	held = make(map[string]bool)

	for raw, err := range s.scraper.Articles(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ErrRunCancelled
			}
			return nil, nil, fmt.Errorf("scrape help center: %w", err)
		}
		rep.Scraped++

		a, err := s.normalize(raw)
		if err != nil {
			id := ""
			var nerr *article.NormalizationError
			if errors.As(err, &nerr) && nerr.ArticleID != "" {
				id = nerr.ArticleID
			} else if raw.ID != 0 {
				id = strconv.FormatInt(raw.ID, 10)
			}
			if id != "" {
				held[id] = true
			}
			slog.WarnContext(ctx, "skipping article", "article_id", id, "title", raw.Title, "error", err)
			rep.Failures = append(rep.Failures, Failure{ArticleID: id, Title: raw.Title, Op: OpNormalize, Reason: err.Error()})
			continue
		}
		if seen[a.ID] {
			slog.WarnContext(ctx, "skipping duplicate article", "article_id", a.ID)
			rep.Failures = append(rep.Failures, Failure{ArticleID: a.ID, Title: a.Title, Op: OpNormalize, Reason: "duplicate article id"})
			continue
		}
		seen[a.ID] = true
		if s.cfg.ChunkMaxTokens > 0 {
			rep.EstimatedChunks += len(text.ChunkMarkdown(a.Body, s.cfg.ChunkMaxTokens, s.cfg.ChunkOverlap))
		}
		articles = append(articles, a)
	}

	if len(articles) == 0 {
		return nil, nil, ErrEmptyCorpus
	}
	slog.InfoContext(ctx, "help center scraped", "scraped", rep.Scraped, "usable", len(articles), "estimated_chunks", rep.EstimatedChunks)
	return articles, held, nil
}

// withoutHeld keeps the documents of articles that are still published
// but could not be normalized this run.
func withoutHeld(deleted []snapshot.Entry, held map[string]bool) []snapshot.Entry {
	if len(held) == 0 {
		return deleted
	}
	kept := deleted[:0:0]
	for _, e := range deleted {
		if !held[e.ArticleID] {
			kept = append(kept, e)
		}
	}
	return kept
}

func withoutFailed(ids []string, failed []Failure) []string {
	if len(failed) == 0 {
		return ids
	}
	drop := make(map[string]bool, len(failed))
	for _, f := range failed {
		drop[f.ArticleID] = true
	}
	var kept []string
	for _, id := range ids {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

func (s *Service) record(ctx context.Context, rep *Report, synced []string) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Resolve(ctx, synced); err != nil {
		slog.ErrorContext(ctx, "failed to resolve failure ledger", "error", err)
	}
	if err := s.ledger.Record(ctx, rep.RunID, rep.Failures); err != nil {
		slog.ErrorContext(ctx, "failed to record failures", "error", err)
	}
}
