package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kbsync/features/article"
	"kbsync/features/snapshot"
	"kbsync/internal/config"
	"kbsync/internal/middleware"
	"kbsync/internal/remote"
	"kbsync/internal/retry"
	"kbsync/internal/worker"
)

// DocumentStore is the remote document store the executor mutates.
type DocumentStore interface {
	UploadDocument(ctx context.Context, filename string, content []byte) (string, error)
	DeleteDocument(ctx context.Context, handle string) error
	AttachDocument(ctx context.Context, indexID, handle string) error
	DetachDocument(ctx context.Context, indexID, handle string) error
	IndexExists(ctx context.Context, indexID string) (bool, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Checkpoint persists an intermediate copy of the snapshot.
type Checkpoint func(ctx context.Context, snap *snapshot.CorpusSnapshot) error

type ExecutorConfig struct {
	Concurrency     int
	CheckpointEvery int
	Policy          retry.Policy
}

const (
	OpNormalize = "normalize"
	OpUpload    = "upload"
	OpAttach    = "attach"
	OpDetach    = "detach"
	OpDelete    = "delete"
)

// Failure is one article that could not be synced this run.
type Failure struct {
	ArticleID string `json:"article_id" yaml:"article_id"`
	Title     string `json:"title" yaml:"title"`
	Op        string `json:"op" yaml:"op"`
	Reason    string `json:"reason" yaml:"reason"`
}

// Deferred is a committed document whose attach was put off because the
// index was gone.
type Deferred struct {
	ArticleID string
	Title     string
	Handle    string
}

type Outcome struct {
	Synced         int
	Skipped        int
	OrphansCleaned int
	// OrphansRemaining counts documents still in the store without a
	// snapshot entry once the run is over.
	OrphansRemaining int
	Failures         []Failure
	// SyncedIDs lists every article whose remote state now matches the
	// snapshot, in id order.
	SyncedIDs    []string
	IndexMissing bool
	// Deferred lists documents that still need attaching to the index the
	// run started with, in id order.
	Deferred  []Deferred
	Cancelled bool
}

type Executor struct {
	store DocumentStore
	pub   EventPublisher
	cfg   ExecutorConfig
	now   func() time.Time
}

// NewExecutor builds an executor. pub may be nil when the search mirror is
// disabled.
func NewExecutor(store DocumentStore, pub EventPublisher, cfg ExecutorConfig) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Executor{store: store, pub: pub, cfg: cfg, now: time.Now}
}

type run struct {
	x          *Executor
	snap       *snapshot.CorpusSnapshot
	checkpoint Checkpoint

	mu          sync.Mutex
	indexID     string
	out         Outcome
	sinceCommit int
}

// Apply performs the remote mutations of plan and records each success in
// snap. Articles fail independently. Once ctx is cancelled no new article
// is started; articles already in flight run to completion.
func (x *Executor) Apply(ctx context.Context, plan Classification, snap *snapshot.CorpusSnapshot, indexID string, checkpoint Checkpoint) Outcome {
	r := &run{x: x, snap: snap, checkpoint: checkpoint, indexID: indexID}
	work := context.WithoutCancel(ctx)

	var tasks []func(context.Context)
	for _, a := range plan.New {
		tasks = append(tasks, func(ctx context.Context) { r.create(ctx, a) })
	}
	for _, u := range plan.Updated {
		tasks = append(tasks, func(ctx context.Context) { r.replace(ctx, u) })
	}
	for _, e := range plan.Deleted {
		tasks = append(tasks, func(ctx context.Context) { r.remove(ctx, e) })
	}

	var g errgroup.Group
	g.SetLimit(x.cfg.Concurrency)
	for i, task := range tasks {
		if ctx.Err() != nil {
			r.skip(len(tasks) - i)
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				r.skip(1)
				return nil
			}
			task(work)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		r.out.Cancelled = true
	} else {
		r.cleanOrphans(work)
	}

	sort.Slice(r.out.Failures, func(i, j int) bool {
		if r.out.Failures[i].ArticleID != r.out.Failures[j].ArticleID {
			return r.out.Failures[i].ArticleID < r.out.Failures[j].ArticleID
		}
		return r.out.Failures[i].Op < r.out.Failures[j].Op
	})
	sort.Strings(r.out.SyncedIDs)
	sort.Slice(r.out.Deferred, func(i, j int) bool { return r.out.Deferred[i].ArticleID < r.out.Deferred[j].ArticleID })
	r.out.OrphansRemaining = len(r.snap.Orphans)
	return r.out
}

func (r *run) skip(n int) {
	r.mu.Lock()
	r.out.Skipped += n
	r.mu.Unlock()
}

func (r *run) fail(ctx context.Context, id, title, op string, err error) {
	slog.WarnContext(ctx, "article sync failed", "article_id", id, "op", op, "error", err)
	r.mu.Lock()
	r.out.Failures = append(r.out.Failures, Failure{ArticleID: id, Title: title, Op: op, Reason: err.Error()})
	r.mu.Unlock()
}

// index returns the index documents should be attached to, or "" when no
// index is known or it has disappeared during this run.
func (r *run) index() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out.IndexMissing {
		return ""
	}
	return r.indexID
}

func (r *run) markIndexMissing(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.out.IndexMissing {
		slog.WarnContext(ctx, "index no longer exists, attachments deferred to binding repair", "index_id", r.indexID)
	}
	r.out.IndexMissing = true
}

// commit applies a successful mutation to the snapshot and checkpoints.
func (r *run) commit(ctx context.Context, id string, mutate func(s *snapshot.CorpusSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(r.snap)
	r.out.Synced++
	r.out.SyncedIDs = append(r.out.SyncedIDs, id)
	r.sinceCommit++
	if r.checkpoint == nil || r.x.cfg.CheckpointEvery <= 0 || r.sinceCommit < r.x.cfg.CheckpointEvery {
		return
	}
	r.sinceCommit = 0
	if err := r.checkpoint(ctx, r.snap.Clone()); err != nil {
		slog.ErrorContext(ctx, "snapshot checkpoint failed", "error", err)
	}
}

func (r *run) orphan(ctx context.Context, handle string) {
	slog.WarnContext(ctx, "document left without snapshot entry, queued for cleanup", "handle", handle)
	r.mu.Lock()
	r.snap.AddOrphan(handle)
	r.mu.Unlock()
}

func (r *run) upload(ctx context.Context, a article.Article) (string, error) {
	return retry.DoValue(ctx, r.x.cfg.Policy, OpUpload, func(ctx context.Context) (string, error) {
		return r.x.store.UploadDocument(ctx, a.Filename(), []byte(a.Document()))
	})
}

// attach links handle to the current index. Without a binding there is
// nothing to attach to yet; binding creation populates the new index from
// the snapshot. A 404 only means the index is gone once the index lookup
// agrees, and then the attach is deferred until binding has run.
func (r *run) attach(ctx context.Context, a article.Article, handle string) error {
	if r.indexID == "" {
		return nil
	}
	indexID := r.index()
	if indexID == "" {
		r.deferAttach(a, handle)
		return nil
	}
	err := retry.Do(ctx, r.x.cfg.Policy, OpAttach, func(ctx context.Context) error {
		return r.x.store.AttachDocument(ctx, indexID, handle)
	})
	if !remote.IsNotFound(err) {
		return err
	}
	exists, xerr := retry.DoValue(ctx, r.x.cfg.Policy, "get index", func(ctx context.Context) (bool, error) {
		return r.x.store.IndexExists(ctx, indexID)
	})
	if xerr != nil || exists {
		return err
	}
	r.markIndexMissing(ctx)
	r.deferAttach(a, handle)
	return nil
}

func (r *run) deferAttach(a article.Article, handle string) {
	r.mu.Lock()
	r.out.Deferred = append(r.out.Deferred, Deferred{ArticleID: a.ID, Title: a.Title, Handle: handle})
	r.mu.Unlock()
}

// discard detaches and deletes handle. Already missing counts as success.
func (r *run) discard(ctx context.Context, handle string) (string, error) {
	if indexID := r.index(); indexID != "" {
		err := retry.Do(ctx, r.x.cfg.Policy, OpDetach, func(ctx context.Context) error {
			return r.x.store.DetachDocument(ctx, indexID, handle)
		})
		if err != nil && !remote.IsNotFound(err) {
			return OpDetach, err
		}
	}
	err := retry.Do(ctx, r.x.cfg.Policy, OpDelete, func(ctx context.Context) error {
		return r.x.store.DeleteDocument(ctx, handle)
	})
	if err != nil && !remote.IsNotFound(err) {
		return OpDelete, err
	}
	return "", nil
}

// abandon deletes a fresh upload whose attach failed.
func (r *run) abandon(ctx context.Context, handle string) {
	err := retry.Do(ctx, r.x.cfg.Policy, OpDelete, func(ctx context.Context) error {
		return r.x.store.DeleteDocument(ctx, handle)
	})
	if err != nil && !remote.IsNotFound(err) {
		r.orphan(ctx, handle)
	}
}

func (r *run) entry(a article.Article, handle string) snapshot.Entry {
	return snapshot.Entry{
		ArticleID:   a.ID,
		Title:       a.Title,
		Fingerprint: a.Fingerprint,
		Handle:      handle,
		LastSynced:  r.x.now().UTC(),
	}
}

func (r *run) create(ctx context.Context, a article.Article) {
	handle, err := r.upload(ctx, a)
	if err != nil {
		r.fail(ctx, a.ID, a.Title, OpUpload, err)
		return
	}
	if err := r.attach(ctx, a, handle); err != nil {
		r.abandon(ctx, handle)
		r.fail(ctx, a.ID, a.Title, OpAttach, err)
		return
	}
	e := r.entry(a, handle)
	r.commit(ctx, a.ID, func(s *snapshot.CorpusSnapshot) { s.Put(e) })
	slog.InfoContext(ctx, "article added", "article_id", a.ID, "handle", handle)
	r.publish(ctx, worker.ActionUpsert, a)
}

// replace uploads the new revision before touching the old one so the
// index never loses the article. An old document that cannot be removed
// is queued as an orphan.
func (r *run) replace(ctx context.Context, u Update) {
	a := u.Article
	handle, err := r.upload(ctx, a)
	if err != nil {
		r.fail(ctx, a.ID, a.Title, OpUpload, err)
		return
	}
	if err := r.attach(ctx, a, handle); err != nil {
		r.abandon(ctx, handle)
		r.fail(ctx, a.ID, a.Title, OpAttach, err)
		return
	}
	if op, err := r.discard(ctx, u.Previous.Handle); err != nil {
		slog.WarnContext(ctx, "old revision not removed", "article_id", a.ID, "op", op, "error", err)
		r.orphan(ctx, u.Previous.Handle)
	}
	e := r.entry(a, handle)
	r.commit(ctx, a.ID, func(s *snapshot.CorpusSnapshot) { s.Put(e) })
	slog.InfoContext(ctx, "article updated", "article_id", a.ID, "handle", handle, "previous_handle", u.Previous.Handle)
	r.publish(ctx, worker.ActionUpsert, a)
}

func (r *run) remove(ctx context.Context, e snapshot.Entry) {
	if op, err := r.discard(ctx, e.Handle); err != nil {
		r.fail(ctx, e.ArticleID, e.Title, op, err)
		return
	}
	r.commit(ctx, e.ArticleID, func(s *snapshot.CorpusSnapshot) { s.Remove(e.ArticleID) })
	slog.InfoContext(ctx, "article deleted", "article_id", e.ArticleID, "handle", e.Handle)
	r.publish(ctx, worker.ActionDelete, article.Article{ID: e.ArticleID, Title: e.Title})
}

func (r *run) cleanOrphans(ctx context.Context) {
	handles := append([]string(nil), r.snap.Orphans...)
	if len(handles) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(r.x.cfg.Concurrency)
	for _, h := range handles {
		g.Go(func() error {
			if _, err := r.discard(ctx, h); err != nil {
				slog.WarnContext(ctx, "orphaned document cleanup failed", "handle", h, "error", err)
				return nil
			}
			r.mu.Lock()
			r.snap.RemoveOrphan(h)
			r.out.OrphansCleaned++
			r.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// AttachDeferred attaches documents whose attach was deferred to indexID,
// the index binding kept. A document that still cannot be attached loses
// its snapshot entry so the next run uploads it again, and is reported.
func (x *Executor) AttachDeferred(ctx context.Context, indexID string, deferred []Deferred, snap *snapshot.CorpusSnapshot) []Failure {
	r := &run{x: x, snap: snap, indexID: indexID}

	var g errgroup.Group
	g.SetLimit(x.cfg.Concurrency)
	for _, d := range deferred {
		g.Go(func() error {
			err := retry.Do(ctx, x.cfg.Policy, OpAttach, func(ctx context.Context) error {
				return x.store.AttachDocument(ctx, indexID, d.Handle)
			})
			if err == nil {
				slog.InfoContext(ctx, "deferred document attached", "article_id", d.ArticleID, "handle", d.Handle)
				return nil
			}
			r.abandon(ctx, d.Handle)
			r.mu.Lock()
			if e, ok := snap.Get(d.ArticleID); ok && e.Handle == d.Handle {
				snap.Remove(d.ArticleID)
			}
			r.mu.Unlock()
			r.fail(ctx, d.ArticleID, d.Title, OpAttach, err)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(r.out.Failures, func(i, j int) bool { return r.out.Failures[i].ArticleID < r.out.Failures[j].ArticleID })
	return r.out.Failures
}

func (r *run) publish(ctx context.Context, action string, a article.Article) {
	if r.x.pub == nil {
		return
	}
	ev := worker.ArticleEvent{
		Action:        action,
		ArticleID:     a.ID,
		Title:         a.Title,
		URL:           a.URL,
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	if action == worker.ActionUpsert {
		ev.Content = a.Body
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode article event", "error", err)
		return
	}
	if err := r.x.pub.Publish(config.TopicArticle, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish article event", "article_id", a.ID, "error", err)
	}
}
