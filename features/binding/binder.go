package binding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kbsync/features/snapshot"
	"kbsync/internal/remote"
	"kbsync/internal/retry"
)

// Remote is the subset of the document store and assistant API the binder
// needs.
type Remote interface {
	CreateIndex(ctx context.Context, name string) (string, error)
	IndexExists(ctx context.Context, indexID string) (bool, error)
	AttachDocument(ctx context.Context, indexID, handle string) error
	DeleteDocument(ctx context.Context, handle string) error
	CreateAssistant(ctx context.Context, name, model, instructions, indexID string) (string, error)
	// AssistantIndex returns the index the assistant searches, and false
	// when the assistant no longer exists.
	AssistantIndex(ctx context.Context, assistantID string) (string, bool, error)
	UpdateAssistantIndex(ctx context.Context, assistantID, indexID string) error
}

type AssistantSpec struct {
	Name         string
	Model        string
	Instructions string
	IndexName    string
}

// Dropped is a snapshot entry removed because its document could not be
// attached to a freshly created index.
type Dropped struct {
	Entry snapshot.Entry
	Err   error
}

type Result struct {
	Binding Binding
	Created bool
	Healed  bool
	Dropped []Dropped
}

type Binder struct {
	repo        Repository
	remote      Remote
	assistant   AssistantSpec
	policy      retry.Policy
	concurrency int
	now         func() time.Time
}

func NewBinder(repo Repository, r Remote, as AssistantSpec, policy retry.Policy, concurrency int) *Binder {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Binder{repo: repo, remote: r, assistant: as, policy: policy, concurrency: concurrency, now: time.Now}
}

// Current returns the persisted binding without contacting the remote.
func (b *Binder) Current(ctx context.Context) (*Binding, error) {
	return b.repo.Get(ctx)
}

type remoteState struct {
	indexOK        bool
	assistantOK    bool
	assistantIndex string
}

// EnsureBinding makes sure an index and an assistant searching it exist,
// creating or repairing whichever is missing. A newly created index is
// populated with every document in snap; entries whose document cannot be
// attached are removed from snap so the next run uploads them again.
func (b *Binder) EnsureBinding(ctx context.Context, snap *snapshot.CorpusSnapshot) (Result, error) {
	cur, err := b.repo.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load binding: %w", err)
	}

	if cur == nil {
		slog.InfoContext(ctx, "no assistant binding found, creating index and assistant")
		res, err := b.repair(ctx, snap, Binding{}, remoteState{})
		res.Created = err == nil
		return res, err
	}

	st, err := b.verify(ctx, *cur)
	if err != nil {
		return Result{Binding: *cur}, fmt.Errorf("verify binding: %w", err)
	}
	if st.indexOK && st.assistantOK && st.assistantIndex == cur.IndexID {
		slog.DebugContext(ctx, "assistant binding verified", "assistant_id", cur.AssistantID, "index_id", cur.IndexID)
		return Result{Binding: *cur}, nil
	}

	slog.WarnContext(ctx, "repairing assistant binding",
		"error", &InconsistentError{Reason: describe(*cur, st)},
		"assistant_id", cur.AssistantID, "index_id", cur.IndexID)
	res, err := b.repair(ctx, snap, *cur, st)
	res.Healed = err == nil
	return res, err
}

func (b *Binder) verify(ctx context.Context, cur Binding) (remoteState, error) {
	var st remoteState
	var err error

	if cur.IndexID != "" {
		st.indexOK, err = retry.DoValue(ctx, b.policy, "get index", func(ctx context.Context) (bool, error) {
			return b.remote.IndexExists(ctx, cur.IndexID)
		})
		if err != nil {
			return st, err
		}
	}
	if cur.AssistantID != "" {
		type lookup struct {
			index  string
			exists bool
		}
		l, err := retry.DoValue(ctx, b.policy, "get assistant", func(ctx context.Context) (lookup, error) {
			idx, ok, err := b.remote.AssistantIndex(ctx, cur.AssistantID)
			return lookup{index: idx, exists: ok}, err
		})
		if err != nil {
			return st, err
		}
		st.assistantOK, st.assistantIndex = l.exists, l.index
	}
	return st, nil
}

func describe(cur Binding, st remoteState) string {
	switch {
	case !st.indexOK && !st.assistantOK:
		return "index and assistant missing"
	case !st.indexOK:
		return "index " + cur.IndexID + " missing"
	case !st.assistantOK:
		return "assistant " + cur.AssistantID + " missing"
	default:
		return "assistant searches index " + st.assistantIndex + " instead of " + cur.IndexID
	}
}

func (b *Binder) repair(ctx context.Context, snap *snapshot.CorpusSnapshot, cur Binding, st remoteState) (Result, error) {
	next := cur
	res := Result{Binding: cur}

	if !st.indexOK {
		id, err := retry.DoValue(ctx, b.policy, "create index", func(ctx context.Context) (string, error) {
			return b.remote.CreateIndex(ctx, b.assistant.IndexName)
		})
		if err != nil {
			return res, &InconsistentError{Reason: "create index", Err: err}
		}
		slog.InfoContext(ctx, "created index", "index_id", id)
		next.IndexID = id
		res.Dropped = b.populate(ctx, id, snap)

		// Persist the new index before touching the assistant so a failure
		// below does not leak another index on the next run.
		if err := b.save(ctx, &next); err != nil {
			return res, err
		}
		res.Binding = next
	}

	switch {
	case !st.assistantOK:
		id, err := b.createAssistant(ctx, next.IndexID)
		if err != nil {
			return res, err
		}
		next.AssistantID = id
	case st.assistantIndex != next.IndexID:
		err := retry.Do(ctx, b.policy, "update assistant", func(ctx context.Context) error {
			return b.remote.UpdateAssistantIndex(ctx, next.AssistantID, next.IndexID)
		})
		if remote.IsNotFound(err) {
			id, cerr := b.createAssistant(ctx, next.IndexID)
			if cerr != nil {
				return res, cerr
			}
			next.AssistantID = id
		} else if err != nil {
			return res, &InconsistentError{Reason: "point assistant at index", Err: err}
		} else {
			slog.InfoContext(ctx, "assistant now searches index", "assistant_id", next.AssistantID, "index_id", next.IndexID)
		}
	}

	if err := b.save(ctx, &next); err != nil {
		return res, err
	}
	res.Binding = next
	return res, nil
}

func (b *Binder) createAssistant(ctx context.Context, indexID string) (string, error) {
	id, err := retry.DoValue(ctx, b.policy, "create assistant", func(ctx context.Context) (string, error) {
		return b.remote.CreateAssistant(ctx, b.assistant.Name, b.assistant.Model, b.assistant.Instructions, indexID)
	})
	if err != nil {
		return "", &InconsistentError{Reason: "create assistant", Err: err}
	}
	slog.InfoContext(ctx, "created assistant", "assistant_id", id, "index_id", indexID)
	return id, nil
}

func (b *Binder) save(ctx context.Context, next *Binding) error {
	next.UpdatedAt = b.now().UTC()
	if err := b.repo.Save(ctx, *next); err != nil {
		return fmt.Errorf("save binding: %w", err)
	}
	return nil
}

// populate attaches every snapshot document to indexID.
func (b *Binder) populate(ctx context.Context, indexID string, snap *snapshot.CorpusSnapshot) []Dropped {
	var (
		mu      sync.Mutex
		dropped []Dropped
		g       errgroup.Group
	)
	g.SetLimit(b.concurrency)

	for _, e := range snap.Sorted() {
		g.Go(func() error {
			err := retry.Do(ctx, b.policy, "attach document", func(ctx context.Context) error {
				return b.remote.AttachDocument(ctx, indexID, e.Handle)
			})
			if err == nil {
				return nil
			}
			slog.WarnContext(ctx, "failed to attach document to new index", "article_id", e.ArticleID, "handle", e.Handle, "error", err)
			orphan := false
			if !remote.IsNotFound(err) {
				derr := retry.Do(ctx, b.policy, "delete document", func(ctx context.Context) error {
					return b.remote.DeleteDocument(ctx, e.Handle)
				})
				orphan = derr != nil && !remote.IsNotFound(derr)
			}

			mu.Lock()
			defer mu.Unlock()
			snap.Remove(e.ArticleID)
			if orphan {
				snap.AddOrphan(e.Handle)
			}
			dropped = append(dropped, Dropped{Entry: e, Err: err})
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Entry.ArticleID < dropped[j].Entry.ArticleID })

	slog.InfoContext(ctx, "populated index", "index_id", indexID, "attached", snap.Len(), "dropped", len(dropped))
	return dropped
}
