package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const formatVersion = 1

var ErrLocked = errors.New("snapshot is locked by another run")

// Entry records what was last pushed to the document store for one article.
type Entry struct {
	ArticleID   string    `json:"article_id"`
	Title       string    `json:"title,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Handle      string    `json:"handle"`
	LastSynced  time.Time `json:"last_synced"`
}

// CorpusSnapshot is the persisted view of the corpus as of the last run.
// Orphans are uploaded documents no entry references any more; they are
// deleted on a later run. A snapshot is not safe for concurrent use.
type CorpusSnapshot struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
	Orphans []string         `json:"orphans,omitempty"`
}

type Store interface {
	Load(ctx context.Context) (*CorpusSnapshot, error)
	Save(ctx context.Context, snap *CorpusSnapshot) error
	Lock(ctx context.Context) (func() error, error)
}

// IOError reports unreadable or unwritable snapshot storage.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func New() *CorpusSnapshot {
	return &CorpusSnapshot{Version: formatVersion, Entries: make(map[string]Entry)}
}

func (s *CorpusSnapshot) Len() int {
	return len(s.Entries)
}

func (s *CorpusSnapshot) Get(id string) (Entry, bool) {
	e, ok := s.Entries[id]
	return e, ok
}

func (s *CorpusSnapshot) Put(e Entry) {
	s.Entries[e.ArticleID] = e
}

func (s *CorpusSnapshot) Remove(id string) {
	delete(s.Entries, id)
}

func (s *CorpusSnapshot) AddOrphan(handle string) {
	for _, h := range s.Orphans {
		if h == handle {
			return
		}
	}
	s.Orphans = append(s.Orphans, handle)
}

func (s *CorpusSnapshot) RemoveOrphan(handle string) {
	kept := s.Orphans[:0]
	for _, h := range s.Orphans {
		if h != handle {
			kept = append(kept, h)
		}
	}
	s.Orphans = kept
}

// Sorted returns the entries ordered by article ID.
func (s *CorpusSnapshot) Sorted() []Entry {
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArticleID < out[j].ArticleID })
	return out
}

func (s *CorpusSnapshot) Clone() *CorpusSnapshot {
	c := &CorpusSnapshot{Version: s.Version, Entries: make(map[string]Entry, len(s.Entries))}
	for k, v := range s.Entries {
		c.Entries[k] = v
	}
	c.Orphans = append([]string(nil), s.Orphans...)
	return c
}

// Reconcile repairs a snapshot in which several entries claim the same
// remote handle. The most recently synced entry keeps it; the others are
// dropped so their articles classify as new and get their own document.
// It returns the dropped entries.
func Reconcile(ctx context.Context, s *CorpusSnapshot) []Entry {
	owners := make(map[string]Entry)
	var dropped []Entry
	for _, e := range s.Sorted() {
		if e.Handle == "" {
			dropped = append(dropped, e)
			continue
		}
		prev, ok := owners[e.Handle]
		if !ok {
			owners[e.Handle] = e
			continue
		}
		if e.LastSynced.After(prev.LastSynced) {
			owners[e.Handle] = e
			dropped = append(dropped, prev)
		} else {
			dropped = append(dropped, e)
		}
	}
	for _, e := range dropped {
		slog.WarnContext(ctx, "dropping inconsistent snapshot entry", "article_id", e.ArticleID, "handle", e.Handle)
		s.Remove(e.ArticleID)
	}
	return dropped
}
