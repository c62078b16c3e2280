package syncer_test

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"kbsync/features/article"
	"kbsync/features/binding"
	"kbsync/features/snapshot"
	"kbsync/features/syncer"
	"kbsync/internal/remote"
	"kbsync/internal/retry"
)

// fakeRemote is an in-memory document store and assistant API.
type fakeRemote struct {
	mu         sync.Mutex
	seq        int
	docs       map[string][]byte
	indexes    map[string]map[string]bool
	assistants map[string]string
	calls      map[string]int

	failUpload map[string]error
	failDelete map[string]error
	failAttach map[string]error
	// failAttachArticle fails attaches of any upload of an article id.
	failAttachArticle map[string]error
	uploadedFor       map[string]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:       map[string][]byte{},
		indexes:    map[string]map[string]bool{},
		assistants: map[string]string{},
		calls:      map[string]int{},
		failUpload: map[string]error{},
		failDelete: map[string]error{},
		failAttach: map[string]error{},

		failAttachArticle: map[string]error{},
		uploadedFor:       map[string]string{},
	}
}

func notFound(op string) error {
	return remote.FromStatus(op, http.StatusNotFound, "not found")
}

func (f *fakeRemote) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeRemote) UploadDocument(ctx context.Context, filename string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["upload"]++
	for id, err := range f.failUpload {
		if strings.HasSuffix(filename, "-"+id+".md") {
			return "", err
		}
	}
	h := f.next("file")
	f.docs[h] = content
	name := strings.TrimSuffix(filename, ".md")
	f.uploadedFor[h] = name[strings.LastIndex(name, "-")+1:]
	return h, nil
}

func (f *fakeRemote) DeleteDocument(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	if err, ok := f.failDelete[handle]; ok {
		return err
	}
	if _, ok := f.docs[handle]; !ok {
		return notFound("delete document")
	}
	delete(f.docs, handle)
	for _, idx := range f.indexes {
		delete(idx, handle)
	}
	return nil
}

func (f *fakeRemote) AttachDocument(ctx context.Context, indexID, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["attach"]++
	if err, ok := f.failAttach[handle]; ok {
		return err
	}
	if err, ok := f.failAttachArticle[f.uploadedFor[handle]]; ok {
		return err
	}
	idx, ok := f.indexes[indexID]
	if !ok {
		return notFound("attach document")
	}
	if _, ok := f.docs[handle]; !ok {
		return notFound("attach document")
	}
	idx[handle] = true
	return nil
}

func (f *fakeRemote) DetachDocument(ctx context.Context, indexID, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["detach"]++
	idx, ok := f.indexes[indexID]
	if !ok || !idx[handle] {
		return notFound("detach document")
	}
	delete(idx, handle)
	return nil
}

func (f *fakeRemote) CreateIndex(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_index"]++
	id := f.next("vs")
	f.indexes[id] = map[string]bool{}
	return id, nil
}

func (f *fakeRemote) IndexExists(ctx context.Context, indexID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_index"]++
	_, ok := f.indexes[indexID]
	return ok, nil
}

func (f *fakeRemote) CreateAssistant(ctx context.Context, name, model, instructions, indexID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_assistant"]++
	id := f.next("asst")
	f.assistants[id] = indexID
	return id, nil
}

func (f *fakeRemote) AssistantIndex(ctx context.Context, assistantID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_assistant"]++
	idx, ok := f.assistants[assistantID]
	return idx, ok, nil
}

func (f *fakeRemote) UpdateAssistantIndex(ctx context.Context, assistantID, indexID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update_assistant"]++
	if _, ok := f.assistants[assistantID]; !ok {
		return notFound("update assistant")
	}
	f.assistants[assistantID] = indexID
	return nil
}

// mutations counts every call that changes remote state.
func (f *fakeRemote) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range []string{"upload", "delete", "attach", "detach", "create_index", "create_assistant", "update_assistant"} {
		n += f.calls[op]
	}
	return n
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = map[string]int{}
}

func (f *fakeRemote) documents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeRemote) attached(indexID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexes[indexID])
}

type staticScraper struct {
	articles []article.RawArticle
	err      error
	gate     chan struct{}
}

func (s *staticScraper) Articles(ctx context.Context) iter.Seq2[article.RawArticle, error] {
	return func(yield func(article.RawArticle, error) bool) {
		if s.gate != nil {
			<-s.gate
		}
		for _, a := range s.articles {
			if !yield(a, nil) {
				return
			}
		}
		if s.err != nil {
			yield(article.RawArticle{}, s.err)
		}
	}
}

func raw(id int64, title, body string) article.RawArticle {
	return article.RawArticle{
		ID:        id,
		Title:     title,
		Body:      body,
		HTMLURL:   fmt.Sprintf("https://support.example.com/hc/en-us/articles/%d?utm_source=x", id),
		Locale:    "en-us",
		UpdatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, CallTimeout: time.Second}
}

type harness struct {
	remote   *fakeRemote
	scraper  *staticScraper
	store    *snapshot.FileStore
	bindings *binding.FileRepo
	service  *syncer.Service
}

func newHarness(t *testing.T, ledger syncer.FailureLedger) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		remote:   newFakeRemote(),
		scraper:  &staticScraper{},
		store:    snapshot.NewFileStore(dir),
		bindings: binding.NewFileRepo(dir),
	}
	binder := binding.NewBinder(h.bindings, h.remote, binding.AssistantSpec{
		Name: "OptiBot", Model: "gpt-4o-mini", Instructions: "Answer from the docs.", IndexName: "help-center",
	}, testPolicy(), 2)
	cfg := syncer.Config{
		Executor:       syncer.ExecutorConfig{Concurrency: 3, CheckpointEvery: 2, Policy: testPolicy()},
		ChunkMaxTokens: 375,
		ChunkOverlap:   50,
	}
	h.service = syncer.NewService(h.scraper, h.store, binder, h.remote, nil, ledger, cfg)
	return h
}

func (h *harness) snapshot(t *testing.T) *snapshot.CorpusSnapshot {
	t.Helper()
	snap, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return snap
}

type MockLedger struct{ mock.Mock }

func (m *MockLedger) Record(ctx context.Context, runID string, failures []syncer.Failure) error {
	return m.Called(ctx, runID, failures).Error(0)
}

func (m *MockLedger) Resolve(ctx context.Context, articleIDs []string) error {
	return m.Called(ctx, articleIDs).Error(0)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	return m.Called(topic, body).Error(0)
}
