package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kbsync/internal/fsutil"
)

const fileName = "snapshot.json"

// FileStore keeps the snapshot as a JSON document in the state directory.
type FileStore struct {
	path string

	// beforeRename is a test hook run between writing and committing.
	beforeRename func(tmp string) error
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, fileName)}
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load(ctx context.Context) (*CorpusSnapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, &IOError{Op: "read", Err: err}
	}

	snap := New()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, &IOError{Op: "decode", Err: err}
	}
	if snap.Version > formatVersion {
		return nil, &IOError{Op: "decode", Err: fmt.Errorf("unsupported snapshot version %d", snap.Version)}
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]Entry)
	}
	for id, e := range snap.Entries {
		if e.ArticleID == "" {
			e.ArticleID = id
			snap.Entries[id] = e
		}
	}
	snap.Version = formatVersion
	return snap, nil
}

func (f *FileStore) Save(ctx context.Context, snap *CorpusSnapshot) error {
	snap.Version = formatVersion
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Err: err}
	}
	if err := fsutil.WriteAtomic(f.path, data, 0o600, f.beforeRename); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

func (f *FileStore) Lock(ctx context.Context) (func() error, error) {
	unlock, err := fsutil.TryLock(f.path + ".lock")
	if errors.Is(err, fsutil.ErrLocked) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, &IOError{Op: "lock", Err: err}
	}
	return unlock, nil
}

// Count returns the number of tracked articles.
func (f *FileStore) Count(ctx context.Context) (int, error) {
	snap, err := f.Load(ctx)
	if err != nil {
		return 0, err
	}
	return snap.Len(), nil
}
