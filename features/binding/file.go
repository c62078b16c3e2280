package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kbsync/internal/fsutil"
)

type FileRepo struct {
	path string
}

func NewFileRepo(dir string) *FileRepo {
	return &FileRepo{path: filepath.Join(dir, "binding.json")}
}

func (r *FileRepo) Get(ctx context.Context) (*Binding, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read binding: %w", err)
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode binding: %w", err)
	}
	return &b, nil
}

func (r *FileRepo) Save(ctx context.Context, b Binding) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(r.path, data, 0o600, nil); err != nil {
		return fmt.Errorf("write binding: %w", err)
	}
	return nil
}
