//go:build !unix

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TryLock creates path exclusively; an existing file means the lock is held.
func TryLock(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- lock path derives from configured state dir
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	return func() error {
		_ = f.Close()
		return os.Remove(path)
	}, nil
}
