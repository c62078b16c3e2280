package snapshot

// SetBeforeRename installs a hook that runs after the temp file is written
// and before it replaces the snapshot.
func (f *FileStore) SetBeforeRename(hook func(tmp string) error) {
	f.beforeRename = hook
}
