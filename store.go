package feedback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Store persists the snapshot as a single Parquet file.
//
// Commit replaces the file by rename, so readers of Path see either the
// previous or the new snapshot, never a partial one.
type Store struct {
	Path string
}

// Load reads the committed snapshot. A missing file is an empty snapshot.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := decodeSnapshot(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.Path, err)
	}
	return snap, nil
}

// Commit atomically replaces the committed snapshot. On error the
// previous file is left untouched.
func (s *Store) Commit(ctx context.Context, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return &MergeError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &MergeError{Err: err}
	}
	if err := writeFileAtomic(s.Path, data); err != nil {
		return &MergeError{Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	// Persist the rename itself.
	d, derr := os.Open(dir)
	if derr != nil {
		return nil
	}
	_ = d.Sync()
	return d.Close()
}
