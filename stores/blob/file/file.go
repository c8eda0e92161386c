// Package file implements a blob.Store backed by the local filesystem,
// used for the subinode manager/payments dumps when a node operator
// wants the state to survive a restart without running a database.
package file

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

type File struct {
	dir string
}

func New(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}

	return &File{dir: dir}, nil
}

func (f *File) path(key []byte) string {
	return filepath.Join(f.dir, hex.EncodeToString(key)+".blob")
}

func (f *File) Close(_ context.Context) error {
	return nil
}

func (f *File) Set(_ context.Context, key []byte, value []byte) error {
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("file store set: %w", err)
	}

	return os.Rename(tmp, f.path(key))
}

func (f *File) Get(_ context.Context, key []byte) ([]byte, error) {
	b, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, fmt.Errorf("file store get: %w", err)
	}

	return b, nil
}

func (f *File) Exists(_ context.Context, key []byte) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

func (f *File) Del(_ context.Context, key []byte) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file store del: %w", err)
	}

	return nil
}
