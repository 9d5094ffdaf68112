package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileBackend stores the document as a pretty-printed JSON file.
// Writes go through a temp file and rename so a crash never leaves a
// half-written store behind.
type fileBackend struct {
	path string
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (f *fileBackend) LoadRaw(_ context.Context) ([]byte, bool, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (f *fileBackend) SaveRaw(_ context.Context, raw []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// BackupRaw writes the pre-migration blob next to the store file as
// <stem>.pre_migration<ext>.
func (f *fileBackend) BackupRaw(_ context.Context, raw []byte) error {
	ext := filepath.Ext(f.path)
	stem := strings.TrimSuffix(filepath.Base(f.path), ext)
	backup := filepath.Join(filepath.Dir(f.path), fmt.Sprintf("%s.pre_migration%s", stem, ext))
	return os.WriteFile(backup, raw, 0o644)
}
