// Package file 把每个键保存为目录下的一个 JSON 文件。
package file

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/storage"
)

// Store writes each key atomically (temp file then rename).
type Store struct {
	dir string
	mu  sync.Mutex
}

// New 创建文件存储，目录不存在时自动创建。
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read state file")
	}
	return data, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write state file")
	}
	if err := os.Rename(tmp, target); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace state file")
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "remove state file")
	}
	return nil
}

func (s *Store) Close() error { return nil }
