package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ShardStore persists encoded shards by name. Names use "/" separators.
type ShardStore interface {
	// Get returns the shard bytes; ok is false when the shard does not exist.
	Get(ctx context.Context, name string) (data []byte, ok bool, err error)
	Put(ctx context.Context, name string, data []byte) error
}

// LocalStore keeps shards as files under a root directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir when missing.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name)+".parquet")
}

func (s *LocalStore) Get(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read shard %s: %w", name, err)
	}
	return data, true, nil
}

// Put writes through a temporary file and renames it into place.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".shard-*")
	if err != nil {
		return fmt.Errorf("failed to create temp shard: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write shard %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close shard %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move shard %s into place: %w", name, err)
	}
	return nil
}
