package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FSStore stores objects as files under a root directory. Objects are
// sharded by the first two id characters to keep directories small.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) objectPath(id string) string {
	shard := "00"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(s.root, shard, id)
}

// Put writes the object to a temp file and renames it into place so a
// crashed write never leaves a partial object behind.
func (s *FSStore) Put(ctx context.Context, data io.Reader, opts PutOptions) (string, error) {
	id := uuid.New().String()
	dest := s.objectPath(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create object shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("place object: %w", err)
	}
	return id, nil
}

func (s *FSStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if strings.Contains(id, "/") || strings.Contains(id, "..") {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.objectPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) error {
	if strings.Contains(id, "/") || strings.Contains(id, "..") {
		return nil
	}
	if err := os.Remove(s.objectPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *FSStore) Close() error {
	return nil
}
