// Package objectstore persists user attachments and surfaced sandbox
// files. The filesystem backend is the default; S3 serves multi-host
// deployments.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// PutOptions carry optional metadata for a stored object.
type PutOptions struct {
	Name      string
	MediaType string
}

// Store reads and writes opaque objects addressed by id.
type Store interface {
	// Put stores the object and returns its id.
	Put(ctx context.Context, data io.Reader, opts PutOptions) (string, error)
	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
