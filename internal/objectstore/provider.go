package objectstore

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/common/config"
)

// Provide builds the configured object store backend.
func Provide(ctx context.Context, cfg config.ObjectStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSStore(cfg.Path)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}
