package jobs

import (
	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/db"
)

// Provide creates the SQL job queue on the shared database pool.
func Provide(pool *db.Pool, driver string, log *logger.Logger, cfg config.QueueConfig) (*SQLQueue, error) {
	return NewSQLQueue(pool.Writer(), driver, log, cfg.MaxAttempts)
}
