package lease

import (
	"github.com/parleyhq/parley/internal/db"
)

// Provide creates the SQL lease on the shared database pool.
func Provide(pool *db.Pool, driver string) (Lease, error) {
	return NewSQLLease(pool.Writer(), driver)
}
