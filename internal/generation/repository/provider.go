package repository

import (
	"github.com/parleyhq/parley/internal/db"
)

// Provide creates the generation store on the shared database pool.
func Provide(pool *db.Pool, driver string) (Store, func() error, error) {
	store, err := NewSQLStoreWithDB(pool.Writer(), pool.Reader(), driver)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
