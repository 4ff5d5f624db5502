package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/db/dialect"
)

// sqlLease stores leases in a table and uses the database clock for every
// expiry comparison so processes on skewed hosts agree on who holds what.
type sqlLease struct {
	db     *sqlx.DB
	driver string
}

var _ Lease = (*sqlLease)(nil)

// NewSQLLease creates the lease table on the shared writer connection.
func NewSQLLease(writer *sqlx.DB, driver string) (Lease, error) {
	l := &sqlLease{db: writer, driver: driver}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize lease schema: %w", err)
	}
	return l, nil
}

func (l *sqlLease) initSchema() error {
	ts := dialect.TimestampType(l.driver)
	_, err := l.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS generation_leases (
			key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at %s NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts, ts))
	return err
}

func ttlSeconds(ttl time.Duration) string {
	return fmt.Sprintf("%d", int64(ttl.Seconds()))
}

func (l *sqlLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	now := dialect.Now(l.driver)
	query := fmt.Sprintf(`
		INSERT INTO generation_leases (key, token, expires_at, created_at, updated_at)
		VALUES (?, ?, %s, %s, %s)
		ON CONFLICT(key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		WHERE generation_leases.expires_at <= %s
	`, dialect.NowPlusSeconds(l.driver, "?"), now, now, now)

	result, err := l.db.ExecContext(ctx, l.db.Rebind(query), key, token, ttlSeconds(ttl))
	if err != nil {
		return "", false, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return "", false, nil
	}
	return token, true, nil
}

func (l *sqlLease) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := dialect.Now(l.driver)
	query := fmt.Sprintf(`
		UPDATE generation_leases
		SET expires_at = %s, updated_at = %s
		WHERE key = ? AND token = ? AND expires_at > %s
	`, dialect.NowPlusSeconds(l.driver, "?"), now, now)

	result, err := l.db.ExecContext(ctx, l.db.Rebind(query), ttlSeconds(ttl), key, token)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (l *sqlLease) Release(ctx context.Context, key, token string) error {
	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		DELETE FROM generation_leases WHERE key = ? AND token = ?
	`), key, token)
	return err
}
