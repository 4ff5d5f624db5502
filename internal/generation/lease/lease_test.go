package lease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/db/dialect"
)

func createTestSQLLease(t *testing.T) (Lease, *sqlx.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, dialect.SQLite3)
	t.Cleanup(func() {
		_ = sqlxDB.Close()
	})

	l, err := NewSQLLease(sqlxDB, dialect.SQLite3)
	if err != nil {
		t.Fatalf("failed to create lease: %v", err)
	}
	return l, sqlxDB
}

func TestSQLLeaseAcquireAndContend(t *testing.T) {
	l, _ := createTestSQLLease(t)
	ctx := context.Background()
	key := GenerationKey("gen-1")

	token, acquired, err := l.Acquire(ctx, key, 2*time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !acquired || token == "" {
		t.Fatal("expected to acquire free lease")
	}

	_, acquired, err = l.Acquire(ctx, key, 2*time.Minute)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if acquired {
		t.Error("expected held lease to refuse a second acquire")
	}

	// Independent keys do not contend.
	_, acquired, err = l.Acquire(ctx, GenerationKey("gen-2"), 2*time.Minute)
	if err != nil {
		t.Fatalf("acquire for other key failed: %v", err)
	}
	if !acquired {
		t.Error("expected unrelated key to be free")
	}
}

func TestSQLLeaseTakeoverAfterExpiry(t *testing.T) {
	l, sqlxDB := createTestSQLLease(t)
	ctx := context.Background()
	key := GenerationKey("gen-1")

	oldToken, acquired, err := l.Acquire(ctx, key, 2*time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire failed: %v", err)
	}

	// Backdate the expiry to simulate a dead holder.
	if _, err := sqlxDB.Exec(`UPDATE generation_leases SET expires_at = datetime('now', '-10 seconds') WHERE key = ?`, key); err != nil {
		t.Fatalf("failed to backdate lease: %v", err)
	}

	newToken, acquired, err := l.Acquire(ctx, key, 2*time.Minute)
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected expired lease to be taken over")
	}
	if newToken == oldToken {
		t.Error("expected takeover to issue a fresh token")
	}

	// The old holder's token no longer renews.
	renewed, err := l.Renew(ctx, key, oldToken, 2*time.Minute)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if renewed {
		t.Error("expected stale token renew to be refused")
	}
}

func TestSQLLeaseRenewAndRelease(t *testing.T) {
	l, sqlxDB := createTestSQLLease(t)
	ctx := context.Background()
	key := GenerationKey("gen-1")

	token, acquired, err := l.Acquire(ctx, key, 2*time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire failed: %v", err)
	}

	renewed, err := l.Renew(ctx, key, token, 2*time.Minute)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !renewed {
		t.Error("expected holder renew to succeed")
	}

	renewed, err = l.Renew(ctx, key, "wrong-token", 2*time.Minute)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if renewed {
		t.Error("expected wrong token renew to be refused")
	}

	// An expired lease does not renew even with the right token.
	if _, err := sqlxDB.Exec(`UPDATE generation_leases SET expires_at = datetime('now', '-10 seconds') WHERE key = ?`, key); err != nil {
		t.Fatalf("failed to backdate lease: %v", err)
	}
	renewed, err = l.Renew(ctx, key, token, 2*time.Minute)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if renewed {
		t.Error("expected expired lease renew to be refused")
	}

	if err := l.Release(ctx, key, token); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	_, acquired, err = l.Acquire(ctx, key, 2*time.Minute)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	if !acquired {
		t.Error("expected released lease to be free")
	}
}

func TestMemoryLease(t *testing.T) {
	l := NewMemoryLease()
	ctx := context.Background()
	key := GenerationKey("gen-1")

	token, acquired, err := l.Acquire(ctx, key, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, acquired, _ := l.Acquire(ctx, key, time.Minute); acquired {
		t.Error("expected held lease to refuse a second acquire")
	}

	renewed, err := l.Renew(ctx, key, token, time.Minute)
	if err != nil || !renewed {
		t.Fatalf("renew failed: renewed=%v err=%v", renewed, err)
	}
	if renewed, _ := l.Renew(ctx, key, "wrong-token", time.Minute); renewed {
		t.Error("expected wrong token renew to be refused")
	}

	if err := l.Release(ctx, key, token); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, acquired, _ := l.Acquire(ctx, key, time.Minute); !acquired {
		t.Error("expected released lease to be free")
	}
}

func TestMemoryLeaseExpiry(t *testing.T) {
	l := NewMemoryLease()
	ctx := context.Background()
	key := GenerationKey("gen-1")

	token, acquired, err := l.Acquire(ctx, key, 10*time.Millisecond)
	if err != nil || !acquired {
		t.Fatalf("acquire failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if renewed, _ := l.Renew(ctx, key, token, time.Minute); renewed {
		t.Error("expected expired lease renew to be refused")
	}
	if _, acquired, _ := l.Acquire(ctx, key, time.Minute); !acquired {
		t.Error("expected expired lease to be acquirable")
	}
}

func TestKeepStopsWhenLeaseLost(t *testing.T) {
	l := NewMemoryLease()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := GenerationKey("gen-1")

	token, acquired, err := l.Acquire(ctx, key, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire failed: %v", err)
	}

	lost := make(chan struct{})
	go Keep(ctx, l, key, token, time.Minute, 5*time.Millisecond, func() {
		close(lost)
	})

	// Pull the lease out from under the keeper.
	if err := l.Release(ctx, key, token); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	select {
	case <-lost:
	case <-ctx.Done():
		t.Fatal("expected keeper to report the lost lease")
	}
}

func TestKeepStopsOnContextDone(t *testing.T) {
	l := NewMemoryLease()
	key := GenerationKey("gen-1")

	token, acquired, err := l.Acquire(context.Background(), key, time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Keep(ctx, l, key, token, time.Minute, 5*time.Millisecond, func() {
			t.Error("lease should not be reported lost on context cancel")
		})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected keeper to stop on context cancel")
	}
}
