package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLease provides in-process leases for tests and single-node runs.
type MemoryLease struct {
	leases map[string]*memoryEntry
	mu     sync.Mutex
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

var _ Lease = (*MemoryLease)(nil)

// NewMemoryLease creates an empty in-memory lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{leases: make(map[string]*memoryEntry)}
}

func (l *MemoryLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if entry, ok := l.leases[key]; ok && entry.expiresAt.After(now) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.leases[key] = &memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLease) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.leases[key]
	if !ok || entry.token != token || !entry.expiresAt.After(time.Now()) {
		return false, nil
	}
	entry.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (l *MemoryLease) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.leases[key]; ok && entry.token == token {
		delete(l.leases, key)
	}
	return nil
}
