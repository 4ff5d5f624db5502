// Package lease provides a store-backed exclusive lease used to fence
// generation runners. Only the process holding the lease token may mutate a
// generation's live state; everything else observes through the store.
package lease

import (
	"context"
	"time"
)

// Lease grants time-bounded exclusive ownership of a key.
type Lease interface {
	// Acquire takes the lease if it is free or expired. It returns the
	// fencing token on success.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	// Renew extends the lease when the token still holds it. A false return
	// means the lease was lost.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release frees the lease when the token still holds it.
	Release(ctx context.Context, key, token string) error
}

// GenerationKey returns the lease key guarding a generation runner.
func GenerationKey(generationID string) string {
	return "locks:generation:" + generationID
}

// Keep renews the lease every interval until ctx is done or the lease is
// lost, then calls onLost once. Transient store errors are retried on the
// next tick since the lease itself may still be valid.
func Keep(ctx context.Context, l Lease, key, token string, ttl, interval time.Duration, onLost func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := l.Renew(ctx, key, token, ttl)
			if err != nil {
				continue
			}
			if !renewed {
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}
}
