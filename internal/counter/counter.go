package counter

import (
	"context"
	"time"
)

// Store is a distributed atomic counter with per-key expiry. Counters are
// shared across server replicas; a missing key counts as zero.
type Store interface {
	// Incr atomically increments key by one, arming the expiry on first
	// increment, and returns the post-increment count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}
