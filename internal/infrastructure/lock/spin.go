package lock

import (
	"context"
	"log/slog"
	"time"
)

// tryAcquireOnce makes a single non-retrying SETNX attempt, unlike Acquire/
// AcquireWithRetry which each internally retry with a linearly growing,
// jittered interval.
func (l *DistributedLock) tryAcquireOnce(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.acquired = true
	}
	return ok, nil
}

// SpinAcquire attempts to acquire l up to attempts times with a fixed delay
// between tries, returning true once acquired or false if every attempt was
// refused. Unlike AcquireWithRetry's growing, jittered interval, this uses a fixed
// interval, matching the spin-lock the per-IP draw guard is modeled on
// (100 attempts x 50ms, no jitter). A failure to acquire is not treated as
// fatal by the caller: the rate-limit gate's own atomic script is the
// authoritative guard, so a lock timeout only forfeits the redundant
// cross-replica serialization, not correctness.
func SpinAcquire(ctx context.Context, l *DistributedLock, attempts int, delay time.Duration, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	for i := 0; i < attempts; i++ {
		ok, err := l.tryAcquireOnce(ctx)
		if err != nil {
			logger.Warn("draw lock acquire attempt failed", "attempt", i+1, "error", err)
		} else if ok {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	logger.Warn("draw lock spin exhausted attempts without acquiring", "attempts", attempts)
	return false
}
