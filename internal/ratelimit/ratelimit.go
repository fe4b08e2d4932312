// Package ratelimit implements the per-IP rate-limit gate (RL): an atomic
// check-and-set against a single cache key per IP, admitting a draw only if
// at least DrawPeriod has elapsed since the last admitted draw from that IP.
//
// The admit/deny decision and the state update must happen in one
// round-trip; a client-side read-then-write over the same key is racy under
// concurrent requests from the same IP. This mirrors the scripted-CAS style
// of internal/infrastructure/lock/distributed.go's Release/Extend, applied
// here to a single compare-and-swap instead of a lock handle.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

// checkAndUpdateScript admits iff the stored epoch is older than the
// threshold (or absent), setting it to now on admit. Returns -1 on admit,
// or the stored epoch (always >= 0) on deny.
const checkAndUpdateScript = `
local stored = redis.call("GET", KEYS[1])
if stored == false or tonumber(stored) < tonumber(ARGV[1]) then
	redis.call("SET", KEYS[1], ARGV[2])
	return -1
end
return tonumber(stored)
`

// Decision is the outcome of a check-and-update call.
type Decision struct {
	Admitted   bool
	LastPlaced time.Time // only meaningful when Admitted is false
}

// Gate is the rate-limit gate contract consumed by the draw pipeline.
type Gate interface {
	CheckAndUpdate(ctx context.Context, ip string, now time.Time) (Decision, error)
}

// RedisGate implements Gate with a single Lua script per call.
type RedisGate struct {
	client *redis.Client
}

// NewRedisGate wraps an existing Redis client.
func NewRedisGate(client *redis.Client) *RedisGate {
	return &RedisGate{client: client}
}

func gateKey(ip string) string {
	return "placement_time_" + ip
}

// CheckAndUpdate admits iff last_placed[ip] < now - DrawPeriod, atomically
// setting last_placed[ip] = now on admit.
func (g *RedisGate) CheckAndUpdate(ctx context.Context, ip string, now time.Time) (Decision, error) {
	threshold := now.Add(-domain.DrawPeriod).UnixMilli()
	nowMs := now.UnixMilli()

	result, err := g.client.Eval(ctx, checkAndUpdateScript, []string{gateKey(ip)}, threshold, nowMs).Result()
	if err != nil {
		return Decision{}, domain.Fatal("rate-limit gate script failed", err)
	}

	stored, ok := result.(int64)
	if !ok {
		return Decision{}, domain.Fatal(fmt.Sprintf("rate-limit gate returned unexpected type %T", result), nil)
	}

	if stored < 0 {
		return Decision{Admitted: true}, nil
	}
	return Decision{Admitted: false, LastPlaced: time.UnixMilli(stored)}, nil
}

// Remaining returns the MM:SS-formatted wait remaining before ip may draw
// again, given the denial's last-placed time.
func Remaining(now, lastPlaced time.Time) string {
	remaining := domain.DrawPeriod - now.Sub(lastPlaced)
	if remaining < 0 {
		remaining = 0
	}
	total := int(remaining.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
