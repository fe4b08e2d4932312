// Package draw composes the rate-limit gate, persistent store, group
// cache, and broadcast bus into the draw pipeline (C6) and the read
// pipelines (C7), with the synchronous-critical / best-effort-async split
// mandated by the design notes: a client learns durability and rate-limit
// outcome from one PS round trip plus one RL round trip, while cache warmth
// and broadcast visibility are recovered lazily.
package draw

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/pixelcanvas/internal/broadcast"
	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
	"github.com/vitaliisemenov/pixelcanvas/internal/groupcache"
	infracache "github.com/vitaliisemenov/pixelcanvas/internal/infrastructure/cache"
	"github.com/vitaliisemenov/pixelcanvas/internal/infrastructure/lock"
	"github.com/vitaliisemenov/pixelcanvas/internal/ratelimit"
	"github.com/vitaliisemenov/pixelcanvas/internal/store"
)

// placementsCacheTTL bounds how stale a get_placements page may be. It is
// deliberately short: the endpoint is a live feed, not an archive, so a
// page is worth memoizing against bursty polling but not worth tracking
// with explicit invalidation.
const placementsCacheTTL = 2 * time.Second

// Pipeline implements draw(event, ip) and the read operations get_tile,
// get_group, get_placements.
type Pipeline struct {
	store           store.Store
	cache           groupcache.Cache
	gate            ratelimit.Gate
	bus             *broadcast.Bus
	publisher       *broadcast.Publisher
	lockClient      *redis.Client
	placementsCache infracache.Cache
	logger          *slog.Logger
}

// New builds a draw pipeline. lockClient serializes the synchronous phase
// per IP across replicas with a Redis-backed mutual-exclusion lock; it is
// redundant with the rate-limit gate's own atomic script but kept as
// defense in depth. placementsCache is optional; a nil value disables
// get_placements memoization.
func New(ps store.Store, cache groupcache.Cache, gate ratelimit.Gate, bus *broadcast.Bus, publisher *broadcast.Publisher, lockClient *redis.Client, placementsCache infracache.Cache, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:           ps,
		cache:           cache,
		gate:            gate,
		bus:             bus,
		publisher:       publisher,
		lockClient:      lockClient,
		placementsCache: placementsCache,
		logger:          logger,
	}
}

// Draw executes the end-to-end draw operation for one client IP.
func (p *Pipeline) Draw(ctx context.Context, event domain.DrawEvent, ip string) error {
	now := time.Now().UTC()

	guard := lock.NewDistributedLock(p.lockClient, "draw:"+ip, &lock.LockConfig{TTL: domain.LockTTL}, p.logger)
	if acquired := lock.SpinAcquire(ctx, guard, domain.LockSpinAttempts, domain.LockSpinDelay, p.logger); acquired {
		defer func() {
			if relErr := guard.Release(context.WithoutCancel(ctx)); relErr != nil {
				p.logger.Warn("failed to release per-ip draw lock", "ip", ip, "error", relErr)
			}
		}()
	}

	decision, err := p.gate.CheckAndUpdate(ctx, ip, now)
	if err != nil {
		return err
	}
	if !decision.Admitted {
		remaining := ratelimit.Remaining(now, decision.LastPlaced)
		return domain.Forbidden(fmt.Sprintf("%s minutes remaining until you can draw another tile.", remaining))
	}

	tile := domain.Tile{X: event.X, Y: event.Y, RGB: event.RGB, UpdatedBy: ip, UpdatedAt: now}
	if err := p.store.UpsertTileAndPlacement(ctx, tile, domain.DayOf(now)); err != nil {
		return err
	}

	go p.finishAsync(event, tile)

	return nil
}

// finishAsync runs the best-effort tail of a successful draw: cache warming
// and external broadcast. It deliberately takes a detached context so it
// survives the originating request's cancellation: spawned background
// tasks are not cancelled by client disconnect.
func (p *Pipeline) finishAsync(event domain.DrawEvent, tile domain.Tile) {
	ctx := context.Background()
	key := domain.GroupOf(event.X, event.Y)

	if err := p.cache.EnsureZero(ctx, key); err != nil {
		p.logger.Error("background cache ensure_zero failed", "group", key.String(), "error", err)
	} else {
		dx, dy := key.Local(event.X, event.Y)
		if err := p.cache.Patch(ctx, key, dx, dy, event.RGB); err != nil {
			p.logger.Error("background cache patch failed", "group", key.String(), "error", err)
		}
	}

	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Error("background broadcast publish failed", "error", err)
	}
}
