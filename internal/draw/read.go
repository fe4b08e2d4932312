package draw

import (
	"context"
	"fmt"
	"time"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

// GetTile returns the tile at (x, y), mapping a store miss to NotFound.
func (p *Pipeline) GetTile(ctx context.Context, x, y int32) (domain.Tile, error) {
	return p.store.GetTile(ctx, x, y)
}

// GetGroup performs the cache-through read: a cache hit returns
// immediately; a miss scans the store, fills the cache, and returns the
// assembled buffer.
func (p *Pipeline) GetGroup(ctx context.Context, key domain.GroupKey) (domain.TileGroup, error) {
	group, hit, err := p.cache.Get(ctx, key)
	if err != nil {
		return domain.TileGroup{}, err
	}
	if hit {
		return group, nil
	}

	group, err = p.store.GetGroup(ctx, key)
	if err != nil {
		return domain.TileGroup{}, err
	}

	if err := p.cache.Set(ctx, group); err != nil {
		p.logger.Error("failed to warm group cache after read-through", "group", key.String(), "error", err)
	}
	return group, nil
}

// GetPlacements returns up to limit placements for day, strictly older than
// beforeEpochMs, newest first. A negative day returns an empty result
// rather than querying the store. Results are memoized briefly per
// (day, beforeEpochMs, limit) so bursty polling of the same page does not
// repeatedly hit the store.
func (p *Pipeline) GetPlacements(ctx context.Context, day int64, beforeEpochMs int64, limit int) ([]domain.Placement, error) {
	if day < 0 {
		return nil, nil
	}
	if beforeEpochMs == 0 {
		beforeEpochMs = time.Now().UTC().UnixMilli()
	}

	if p.placementsCache == nil {
		return p.store.GetPlacements(ctx, day, beforeEpochMs, limit)
	}

	cacheKey := fmt.Sprintf("placements:%d:%d:%d", day, beforeEpochMs, limit)
	var cached []domain.Placement
	if err := p.placementsCache.Get(ctx, cacheKey, &cached); err == nil {
		return cached, nil
	}

	placements, err := p.store.GetPlacements(ctx, day, beforeEpochMs, limit)
	if err != nil {
		return nil, err
	}

	if err := p.placementsCache.Set(ctx, cacheKey, placements, placementsCacheTTL); err != nil {
		p.logger.Error("failed to cache placements page", "error", err)
	}
	return placements, nil
}
