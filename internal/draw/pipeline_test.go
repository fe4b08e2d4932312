package draw

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/pixelcanvas/internal/broadcast"
	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
	"github.com/vitaliisemenov/pixelcanvas/internal/groupcache"
	"github.com/vitaliisemenov/pixelcanvas/internal/ratelimit"
)

// fakeStore is an in-memory store.Store used to exercise the pipeline
// without a Postgres connection.
type fakeStore struct {
	mu         sync.Mutex
	tiles      map[[2]int32]domain.Tile
	placements []domain.Placement
	upsertErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tiles: make(map[[2]int32]domain.Tile)}
}

func (f *fakeStore) UpsertTileAndPlacement(ctx context.Context, t domain.Tile, day int64) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiles[[2]int32{t.X, t.Y}] = t
	f.placements = append(f.placements, domain.Placement{
		Day: day, PlacementTime: t.UpdatedAt, X: t.X, Y: t.Y, RGB: t.RGB, IP: t.UpdatedBy,
	})
	return nil
}

func (f *fakeStore) GetTile(ctx context.Context, x, y int32) (domain.Tile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tiles[[2]int32{x, y}]
	if !ok {
		return domain.Tile{}, domain.NotFound("no tile")
	}
	return t, nil
}

func (f *fakeStore) GetGroup(ctx context.Context, key domain.GroupKey) (domain.TileGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group := domain.EmptyGroup(key)
	for _, t := range f.tiles {
		if domain.GroupOf(t.X, t.Y) == key {
			dx, dy := key.Local(t.X, t.Y)
			group.Pack(dx, dy, t.RGB)
		}
	}
	return group, nil
}

func (f *fakeStore) GetPlacements(ctx context.Context, day int64, beforeEpochMs int64, limit int) ([]domain.Placement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Placement
	before := time.UnixMilli(beforeEpochMs).UTC()
	for i := len(f.placements) - 1; i >= 0 && len(out) < limit; i-- {
		p := f.placements[i]
		if p.Day == day && p.PlacementTime.Before(before) {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeGate is a ratelimit.Gate double whose decision is fixed by the test.
type fakeGate struct {
	decision ratelimit.Decision
	err      error
	calls    int
}

func (f *fakeGate) CheckAndUpdate(ctx context.Context, ip string, now time.Time) (ratelimit.Decision, error) {
	f.calls++
	return f.decision, f.err
}

// fakeJSONCache is an infrastructure/cache.Cache double backed by a map, used
// to test placements memoization without a Redis round trip.
type fakeJSONCache struct {
	mu      sync.Mutex
	store   map[string][]byte
	decoded map[string][]domain.Placement
}

func newFakeJSONCache() *fakeJSONCache {
	return &fakeJSONCache{store: make(map[string][]byte)}
}

func (f *fakeJSONCache) Get(ctx context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.store[key]
	if !ok {
		return errNotFound
	}
	ptr, ok := dest.(*[]domain.Placement)
	if !ok {
		return errNotFound
	}
	*ptr = f.decoded[key]
	return nil
}

func (f *fakeJSONCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	placements, ok := value.([]domain.Placement)
	if !ok {
		return nil
	}
	if f.decoded == nil {
		f.decoded = make(map[string][]domain.Placement)
	}
	f.decoded[key] = placements
	f.store[key] = []byte("set")
	return nil
}

func (f *fakeJSONCache) Delete(ctx context.Context, key string) error { return nil }

func (f *fakeJSONCache) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.store[key]
	return ok, nil
}

func (f *fakeJSONCache) TTL(ctx context.Context, key string) (time.Duration, error) { return 0, nil }
func (f *fakeJSONCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}
func (f *fakeJSONCache) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeJSONCache) Ping(ctx context.Context) error        { return nil }
func (f *fakeJSONCache) Flush(ctx context.Context) error       { return nil }
func (f *fakeJSONCache) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return nil
}
func (f *fakeJSONCache) SMembers(ctx context.Context, key string) ([]string, error) { return nil, nil }
func (f *fakeJSONCache) SRem(ctx context.Context, key string, members ...interface{}) error {
	return nil
}
func (f *fakeJSONCache) SCard(ctx context.Context, key string) (int64, error) { return 0, nil }

var errNotFound = domain.NotFound("not in fake cache")

func setupTestPipeline(t *testing.T) (*Pipeline, *fakeStore, *fakeGate, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newFakeStore()
	cache := groupcache.NewRedisCache(client, nil)
	gate := &fakeGate{decision: ratelimit.Decision{Admitted: true}}
	bus := broadcast.NewBus(sharedPipelineMetrics())
	publisher := broadcast.NewPublisher(client)

	p := New(store, cache, gate, bus, publisher, client, nil, nil)
	return p, store, gate, client
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *broadcast.Metrics
)

func sharedPipelineMetrics() *broadcast.Metrics {
	pipelineMetricsOnce.Do(func() { pipelineMetrics = broadcast.NewMetrics() })
	return pipelineMetrics
}

func TestPipeline_Draw_Admitted(t *testing.T) {
	p, store, gate, _ := setupTestPipeline(t)
	event := domain.DrawEvent{X: 5, Y: 5, RGB: domain.RGB{10, 20, 30}}

	err := p.Draw(context.Background(), event, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 1, gate.calls)

	tile, err := store.GetTile(context.Background(), 5, 5)
	require.NoError(t, err)
	assert.Equal(t, event.RGB, tile.RGB)
	assert.Equal(t, "1.2.3.4", tile.UpdatedBy)
}

func TestPipeline_Draw_Denied(t *testing.T) {
	p, store, gate, _ := setupTestPipeline(t)
	gate.decision = ratelimit.Decision{Admitted: false, LastPlaced: time.Now().UTC()}

	err := p.Draw(context.Background(), domain.DrawEvent{X: 1, Y: 1}, "9.9.9.9")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))

	_, getErr := store.GetTile(context.Background(), 1, 1)
	assert.Error(t, getErr, "a denied draw must not reach the store")
}

func TestPipeline_Draw_StoreErrorPropagates(t *testing.T) {
	p, store, _, _ := setupTestPipeline(t)
	store.upsertErr = domain.Fatal("boom", nil)

	err := p.Draw(context.Background(), domain.DrawEvent{X: 2, Y: 2}, "1.1.1.1")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindFatal))
}

func TestPipeline_GetGroup_ReadsThroughOnMiss(t *testing.T) {
	p, store, _, _ := setupTestPipeline(t)
	now := time.Now().UTC()
	require.NoError(t, store.UpsertTileAndPlacement(context.Background(),
		domain.Tile{X: 3, Y: 4, RGB: domain.RGB{1, 2, 3}, UpdatedBy: "1.1.1.1", UpdatedAt: now}, domain.DayOf(now)))

	key := domain.GroupOf(3, 4)
	group, err := p.GetGroup(context.Background(), key)
	require.NoError(t, err)

	dx, dy := key.Local(3, 4)
	off := domain.Offset(dx, dy)
	assert.Equal(t, domain.RGB{1, 2, 3}, domain.RGB{group.Buf[off], group.Buf[off+1], group.Buf[off+2]})

	// The group read from the store must also have been written to the cache.
	cached, hit, err := p.cache.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, group.Buf, cached.Buf)
}

func TestPipeline_GetPlacements_NegativeDayIsEmpty(t *testing.T) {
	p, _, _, _ := setupTestPipeline(t)
	out, err := p.GetPlacements(context.Background(), -1, 0, 10)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestPipeline_GetPlacements_MemoizesWithCache(t *testing.T) {
	p, store, _, _ := setupTestPipeline(t)
	cache := newFakeJSONCache()
	p.placementsCache = cache

	now := time.Now().UTC()
	day := domain.DayOf(now)
	require.NoError(t, store.UpsertTileAndPlacement(context.Background(),
		domain.Tile{X: 1, Y: 1, RGB: domain.RGB{5, 5, 5}, UpdatedBy: "2.2.2.2", UpdatedAt: now}, day))

	before := now.Add(time.Second).UnixMilli()
	first, err := p.GetPlacements(context.Background(), day, before, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Remove the underlying data; a cache hit must still return the same page.
	store.mu.Lock()
	store.placements = nil
	store.mu.Unlock()

	second, err := p.GetPlacements(context.Background(), day, before, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPipeline_GetPlacements_NilCacheHitsStoreEveryTime(t *testing.T) {
	p, store, _, _ := setupTestPipeline(t)
	now := time.Now().UTC()
	day := domain.DayOf(now)
	require.NoError(t, store.UpsertTileAndPlacement(context.Background(),
		domain.Tile{X: 9, Y: 9, RGB: domain.RGB{7, 7, 7}, UpdatedBy: "3.3.3.3", UpdatedAt: now}, day))

	before := now.Add(time.Second).UnixMilli()
	out, err := p.GetPlacements(context.Background(), day, before, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)

	store.mu.Lock()
	store.placements = nil
	store.mu.Unlock()

	out2, err := p.GetPlacements(context.Background(), day, before, 10)
	require.NoError(t, err)
	assert.Empty(t, out2, "without a cache every call must hit the store directly")
}
