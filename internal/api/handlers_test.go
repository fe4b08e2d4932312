package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/pixelcanvas/internal/broadcast"
	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
	"github.com/vitaliisemenov/pixelcanvas/internal/draw"
	"github.com/vitaliisemenov/pixelcanvas/internal/groupcache"
	"github.com/vitaliisemenov/pixelcanvas/internal/ratelimit"
	"github.com/vitaliisemenov/pixelcanvas/internal/store"
)

// fakeStore is an in-memory store.Store double for HTTP-handler tests.
type fakeStore struct {
	mu    sync.Mutex
	tiles map[[2]int32]domain.Tile
}

func newFakeStore() *fakeStore { return &fakeStore{tiles: make(map[[2]int32]domain.Tile)} }

func (f *fakeStore) UpsertTileAndPlacement(ctx context.Context, t domain.Tile, day int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiles[[2]int32{t.X, t.Y}] = t
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
	return domain.EmptyGroup(key), nil
}

func (f *fakeStore) GetPlacements(ctx context.Context, day int64, beforeEpochMs int64, limit int) ([]domain.Placement, error) {
	return nil, nil
}

var _ store.Store = (*fakeStore)(nil)

type fakeGate struct{ admit bool }

func (f *fakeGate) CheckAndUpdate(ctx context.Context, ip string, now time.Time) (ratelimit.Decision, error) {
	if f.admit {
		return ratelimit.Decision{Admitted: true}, nil
	}
	return ratelimit.Decision{Admitted: false, LastPlaced: now}, nil
}

var _ ratelimit.Gate = (*fakeGate)(nil)

var (
	handlerMetricsOnce sync.Once
	handlerMetrics     *broadcast.Metrics
)

func sharedHandlerMetrics() *broadcast.Metrics {
	handlerMetricsOnce.Do(func() { handlerMetrics = broadcast.NewMetrics() })
	return handlerMetrics
}

func setupTestHandlers(t *testing.T, admit bool) (*Handlers, *fakeStore, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fs := newFakeStore()
	cache := groupcache.NewRedisCache(client, nil)
	gate := &fakeGate{admit: admit}
	bus := broadcast.NewBus(sharedHandlerMetrics())
	publisher := broadcast.NewPublisher(client)

	pipeline := draw.New(fs, cache, gate, bus, publisher, client, nil, nil)
	return NewHandlers(pipeline, nil), fs, client
}

func TestGetTile_NotFound(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodGet, "/tile?x=1&y=1", nil)
	rr := httptest.NewRecorder()

	h.GetTile(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetTile_InvalidCoordinates(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodGet, "/tile?x=abc&y=1", nil)
	rr := httptest.NewRecorder()

	h.GetTile(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPostTile_Success(t *testing.T) {
	h, fs, _ := setupTestHandlers(t, true)

	body := `{"x":10,"y":20,"rgb":[255,0,0]}`
	req := httptest.NewRequest(http.MethodPost, "/tile", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.PostTile(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	tile, err := fs.GetTile(context.Background(), 10, 20)
	require.NoError(t, err)
	assert.Equal(t, domain.RGB{255, 0, 0}, tile.RGB)
}

func TestPostTile_Denied(t *testing.T) {
	h, _, _ := setupTestHandlers(t, false)

	body := `{"x":1,"y":1,"rgb":[1,2,3]}`
	req := httptest.NewRequest(http.MethodPost, "/tile", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.PostTile(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPostTile_InvalidBody(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodPost, "/tile", strings.NewReader("not json"))
	rr := httptest.NewRecorder()

	h.PostTile(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPostTile_InvalidRGBLength(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	body := `{"x":1,"y":1,"rgb":[255,0]}`
	req := httptest.NewRequest(http.MethodPost, "/tile", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.PostTile(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPostTile_InvalidRGBRange(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	body := `{"x":1,"y":1,"rgb":[256,0,0]}`
	req := httptest.NewRequest(http.MethodPost, "/tile", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.PostTile(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetGroup_ReturnsRawBuffer(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodGet, "/group?x=0&y=0", nil)
	rr := httptest.NewRecorder()

	h.GetGroup(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
	assert.Len(t, rr.Body.Bytes(), domain.GroupLen)
}

func TestGetPlacements_DefaultsToEmptyList(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodGet, "/placements", nil)
	rr := httptest.NewRecorder()

	h.GetPlacements(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var out []placementJSON
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Empty(t, out)
}

func TestGetPlacements_RejectsNegativeDaysAgo(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodGet, "/placements?days_ago=-1", nil)
	rr := httptest.NewRecorder()

	h.GetPlacements(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetPlacements_RejectsBadTimestamp(t *testing.T) {
	h, _, _ := setupTestHandlers(t, true)
	req := httptest.NewRequest(http.MethodGet, "/placements?timestamp_after=not-a-time", nil)
	rr := httptest.NewRecorder()

	h.GetPlacements(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResolveClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	req.Header.Set("X-Real-IP", "198.51.100.1")
	req.RemoteAddr = "10.0.0.1:1234"

	ip, err := resolveClientIP(req)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip)
}

func TestResolveClientIP_FallsBackToRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.1")
	req.RemoteAddr = "10.0.0.1:1234"

	ip, err := resolveClientIP(req)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", ip)
}

func TestResolveClientIP_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	ip, err := resolveClientIP(req)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ip)
}

func TestResolveClientIP_RejectsUnparseableForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "not-an-ip")

	_, err := resolveClientIP(req)
	assert.Error(t, err)
}
