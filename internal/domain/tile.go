// Package domain holds the core pixel-canvas types shared by every layer:
// tile coordinates, group addressing, the packed group buffer, and the
// draw/placement records derived from them.
package domain

import (
	"strconv"
	"time"
)

const (
	// GroupDim is the number of tiles per group side (D in the design docs).
	GroupDim = 100
	// GroupLen is the byte length of a packed group buffer: D*D*3.
	GroupLen = GroupDim * GroupDim * 3
	// DrawPeriod is the minimum wall-clock interval between two admitted
	// draws from the same IP.
	DrawPeriod = 60 * time.Second
	// BroadcastRingCapacity bounds the in-process fan-out buffer per subscriber.
	BroadcastRingCapacity = 1000
	// SSEKeepAliveInterval is how often an idle SSE stream emits a keep-alive.
	SSEKeepAliveInterval = 1 * time.Second
	// LockTTL bounds how long a distributed lock may be held before it
	// self-expires.
	LockTTL = 5 * time.Second
	// LockSpinAttempts and LockSpinDelay bound how long a caller spins
	// trying to acquire a held lock before giving up.
	LockSpinAttempts = 100
	LockSpinDelay    = 50 * time.Millisecond
)

// RGB is a pixel color.
type RGB [3]uint8

// Tile is one pixel of the canvas, identified by (X, Y).
type Tile struct {
	X         int32
	Y         int32
	RGB       RGB
	UpdatedBy string
	UpdatedAt time.Time
}

// GroupKey is the origin of a GroupDim x GroupDim group of tiles.
type GroupKey struct {
	GX int32
	GY int32
}

// GroupOf returns the key of the group that (x, y) belongs to, using floor
// division so the plane tiles without overlap for negative coordinates too.
func GroupOf(x, y int32) GroupKey {
	return GroupKey{GX: floorDiv(x, GroupDim) * GroupDim, GY: floorDiv(y, GroupDim) * GroupDim}
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Offset returns the byte offset of local coordinate (dx, dy) within a
// packed group buffer, dx and dy both in [0, GroupDim).
func Offset(dx, dy int) int {
	return (dy*GroupDim + dx) * 3
}

// Local returns (x, y)'s position relative to its group's origin.
func (k GroupKey) Local(x, y int32) (dx, dy int) {
	return int(x - k.GX), int(y - k.GY)
}

// String renders the key the way the cache layer addresses it: "(gx,gy)".
func (k GroupKey) String() string {
	return "(" + strconv.Itoa(int(k.GX)) + "," + strconv.Itoa(int(k.GY)) + ")"
}

// TileGroup is a dense, row-major packed RGB buffer covering one group.
// Length is always 0 (not yet materialized) or exactly GroupLen; any other
// length is a fatal corruption per the cache/store invariants.
type TileGroup struct {
	Key GroupKey
	Buf []byte
}

// EmptyGroup returns a freshly zeroed GroupLen-byte buffer for key.
func EmptyGroup(key GroupKey) TileGroup {
	return TileGroup{Key: key, Buf: make([]byte, GroupLen)}
}

// Pack writes rgb at local (dx, dy) into the buffer. Ensures the buffer is
// allocated first.
func (g *TileGroup) Pack(dx, dy int, rgb RGB) {
	if len(g.Buf) == 0 {
		g.Buf = make([]byte, GroupLen)
	}
	off := Offset(dx, dy)
	g.Buf[off] = rgb[0]
	g.Buf[off+1] = rgb[1]
	g.Buf[off+2] = rgb[2]
}

// DrawEvent is both the draw request payload and the fan-out message.
type DrawEvent struct {
	X   int32
	Y   int32
	RGB RGB
}

// Placement is the append-only historical record of one successful draw.
type Placement struct {
	Day            int64
	PlacementTime  time.Time
	X              int32
	Y              int32
	RGB            RGB
	IP             string
}

// DayOf returns the day partition (days since the Unix epoch) for t.
func DayOf(t time.Time) int64 {
	return t.Unix() / 86400
}
