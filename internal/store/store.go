// Package store implements the persistent store (PS): durable tile state
// and append-only placement history, backed by PostgreSQL via pgx.
//
// The original deployment target is a partitioned wide-column store
// reachable at SCYLLA_URI. No Scylla/Cassandra driver is available in this
// project's dependency set, so pgx/pgxpool stands in, with composite
// primary keys reproducing the partition+clustering layout (group_x,
// group_y, x, y) for tiles and (day, placement_time, ip) for placements,
// which are read newest first through a (day, placement_time DESC) index.
// See DESIGN.md for the full justification.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"log/slog"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

// Store is the persistent store contract consumed by the draw and read
// pipelines.
type Store interface {
	UpsertTileAndPlacement(ctx context.Context, t domain.Tile, day int64) error
	GetTile(ctx context.Context, x, y int32) (domain.Tile, error)
	GetGroup(ctx context.Context, key domain.GroupKey) (domain.TileGroup, error)
	GetPlacements(ctx context.Context, day int64, beforeEpochMs int64, limit int) ([]domain.Placement, error)
}

// PostgresStore implements Store against a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// UpsertTileAndPlacement commits a tile upsert and a placement insert as a
// single transaction, so a successful draw contributes exactly one
// tiles-row and exactly one placements-row with no possibility of a partial
// commit visible to the caller.
func (s *PostgresStore) UpsertTileAndPlacement(ctx context.Context, t domain.Tile, day int64) error {
	key := domain.GroupOf(t.X, t.Y)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Fatal("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	_, err = tx.Exec(ctx, `
		INSERT INTO tiles (group_x, group_y, x, y, r, g, b, last_updated_ip, last_updated_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (group_x, group_y, x, y) DO UPDATE SET
			r = EXCLUDED.r, g = EXCLUDED.g, b = EXCLUDED.b,
			last_updated_ip = EXCLUDED.last_updated_ip,
			last_updated_time = EXCLUDED.last_updated_time
	`, key.GX, key.GY, t.X, t.Y, t.RGB[0], t.RGB[1], t.RGB[2], t.UpdatedBy, t.UpdatedAt)
	if err != nil {
		return domain.Fatal("failed to upsert tile", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO placements (day, placement_time, ip_address, x, y, r, g, b)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, day, t.UpdatedAt, t.UpdatedBy, t.X, t.Y, t.RGB[0], t.RGB[1], t.RGB[2])
	if err != nil {
		return domain.Fatal("failed to insert placement", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO users (ip_address, last_placed_time)
		VALUES ($1, $2)
		ON CONFLICT (ip_address) DO UPDATE SET last_placed_time = EXCLUDED.last_placed_time
	`, t.UpdatedBy, t.UpdatedAt)
	if err != nil {
		return domain.Fatal("failed to upsert user mirror", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Fatal("failed to commit draw transaction", err)
	}
	return nil
}

// GetTile returns the tile at (x, y), or a NotFound error.
func (s *PostgresStore) GetTile(ctx context.Context, x, y int32) (domain.Tile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT x, y, r, g, b, last_updated_ip, last_updated_time
		FROM tiles WHERE x = $1 AND y = $2
	`, x, y)

	var t domain.Tile
	err := row.Scan(&t.X, &t.Y, &t.RGB[0], &t.RGB[1], &t.RGB[2], &t.UpdatedBy, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tile{}, domain.NotFound(fmt.Sprintf("no tile at (%d, %d)", x, y))
	}
	if err != nil {
		return domain.Tile{}, domain.Fatal("failed to query tile", err)
	}
	return t, nil
}

// GetGroup streams every tile row in the group's partition and folds it
// into a freshly allocated TileGroup buffer. A row outside the group's
// bounds is a store invariant violation and is fatal.
func (s *PostgresStore) GetGroup(ctx context.Context, key domain.GroupKey) (domain.TileGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT x, y, r, g, b FROM tiles WHERE group_x = $1 AND group_y = $2
	`, key.GX, key.GY)
	if err != nil {
		return domain.TileGroup{}, domain.Fatal("failed to query group", err)
	}
	defer rows.Close()

	group := domain.EmptyGroup(key)
	for rows.Next() {
		var x, y int32
		var rgb domain.RGB
		if err := rows.Scan(&x, &y, &rgb[0], &rgb[1], &rgb[2]); err != nil {
			return domain.TileGroup{}, domain.Fatal("failed to scan group row", err)
		}
		dx, dy := key.Local(x, y)
		if dx < 0 || dx >= domain.GroupDim || dy < 0 || dy >= domain.GroupDim {
			return domain.TileGroup{}, domain.Fatal(
				fmt.Sprintf("tile (%d,%d) outside bounds of group %s", x, y, key.String()), nil)
		}
		group.Pack(dx, dy, rgb)
	}
	if err := rows.Err(); err != nil {
		return domain.TileGroup{}, domain.Fatal("failed iterating group rows", err)
	}
	return group, nil
}

// GetPlacements streams placements for day with placement_time strictly
// before beforeEpochMs, newest first, up to limit rows.
func (s *PostgresStore) GetPlacements(ctx context.Context, day int64, beforeEpochMs int64, limit int) ([]domain.Placement, error) {
	before := time.UnixMilli(beforeEpochMs).UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT day, placement_time, ip_address, x, y, r, g, b
		FROM placements
		WHERE day = $1 AND placement_time < $2
		ORDER BY placement_time DESC
		LIMIT $3
	`, day, before, limit)
	if err != nil {
		return nil, domain.Fatal("failed to query placements", err)
	}
	defer rows.Close()

	var out []domain.Placement
	for rows.Next() {
		var p domain.Placement
		if err := rows.Scan(&p.Day, &p.PlacementTime, &p.IP, &p.X, &p.Y, &p.RGB[0], &p.RGB[1], &p.RGB[2]); err != nil {
			return nil, domain.Fatal("failed to scan placement row", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Fatal("failed iterating placement rows", err)
	}
	return out, nil
}
