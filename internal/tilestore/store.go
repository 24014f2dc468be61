// Package tilestore persists tiles and enforces their write-time invariants:
// aggregates are recomputed from species_data and geometry is derived from
// the geohash, never taken from the caller.
package tilestore

import (
	"context"
	"fmt"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"

	"github.com/paulmach/orb"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

type Store struct {
	db            bun.IDB
	geohashLength int
	logr          *zap.Logger
	now           func() time.Time
}

func New(db bun.IDB, geohashLength int, logr *zap.Logger) *Store {
	if geohashLength <= 0 {
		geohashLength = geometry.DefaultGeohashLength
	}
	return &Store{db: db, geohashLength: geohashLength, logr: logr, now: time.Now}
}

// GeohashLength is the fixed tile precision this store accepts.
func (s *Store) GeohashLength() int { return s.geohashLength }

// UpsertTile normalizes and writes a single record. Mismatched aggregates are
// logged and corrected; the returned tile carries the persisted values.
func (s *Store) UpsertTile(ctx context.Context, rec models.TileRecord) (models.Tile, error) {
	tile, mismatches, err := Normalize(rec, s.geohashLength, s.now())
	if err != nil {
		return models.Tile{}, err
	}
	LogMismatches(s.logr, mismatches)

	if _, err := s.UpsertTiles(ctx, []models.Tile{tile}); err != nil {
		return models.Tile{}, err
	}
	return tile, nil
}

// UpsertTiles writes already-normalized tiles with one multi-row statement.
// Region assignment columns are left untouched on conflict. A geohash that
// appears more than once in the batch keeps its last occurrence.
func (s *Store) UpsertTiles(ctx context.Context, tiles []models.Tile) (int, error) {
	tiles = dedupeLast(tiles)
	if len(tiles) == 0 {
		return 0, nil
	}

	res, err := s.db.NewInsert().
		Model(&tiles).
		Column("geohash", "species_data", "total_occurrences", "species_count",
			"geometry", "center_point", "datetime", "data_source", "processing_date").
		On("CONFLICT (geohash) DO UPDATE").
		Set("species_data = EXCLUDED.species_data").
		Set("total_occurrences = EXCLUDED.total_occurrences").
		Set("species_count = EXCLUDED.species_count").
		Set("geometry = EXCLUDED.geometry").
		Set("center_point = EXCLUDED.center_point").
		Set("datetime = EXCLUDED.datetime").
		Set("data_source = EXCLUDED.data_source").
		Set("processing_date = EXCLUDED.processing_date").
		Exec(ctx)
	if err != nil {
		return 0, apperr.Datastore(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get returns the stored tile for an exact geohash.
func (s *Store) Get(ctx context.Context, gh string) (*models.Tile, error) {
	gh = geometry.Normalize(gh)
	if err := geometry.ValidateGeohash(gh, s.geohashLength); err != nil {
		return nil, apperr.Validation(err.Error(), "geohash", gh)
	}

	tile := new(models.Tile)
	err := s.db.NewSelect().Model(tile).Where("t.geohash = ?", gh).Scan(ctx)
	if err != nil {
		return nil, apperr.Datastore(err)
	}
	return tile, nil
}

// Count returns the number of stored tiles.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*models.Tile)(nil)).Count(ctx)
	if err != nil {
		return 0, apperr.Datastore(err)
	}
	return n, nil
}

func dedupeLast(tiles []models.Tile) []models.Tile {
	if len(tiles) < 2 {
		return tiles
	}
	last := make(map[string]int, len(tiles))
	for i, t := range tiles {
		last[t.Geohash] = i
	}
	if len(last) == len(tiles) {
		return tiles
	}
	out := make([]models.Tile, 0, len(last))
	for i, t := range tiles {
		if last[t.Geohash] == i {
			out = append(out, t)
		}
	}
	return out
}

// VerifyReport summarizes an invariant scan over the stored tiles.
type VerifyReport struct {
	Scanned           int      `json:"scanned"`
	AggregateMismatch int      `json:"aggregate_mismatch"`
	GeometryMismatch  int      `json:"geometry_mismatch"`
	Fixed             int      `json:"fixed"`
	Samples           []string `json:"samples,omitempty"`
}

// OK reports whether every scanned tile satisfied its invariants.
func (r VerifyReport) OK() bool {
	return r.AggregateMismatch == 0 && r.GeometryMismatch == 0
}

const maxVerifySamples = 20

// Verify scans all tiles in geohash order, pageSize at a time, and checks the
// aggregates against species_data and the geometry against the geohash. With
// fix set, offending rows are rewritten with recomputed values.
func (s *Store) Verify(ctx context.Context, pageSize int, fix bool) (VerifyReport, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	var report VerifyReport
	after := ""

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var page []models.Tile
		err := s.db.NewSelect().
			Model(&page).
			Column("geohash", "species_data", "total_occurrences", "species_count", "geometry", "center_point").
			Where("t.geohash > ?", after).
			OrderExpr("t.geohash ASC").
			Limit(pageSize).
			Scan(ctx)
		if err != nil {
			return report, apperr.Datastore(err)
		}
		if len(page) == 0 {
			return report, nil
		}

		var broken []models.Tile
		for _, t := range page {
			report.Scanned++
			issues := CheckTile(t)
			if len(issues) == 0 {
				continue
			}
			for _, issue := range issues {
				switch issue.Field {
				case "geometry", "center_point":
					report.GeometryMismatch++
				default:
					report.AggregateMismatch++
				}
				if len(report.Samples) < maxVerifySamples {
					report.Samples = append(report.Samples, issue.Geohash+": "+issue.Field)
				}
			}
			broken = append(broken, t)
		}

		if fix && len(broken) > 0 {
			n, err := s.repair(ctx, broken)
			if err != nil {
				return report, err
			}
			report.Fixed += n
		}

		after = page[len(page)-1].Geohash
		s.logr.Debug("verify page", zap.String("after", after), zap.Int("scanned", report.Scanned))
	}
}

// Issue is one invariant violation found on a stored tile.
type Issue struct {
	Geohash string
	Field   string
}

// CheckTile compares a stored tile with the values derived from its geohash
// and species_data.
func CheckTile(t models.Tile) []Issue {
	var issues []Issue
	total, count := Aggregates(t.SpeciesData)
	if t.TotalOccurrences != total {
		issues = append(issues, Issue{Geohash: t.Geohash, Field: "total_occurrences"})
	}
	if t.SpeciesCount != count {
		issues = append(issues, Issue{Geohash: t.Geohash, Field: "species_count"})
	}
	if t.Geometry.Geometry == nil || !orb.Equal(t.Geometry.Geometry, geometry.TilePolygon(t.Geohash)) {
		issues = append(issues, Issue{Geohash: t.Geohash, Field: "geometry"})
	}
	if t.CenterPoint.Geometry == nil || !orb.Equal(t.CenterPoint.Geometry, geometry.TileCenter(t.Geohash)) {
		issues = append(issues, Issue{Geohash: t.Geohash, Field: "center_point"})
	}
	return issues
}

func (s *Store) repair(ctx context.Context, tiles []models.Tile) (int, error) {
	fixed := 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, t := range tiles {
			total, count := Aggregates(t.SpeciesData)
			_, err := tx.NewUpdate().
				Model((*models.Tile)(nil)).
				Set("total_occurrences = ?", total).
				Set("species_count = ?", count).
				Set("geometry = ?", models.Geom{Geometry: geometry.TilePolygon(t.Geohash)}).
				Set("center_point = ?", models.Geom{Geometry: geometry.TileCenter(t.Geohash)}).
				Where("geohash = ?", t.Geohash).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("repair %s: %w", t.Geohash, err)
			}
			fixed++
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Datastore(err)
	}
	return fixed, nil
}
