package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/cache"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"

	"github.com/paulmach/orb/geo"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

const (
	MaxEcoregionSpeciesLimit = 1000
	MaxSimplifyTolerance     = 1.0
)

type EcoregionOptions struct {
	SpeciesLimit       int
	StatsLimit         int
	SimplifyTolerance  float64
	MaxPolygonVertices int
}

// EcoregionService serves ecoregion-scoped reads: aggregation, point lookup,
// polygon intersection, statistics and boundaries for map rendering.
type EcoregionService struct {
	db        bun.IDB
	responses *cache.Responses
	opts      EcoregionOptions
	logr      *zap.Logger
}

func NewEcoregionService(db bun.IDB, responses *cache.Responses, opts EcoregionOptions, logr *zap.Logger) *EcoregionService {
	if opts.SpeciesLimit <= 0 {
		opts.SpeciesLimit = 100
	}
	if opts.StatsLimit <= 0 {
		opts.StatsLimit = 20
	}
	if opts.SimplifyTolerance <= 0 {
		opts.SimplifyTolerance = 0.01
	}
	if opts.MaxPolygonVertices <= 0 {
		opts.MaxPolygonVertices = 2000
	}
	return &EcoregionService{db: db, responses: responses, opts: opts, logr: logr}
}

// Species aggregates occurrences per taxon over every tile assigned to ecoID.
func (s *EcoregionService) Species(ctx context.Context, ecoID, limit, offset int) (*models.EcoregionSpeciesResponse, error) {
	if limit == 0 {
		limit = s.opts.SpeciesLimit
	}
	if limit < 1 || limit > MaxEcoregionSpeciesLimit {
		return nil, apperr.Validation("limit must be between 1 and 1000", "limit", limit)
	}
	if offset < 0 {
		return nil, apperr.Validation("offset must not be negative", "offset", offset)
	}

	summary := new(models.EcoregionSummary)
	err := s.db.NewRaw(`
		SELECT e.eco_id, e.eco_name, e.biome_name, e.realm,
		       COUNT(t.geohash) AS tile_count,
		       COALESCE(SUM(t.total_occurrences), 0) AS total_occurrences,
		       (
		           SELECT COUNT(DISTINCT k.taxon_id)
		           FROM tiles AS t2
		           CROSS JOIN LATERAL jsonb_object_keys(t2.species_data) AS k(taxon_id)
		           WHERE t2.eco_id = e.eco_id
		       ) AS unique_species
		FROM ecoregions AS e
		LEFT JOIN tiles AS t ON t.eco_id = e.eco_id
		WHERE e.eco_id = ?
		GROUP BY e.eco_id, e.eco_name, e.biome_name, e.realm`,
		ecoID).
		Scan(ctx, summary)
	if err != nil {
		err = apperr.Datastore(err)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.NotFound("ecoregion not found", "eco_id", ecoID)
		}
		return nil, err
	}

	species := []models.EcoregionSpecies{}
	err = s.db.NewRaw(`
		SELECT kv.taxon_id, sp.scientific_name, sp.common_name, sp.family,
		       SUM(kv.n::int) AS occurrences,
		       COUNT(*) AS tile_count
		FROM tiles AS t
		CROSS JOIN LATERAL jsonb_each_text(t.species_data) AS kv(taxon_id, n)
		LEFT JOIN species AS sp ON sp.taxon_id = kv.taxon_id
		WHERE t.eco_id = ?
		GROUP BY kv.taxon_id, sp.scientific_name, sp.common_name, sp.family
		ORDER BY occurrences DESC, kv.taxon_id ASC
		LIMIT ? OFFSET ?`,
		ecoID, limit+1, offset).
		Scan(ctx, &species)
	if err != nil {
		return nil, apperr.Datastore(err)
	}

	hasMore := len(species) > limit
	if hasMore {
		species = species[:limit]
	}
	return &models.EcoregionSpeciesResponse{
		Ecoregion: *summary,
		Species:   species,
		Limit:     limit,
		Offset:    offset,
		HasMore:   hasMore,
	}, nil
}

// At returns the ecoregion containing the point. When none does the response
// carries a nil ecoregion; when several overlap the lowest eco_id wins.
func (s *EcoregionService) At(ctx context.Context, lat, lng float64) (*models.EcoregionAtResponse, error) {
	if !geometry.ValidLat(lat) || !geometry.ValidLng(lng) {
		return nil, apperr.Validation("lat/lng out of range", "lat", lat, "lng", lng)
	}

	var refs []models.EcoregionRef
	err := s.db.NewRaw(`
		SELECT e.eco_id, e.eco_name, e.biome_name, e.realm
		FROM ecoregions AS e
		WHERE ST_Contains(e.geometry, ST_SetSRID(ST_MakePoint(?, ?), 4326))
		ORDER BY e.eco_id ASC
		LIMIT 1`,
		lng, lat).
		Scan(ctx, &refs)
	if err != nil {
		return nil, apperr.Datastore(err)
	}

	resp := &models.EcoregionAtResponse{Location: models.Location{Lat: lat, Lng: lng}}
	if len(refs) > 0 {
		resp.Ecoregion = &refs[0]
	}
	return resp, nil
}

// Intersecting lists the ecoregions overlapping a GeoJSON polygon with the
// overlap area and the share of the polygon it represents.
func (s *EcoregionService) Intersecting(ctx context.Context, raw json.RawMessage) (*models.EcoregionIntersectResponse, error) {
	poly, err := geometry.ParsePolygon(raw, s.opts.MaxPolygonVertices)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	polyKm2 := math.Abs(geo.Area(poly)) / 1e6

	rows := []models.EcoregionIntersection{}
	err = s.db.NewRaw(`
		WITH p AS (SELECT ? AS g)
		SELECT e.eco_id, e.eco_name, e.biome_name, e.realm,
		       ST_Area(ST_Intersection(e.geometry, p.g)::geography) / 1e6 AS intersection_km2,
		       ST_Area(e.geometry::geography) / 1e6 AS ecoregion_km2,
		       (
		           SELECT COUNT(*)
		           FROM tiles AS t
		           WHERE t.eco_id = e.eco_id AND ST_Intersects(t.geometry, p.g)
		       ) AS tile_count
		FROM ecoregions AS e, p
		WHERE ST_Intersects(e.geometry, p.g)
		ORDER BY intersection_km2 DESC, e.eco_id ASC`,
		models.Geom{Geometry: poly}).
		Scan(ctx, &rows)
	if err != nil {
		return nil, apperr.Datastore(err)
	}

	for i := range rows {
		rows[i].IntersectionKm2 = round2(rows[i].IntersectionKm2)
		rows[i].EcoregionKm2 = round2(rows[i].EcoregionKm2)
		rows[i].CoveragePct = CoveragePct(rows[i].IntersectionKm2, polyKm2)
	}
	return &models.EcoregionIntersectResponse{
		PolygonKm2: round2(polyKm2),
		Count:      len(rows),
		Ecoregions: rows,
	}, nil
}

// CoveragePct is part/whole as a percentage, rounded to two decimals and
// capped at 100. A zero whole yields 0.
func CoveragePct(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Min(100, round2(part/whole*100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func statsCacheKey(n int) string {
	return fmt.Sprintf("ecoregion:stats:%d", n)
}

// Stats returns the top ecoregions ranked by unique species.
func (s *EcoregionService) Stats(ctx context.Context) ([]models.EcoregionStat, error) {
	n := s.opts.StatsLimit
	return cache.Remember(ctx, s.responses, statsCacheKey(n), func(ctx context.Context) ([]models.EcoregionStat, error) {
		stats := []models.EcoregionStat{}
		err := s.db.NewRaw(`
			WITH per_eco AS (
			    SELECT t.eco_id, COUNT(*) AS tile_count, SUM(t.total_occurrences) AS total_occurrences
			    FROM tiles AS t
			    WHERE t.eco_id IS NOT NULL
			    GROUP BY t.eco_id
			), uniq AS (
			    SELECT t.eco_id, COUNT(DISTINCT k.taxon_id) AS unique_species
			    FROM tiles AS t
			    CROSS JOIN LATERAL jsonb_object_keys(t.species_data) AS k(taxon_id)
			    WHERE t.eco_id IS NOT NULL
			    GROUP BY t.eco_id
			)
			SELECT e.eco_id, e.eco_name, e.biome_name, e.realm,
			       COALESCE(u.unique_species, 0) AS unique_species,
			       p.tile_count, p.total_occurrences
			FROM per_eco AS p
			JOIN ecoregions AS e ON e.eco_id = p.eco_id
			LEFT JOIN uniq AS u ON u.eco_id = p.eco_id
			ORDER BY unique_species DESC, e.eco_id ASC
			LIMIT ?`,
			n).
			Scan(ctx, &stats)
		if err != nil {
			return nil, apperr.Datastore(err)
		}
		return stats, nil
	})
}

// InvalidateStats drops cached statistics after assignments changed.
func (s *EcoregionService) InvalidateStats(ctx context.Context) {
	s.responses.Invalidate(ctx, statsCacheKey(s.opts.StatsLimit))
}

// Boundaries returns simplified ecoregion outlines, optionally limited to
// those touching box. A zero tolerance selects the configured default.
func (s *EcoregionService) Boundaries(ctx context.Context, box *geometry.BBox, tolerance float64) (*models.FeatureCollection, error) {
	if tolerance == 0 {
		tolerance = s.opts.SimplifyTolerance
	}
	if tolerance < 0 || tolerance > MaxSimplifyTolerance {
		return nil, apperr.Validation("simplify must be between 0 and 1 degrees", "simplify", tolerance)
	}
	if box != nil {
		if err := box.Validate(); err != nil {
			return nil, apperr.Validation(err.Error())
		}
	}

	key := fmt.Sprintf("ecoregion:boundaries:%g", tolerance)
	if box != nil {
		key += fmt.Sprintf(":%g,%g,%g,%g", box.MinLng, box.MinLat, box.MaxLng, box.MaxLat)
	}

	return cache.Remember(ctx, s.responses, key, func(ctx context.Context) (*models.FeatureCollection, error) {
		q := s.db.NewSelect().
			TableExpr("ecoregions AS e").
			Column("e.eco_id", "e.eco_name", "e.biome_name", "e.realm").
			ColumnExpr("ST_AsGeoJSON(ST_SimplifyPreserveTopology(e.geometry, ?))::jsonb AS geometry", tolerance).
			Where("e.geometry IS NOT NULL")
		if box != nil {
			q = q.Where("e.geometry && ST_MakeEnvelope(?, ?, ?, ?, 4326)",
				box.MinLng, box.MinLat, box.MaxLng, box.MaxLat)
		}

		var rows []models.EcoregionBoundary
		if err := q.OrderExpr("e.eco_id ASC").Scan(ctx, &rows); err != nil {
			return nil, apperr.Datastore(err)
		}

		fc := &models.FeatureCollection{
			Type:     "FeatureCollection",
			Features: make([]models.Feature, 0, len(rows)),
			Count:    len(rows),
		}
		for _, r := range rows {
			f := models.NewFeature(fmt.Sprint(r.EcoID), r.Geometry)
			f.Properties["eco_id"] = r.EcoID
			f.Properties["eco_name"] = r.EcoName
			f.Properties["biome_name"] = r.BiomeName
			f.Properties["realm"] = r.Realm
			fc.Features = append(fc.Features, f)
		}
		return fc, nil
	})
}
