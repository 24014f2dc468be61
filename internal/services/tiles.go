package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// MaxRadiusKm bounds point-radius searches.
const MaxRadiusKm = 500.0

// TileService answers the read-only tile queries. It never writes.
type TileService struct {
	db            bun.IDB
	catalog       *SpeciesCatalog
	geohashLength int
	timeLimit     int
	logr          *zap.Logger
}

func NewTileService(db bun.IDB, catalog *SpeciesCatalog, geohashLength, timeLimit int, logr *zap.Logger) *TileService {
	if geohashLength <= 0 {
		geohashLength = geometry.DefaultGeohashLength
	}
	if timeLimit <= 0 {
		timeLimit = 1000
	}
	return &TileService{db: db, catalog: catalog, geohashLength: geohashLength, timeLimit: timeLimit, logr: logr}
}

// Nearby returns the distinct species found in tiles whose center lies within
// radiusKm (great-circle) of the point.
func (s *TileService) Nearby(ctx context.Context, lat, lng, radiusKm float64) (*models.NearbyResponse, error) {
	if !geometry.ValidLat(lat) || !geometry.ValidLng(lng) {
		return nil, apperr.Validation("lat/lng out of range", "lat", lat, "lng", lng)
	}
	if radiusKm < 0 || radiusKm > MaxRadiusKm {
		return nil, apperr.Validation("radius must be between 0 and 500 km", "radius", radiusKm)
	}

	species := []models.SpeciesSummary{}
	err := s.db.NewRaw(`
		SELECT DISTINCT k.taxon_id, sp.scientific_name, sp.common_name
		FROM tiles AS t
		CROSS JOIN LATERAL jsonb_object_keys(t.species_data) AS k(taxon_id)
		LEFT JOIN species AS sp ON sp.taxon_id = k.taxon_id
		WHERE ST_DWithin(
			t.center_point::geography,
			ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography,
			?
		)
		ORDER BY sp.scientific_name ASC NULLS LAST, k.taxon_id ASC`,
		lng, lat, radiusKm*1000).
		Scan(ctx, &species)
	if err != nil {
		return nil, apperr.Datastore(err)
	}

	return &models.NearbyResponse{
		Location:     models.Location{Lat: lat, Lng: lng},
		RadiusKm:     radiusKm,
		SpeciesCount: len(species),
		Species:      species,
	}, nil
}

type distributionRow struct {
	Geohash     string          `bun:"geohash"`
	Occurrences int             `bun:"occurrences"`
	Datetime    *time.Time      `bun:"datetime"`
	DataSource  *string         `bun:"data_source"`
	Geometry    json.RawMessage `bun:"geometry"`
}

// Distribution returns every tile holding taxonID, largest count first.
// A taxon that no tile references is NotFound.
func (s *TileService) Distribution(ctx context.Context, taxonID string) (*models.DistributionResponse, error) {
	taxonID = strings.TrimSpace(taxonID)
	if taxonID == "" {
		return nil, apperr.Validation("taxon_id is required")
	}

	var rows []distributionRow
	err := s.db.NewRaw(`
		SELECT t.geohash,
		       (t.species_data ->> ?)::int AS occurrences,
		       t.datetime,
		       t.data_source,
		       ST_AsGeoJSON(t.geometry)::jsonb AS geometry
		FROM tiles AS t
		WHERE t.species_data \? ?
		ORDER BY occurrences DESC, t.geohash ASC`,
		taxonID, taxonID).
		Scan(ctx, &rows)
	if err != nil {
		return nil, apperr.Datastore(err)
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("no tile references this taxon", "taxon_id", taxonID)
	}

	resp := &models.DistributionResponse{
		TaxonID:      taxonID,
		TileCount:    len(rows),
		Distribution: make([]models.Feature, 0, len(rows)),
	}
	for _, r := range rows {
		f := models.NewFeature(r.Geohash, r.Geometry)
		f.Properties["geohash"] = r.Geohash
		f.Properties["occurrences"] = r.Occurrences
		f.Properties["datetime"] = r.Datetime
		f.Properties["data_source"] = r.DataSource
		resp.Distribution = append(resp.Distribution, f)
		resp.TotalOccurrences += r.Occurrences
	}
	return resp, nil
}

type heatmapRow struct {
	Geohash          string          `bun:"geohash"`
	TotalOccurrences int             `bun:"total_occurrences"`
	SpeciesCount     int             `bun:"species_count"`
	EcoID            *int            `bun:"eco_id"`
	Geometry         json.RawMessage `bun:"geometry"`
}

// Heatmap returns every tile intersecting the box, busiest first. An empty
// box yields an empty, well-formed response.
func (s *TileService) Heatmap(ctx context.Context, box geometry.BBox) (*models.HeatmapResponse, error) {
	if err := box.Validate(); err != nil {
		return nil, apperr.Validation(err.Error())
	}

	var rows []heatmapRow
	err := s.db.NewRaw(`
		SELECT t.geohash, t.total_occurrences, t.species_count, t.eco_id,
		       ST_AsGeoJSON(t.geometry)::jsonb AS geometry
		FROM tiles AS t
		WHERE ST_Intersects(t.geometry, ST_MakeEnvelope(?, ?, ?, ?, 4326))
		ORDER BY t.total_occurrences DESC, t.geohash ASC`,
		box.MinLng, box.MinLat, box.MaxLng, box.MaxLat).
		Scan(ctx, &rows)
	if err != nil {
		return nil, apperr.Datastore(err)
	}

	resp := &models.HeatmapResponse{
		BBox:      [4]float64{box.MinLng, box.MinLat, box.MaxLng, box.MaxLat},
		TileCount: len(rows),
		Features:  make([]models.Feature, 0, len(rows)),
	}
	for _, r := range rows {
		f := models.NewFeature(r.Geohash, r.Geometry)
		f.Properties["geohash"] = r.Geohash
		f.Properties["total_occurrences"] = r.TotalOccurrences
		f.Properties["species_count"] = r.SpeciesCount
		f.Properties["eco_id"] = r.EcoID
		resp.Features = append(resp.Features, f)
	}
	return resp, nil
}

type tileDetailRow struct {
	models.Tile `bun:",extend"`

	CenterLng  float64         `bun:"center_lng"`
	CenterLat  float64         `bun:"center_lat"`
	GeometryGJ json.RawMessage `bun:"geometry_geojson"`
}

// Tile returns one tile with the catalog entry of every taxon it holds.
// The geohash is validated before any datastore access.
func (s *TileService) Tile(ctx context.Context, gh string) (*models.TileDetailResponse, error) {
	gh = geometry.Normalize(gh)
	if err := geometry.ValidateGeohash(gh, s.geohashLength); err != nil {
		return nil, apperr.Validation(err.Error(), "geohash", gh)
	}

	row := new(tileDetailRow)
	err := s.db.NewSelect().
		Model(row).
		ExcludeColumn("geometry", "center_point").
		ColumnExpr("ST_X(t.center_point) AS center_lng").
		ColumnExpr("ST_Y(t.center_point) AS center_lat").
		ColumnExpr("ST_AsGeoJSON(t.geometry)::jsonb AS geometry_geojson").
		Where("t.geohash = ?", gh).
		Limit(1).
		Scan(ctx)
	if err != nil {
		err = apperr.Datastore(err)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.NotFound("tile not found", "geohash", gh)
		}
		return nil, err
	}

	ids := make([]string, 0, len(row.SpeciesData))
	for id := range row.SpeciesData {
		ids = append(ids, id)
	}
	catalog, err := s.catalog.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &models.TileDetailResponse{
		Geohash:  row.Geohash,
		TileInfo: tileInfo(row),
		Species:  TileSpeciesList(row.SpeciesData, catalog),
	}, nil
}

func tileInfo(row *tileDetailRow) models.TileInfo {
	return models.TileInfo{
		Geohash:          row.Geohash,
		TotalOccurrences: row.TotalOccurrences,
		SpeciesCount:     row.SpeciesCount,
		EcoID:            row.EcoID,
		EcoName:          row.EcoName,
		BiomeName:        row.BiomeName,
		Realm:            row.Realm,
		Datetime:         row.Datetime,
		DataSource:       row.DataSource,
		ProcessingDate:   row.ProcessingDate,
		Center:           [2]float64{row.CenterLng, row.CenterLat},
		Geometry:         row.GeometryGJ,
	}
}

// TileSpeciesList joins a tile's counts with catalog metadata, ordered by
// count descending then taxon id.
func TileSpeciesList(speciesData map[string]int, catalog map[string]models.Species) []models.TileSpecies {
	out := make([]models.TileSpecies, 0, len(speciesData))
	for id, n := range speciesData {
		ts := models.TileSpecies{TaxonID: id, OccurrenceCount: n}
		if sp, ok := catalog[id]; ok {
			ts.ScientificName = optional(sp.ScientificName)
			ts.CommonName = optional(sp.CommonName)
			ts.Family = optional(sp.Family)
			ts.Genus = optional(sp.Genus)
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurrenceCount != out[j].OccurrenceCount {
			return out[i].OccurrenceCount > out[j].OccurrenceCount
		}
		return out[i].TaxonID < out[j].TaxonID
	})
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type timeRangeRow struct {
	Geohash          string          `bun:"geohash"`
	TotalOccurrences int             `bun:"total_occurrences"`
	SpeciesCount     int             `bun:"species_count"`
	EcoID            *int            `bun:"eco_id"`
	EcoName          *string         `bun:"eco_name"`
	Datetime         time.Time       `bun:"datetime"`
	DataSource       *string         `bun:"data_source"`
	Geometry         json.RawMessage `bun:"geometry"`
}

// TimeRange returns tiles observed in [start, end], newest first, optionally
// restricted to a box, as a STAC-like feature collection.
func (s *TileService) TimeRange(ctx context.Context, start, end time.Time, box *geometry.BBox) (*models.TileCollection, error) {
	if start.IsZero() || end.IsZero() {
		return nil, apperr.Validation("start and end are required")
	}
	if start.After(end) {
		return nil, apperr.Validation("start must not be after end", "start", start, "end", end)
	}
	if box != nil {
		if err := box.Validate(); err != nil {
			return nil, apperr.Validation(err.Error())
		}
	}

	q := s.db.NewSelect().
		TableExpr("tiles AS t").
		Column("t.geohash", "t.total_occurrences", "t.species_count", "t.eco_id", "t.eco_name", "t.datetime", "t.data_source").
		ColumnExpr("ST_AsGeoJSON(t.geometry)::jsonb AS geometry").
		Where("t.datetime >= ?", start.UTC()).
		Where("t.datetime <= ?", end.UTC())
	if box != nil {
		q = q.Where("ST_Intersects(t.geometry, ST_MakeEnvelope(?, ?, ?, ?, 4326))",
			box.MinLng, box.MinLat, box.MaxLng, box.MaxLat)
	}

	var rows []timeRangeRow
	err := q.OrderExpr("t.datetime DESC, t.geohash ASC").Limit(s.timeLimit).Scan(ctx, &rows)
	if err != nil {
		return nil, apperr.Datastore(err)
	}

	coll := &models.TileCollection{
		Type:           "FeatureCollection",
		Features:       make([]models.Feature, 0, len(rows)),
		NumberReturned: len(rows),
		TimeRange:      models.TimeRange{Start: start.UTC(), End: end.UTC()},
	}
	if box != nil {
		coll.BBox = &[4]float64{box.MinLng, box.MinLat, box.MaxLng, box.MaxLat}
	}
	for _, r := range rows {
		f := models.NewFeature(r.Geohash, r.Geometry)
		f.Properties["datetime"] = r.Datetime
		f.Properties["total_occurrences"] = r.TotalOccurrences
		f.Properties["species_count"] = r.SpeciesCount
		f.Properties["eco_id"] = r.EcoID
		f.Properties["eco_name"] = r.EcoName
		f.Properties["data_source"] = r.DataSource
		coll.Features = append(coll.Features, f)
	}
	return coll, nil
}
