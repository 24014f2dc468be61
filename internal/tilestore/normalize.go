package tilestore

import (
	"fmt"
	"strings"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"

	"go.uber.org/zap"
)

// Mismatch describes a caller-supplied aggregate that disagreed with the
// recomputed value. The recomputed value is the one persisted.
type Mismatch struct {
	Geohash  string
	Field    string
	Supplied int
	Computed int
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s supplied %d, recomputed %d", m.Geohash, m.Field, m.Supplied, m.Computed)
}

// LogMismatches warns once per mismatch. Callers add their own context, such
// as the input line, through logr.
func LogMismatches(logr *zap.Logger, mismatches []Mismatch) {
	for _, m := range mismatches {
		logr.Warn("integrity mismatch, persisting recomputed value",
			zap.String("kind", string(apperr.KindIntegrityMismatch)),
			zap.String("geohash", m.Geohash),
			zap.String("field", m.Field),
			zap.Int("supplied", m.Supplied),
			zap.Int("computed", m.Computed),
		)
	}
}

// Normalize validates a record and builds the tile that will be persisted:
// aggregates recomputed from species_data, geometry and center derived from
// the geohash. Structural failures return an apperr MalformedRecord.
func Normalize(rec models.TileRecord, geohashLength int, processedAt time.Time) (models.Tile, []Mismatch, error) {
	gh := geometry.Normalize(rec.Geohash)
	if err := geometry.ValidateGeohash(gh, geohashLength); err != nil {
		return models.Tile{}, nil, apperr.Malformed(err.Error(), "geohash", rec.Geohash, "line", rec.Line)
	}

	species := make(map[string]int, len(rec.SpeciesData))
	total := 0
	for taxonID, count := range rec.SpeciesData {
		key := strings.TrimSpace(taxonID)
		if key == "" {
			return models.Tile{}, nil, apperr.Malformed("empty taxon id in species_data", "geohash", gh, "line", rec.Line)
		}
		if count < 0 {
			return models.Tile{}, nil, apperr.Malformed("negative occurrence count",
				"geohash", gh, "taxon_id", key, "line", rec.Line)
		}
		if count == 0 {
			// sparse map: absent key means zero
			continue
		}
		species[key] += count
		total += count
	}

	var mismatches []Mismatch
	if rec.TotalOccurrences != nil && *rec.TotalOccurrences != total {
		mismatches = append(mismatches, Mismatch{Geohash: gh, Field: "total_occurrences", Supplied: *rec.TotalOccurrences, Computed: total})
	}
	if rec.SpeciesCount != nil && *rec.SpeciesCount != len(species) {
		mismatches = append(mismatches, Mismatch{Geohash: gh, Field: "species_count", Supplied: *rec.SpeciesCount, Computed: len(species)})
	}

	tile := models.Tile{
		Geohash:          gh,
		SpeciesData:      species,
		TotalOccurrences: total,
		SpeciesCount:     len(species),
		Geometry:         models.Geom{Geometry: geometry.TilePolygon(gh)},
		CenterPoint:      models.Geom{Geometry: geometry.TileCenter(gh)},
		Datetime:         rec.Datetime,
	}
	if rec.DataSource != "" {
		src := rec.DataSource
		tile.DataSource = &src
	}
	if !processedAt.IsZero() {
		p := processedAt.UTC()
		tile.ProcessingDate = &p
	}

	return tile, mismatches, nil
}

// Aggregates recomputes (total_occurrences, species_count) for a species map.
func Aggregates(speciesData map[string]int) (total, count int) {
	for _, v := range speciesData {
		if v > 0 {
			total += v
			count++
		}
	}
	return total, count
}
