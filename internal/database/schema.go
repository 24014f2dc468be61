package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// schemaStatements creates the tile index and the read-mostly catalogs it is
// joined against. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,

	`CREATE TABLE IF NOT EXISTS tiles (
		geohash           VARCHAR(12) PRIMARY KEY,
		species_data      JSONB NOT NULL DEFAULT '{}'::jsonb,
		total_occurrences INTEGER NOT NULL DEFAULT 0 CHECK (total_occurrences >= 0),
		species_count     INTEGER NOT NULL DEFAULT 0 CHECK (species_count >= 0),
		geometry          geometry(Polygon, 4326) NOT NULL,
		center_point      geometry(Point, 4326) NOT NULL,
		eco_id            INTEGER,
		eco_name          TEXT,
		biome_name        TEXT,
		realm             TEXT,
		datetime          TIMESTAMPTZ,
		data_source       TEXT,
		processing_date   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tiles_geometry ON tiles USING GIST (geometry)`,
	`CREATE INDEX IF NOT EXISTS idx_tiles_center_point ON tiles USING GIST (center_point)`,
	`CREATE INDEX IF NOT EXISTS idx_tiles_center_geog ON tiles USING GIST ((center_point::geography))`,
	`CREATE INDEX IF NOT EXISTS idx_tiles_species_data ON tiles USING GIN (species_data)`,
	`CREATE INDEX IF NOT EXISTS idx_tiles_eco_id ON tiles (eco_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tiles_unassigned ON tiles (geohash) WHERE eco_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_tiles_datetime ON tiles (datetime DESC)`,

	`CREATE TABLE IF NOT EXISTS ecoregions (
		eco_id     INTEGER PRIMARY KEY,
		eco_name   TEXT NOT NULL,
		biome_name TEXT,
		realm      TEXT,
		geometry   geometry(MultiPolygon, 4326) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ecoregions_geometry ON ecoregions USING GIST (geometry)`,

	`CREATE TABLE IF NOT EXISTS countries (
		id       SERIAL PRIMARY KEY,
		name     TEXT NOT NULL,
		geometry geometry(MultiPolygon, 4326) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_countries_geometry ON countries USING GIST (geometry)`,

	`CREATE TABLE IF NOT EXISTS species (
		taxon_id                   TEXT PRIMARY KEY,
		scientific_name            TEXT,
		common_name                TEXT,
		family                     TEXT,
		genus                      TEXT,
		countries_native_human     TEXT,
		countries_native_ai        TEXT,
		countries_introduced_human TEXT,
		countries_introduced_ai    TEXT,
		commercial_human           TEXT,
		commercial_ai              TEXT,
		intact_forest_human        TEXT,
		intact_forest_ai           TEXT
	)`,
}

// EnsureSchema creates the PostGIS extension, tables and indexes when missing.
func EnsureSchema(ctx context.Context, db bun.IDB, logr *zap.Logger) error {
	for i, stmt := range schemaStatements {
		logr.Debug("schema exec", zap.Int("idx", i))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	logr.Info("schema ready", zap.Int("statements", len(schemaStatements)))
	return nil
}
