// Package dbtest opens a PostGIS test database for integration tests. Tests
// using it are skipped unless TEST_DATABASE_URL is set.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"ecotile-bknd/internal/config"
	"ecotile-bknd/internal/database"
	"ecotile-bknd/internal/models"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// OpenTx connects to TEST_DATABASE_URL, ensures the schema and returns a
// transaction rolled back when the test ends. Code under test that opens its
// own transactions runs them as savepoints inside it.
func OpenTx(t *testing.T) bun.Tx {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.New(dsn, &config.Config{DBSchema: "public"}, database.BatchPool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, database.EnsureSchema(ctx, db, zap.NewNop()))

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })

	// start from empty tables so assertions see only seeded rows; the lock
	// this takes serializes packages sharing one test database
	_, err = tx.ExecContext(ctx, "TRUNCATE tiles, ecoregions, countries, species")
	require.NoError(t, err)
	return tx
}

// Rect is a closed lng/lat rectangle.
func Rect(minLng, minLat, maxLng, maxLat float64) orb.Polygon {
	return orb.Polygon{{
		{minLng, minLat}, {maxLng, minLat}, {maxLng, maxLat}, {minLng, maxLat}, {minLng, minLat},
	}}
}

// InsertEcoregion seeds one ecoregion covering poly.
func InsertEcoregion(t *testing.T, db bun.IDB, id int, name string, poly orb.Polygon) {
	t.Helper()
	_, err := db.NewRaw(
		"INSERT INTO ecoregions (eco_id, eco_name, biome_name, realm, geometry) VALUES (?, ?, ?, ?, ?)",
		id, name, name+" biome", "Nearctic", models.Geom{Geometry: orb.MultiPolygon{poly}},
	).Exec(context.Background())
	require.NoError(t, err)
}

// InsertCountry seeds one country covering poly and returns its id.
func InsertCountry(t *testing.T, db bun.IDB, name string, poly orb.Polygon) int {
	t.Helper()
	var id int
	err := db.NewRaw(
		"INSERT INTO countries (name, geometry) VALUES (?, ?) RETURNING id",
		name, models.Geom{Geometry: orb.MultiPolygon{poly}},
	).Scan(context.Background(), &id)
	require.NoError(t, err)
	return id
}

// InsertSpecies seeds a catalog entry with human-curated country lists.
func InsertSpecies(t *testing.T, db bun.IDB, taxonID, scientificName, native, introduced string) {
	t.Helper()
	_, err := db.NewRaw(
		`INSERT INTO species (taxon_id, scientific_name, countries_native_human, countries_introduced_human)
		 VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''))`,
		taxonID, scientificName, native, introduced,
	).Exec(context.Background())
	require.NoError(t, err)
}
