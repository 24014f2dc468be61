package models

import (
	"strings"
	"testing"

	"ecotile-bknd/internal/geometry"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/schema"
)

// hexLiteral renders g as SQL and returns the quoted hex EWKB.
func hexLiteral(t *testing.T, g orb.Geometry) string {
	t.Helper()
	fmter := schema.NewFormatter(pgdialect.New())
	b, err := Geom{Geometry: g}.AppendQuery(fmter, nil)
	require.NoError(t, err)

	sql := string(b)
	require.True(t, strings.HasSuffix(sql, "::geometry"), sql)
	lit := strings.TrimSuffix(sql, "::geometry")
	require.True(t, strings.HasPrefix(lit, "'") && strings.HasSuffix(lit, "'"), sql)
	return strings.Trim(lit, "'")
}

func TestGeomRoundTripIsBitExact(t *testing.T) {
	for _, gh := range []string{"dr5ru6j", "s0000000", "zzzzzzz", "7zzzzzz", "u4pruyd"} {
		t.Run(gh, func(t *testing.T) {
			for _, g := range []orb.Geometry{geometry.TilePolygon(gh), geometry.TileCenter(gh)} {
				hex := hexLiteral(t, g)
				// PostGIS reports SRID 4326 in the EWKB header
				assert.True(t, strings.HasPrefix(strings.ToUpper(hex), "0101000020E6") ||
					strings.HasPrefix(strings.ToUpper(hex), "0103000020E6"), hex)

				var got Geom
				require.NoError(t, got.Scan(hex))
				assert.True(t, orb.Equal(g, got.Geometry), "%v != %v", g, got.Geometry)

				var fromBytes Geom
				require.NoError(t, fromBytes.Scan([]byte(hex)))
				assert.True(t, orb.Equal(g, fromBytes.Geometry))
			}
		})
	}
}

func TestGeomScanKeepsDriverBuffer(t *testing.T) {
	buf := []byte(hexLiteral(t, geometry.TileCenter("dr5ru6j")))
	orig := string(buf)

	var g Geom
	require.NoError(t, g.Scan(buf))
	assert.Equal(t, orig, string(buf))
}

func TestGeomNull(t *testing.T) {
	b, err := Geom{}.AppendQuery(schema.NewFormatter(pgdialect.New()), nil)
	require.NoError(t, err)
	assert.Equal(t, "NULL", string(b))

	g := Geom{Geometry: orb.Point{1, 2}}
	require.NoError(t, g.Scan(nil))
	assert.Nil(t, g.Geometry)
}

func TestGeomScanRejectsGarbage(t *testing.T) {
	var g Geom
	assert.Error(t, g.Scan("not-hex"))
}
