package services

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/models"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exportFixture() *models.EcoregionExport {
	outer := orb.Ring{{10, 10}, {11, 10}, {11, 11}, {10, 11}, {10, 10}}
	hole := orb.Ring{{10.2, 10.2}, {10.2, 10.4}, {10.4, 10.4}, {10.4, 10.2}, {10.2, 10.2}}
	return &models.EcoregionExport{
		EcoregionRef: models.EcoregionRef{
			EcoID:     42,
			EcoName:   "Southern Andean Yungas",
			BiomeName: "Tropical & Subtropical Moist Broadleaf Forests",
			Realm:     "Neotropic",
		},
		AreaKm2:  12345.67,
		Geometry: models.Geom{Geometry: orb.MultiPolygon{{outer, hole}}},
	}
}

func TestParseExportFormat(t *testing.T) {
	for _, s := range []string{"kml", "GeoJSON", " wkt "} {
		_, err := ParseExportFormat(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseExportFormat("shp")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRenderGeoJSON(t *testing.T) {
	f, err := Render(exportFixture(), ExportGeoJSON)
	require.NoError(t, err)
	assert.Equal(t, "Southern_Andean_Yungas.geojson", f.Filename)
	assert.Equal(t, "application/geo+json", f.ContentType)

	var doc struct {
		Type       string         `json:"type"`
		Geometry   map[string]any `json:"geometry"`
		Properties map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(f.Body, &doc))
	assert.Equal(t, "Feature", doc.Type)
	assert.Equal(t, "MultiPolygon", doc.Geometry["type"])
	assert.Equal(t, "Neotropic", doc.Properties["realm"])
	assert.Equal(t, 12345.67, doc.Properties["area_km2"])
	assert.EqualValues(t, 42, doc.Properties["eco_id"])
}

func TestRenderWKT(t *testing.T) {
	f, err := Render(exportFixture(), ExportWKT)
	require.NoError(t, err)
	assert.Equal(t, "Southern_Andean_Yungas.wkt", f.Filename)

	lines := strings.Split(strings.TrimSpace(string(f.Body)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "# eco_name: Southern Andean Yungas", lines[1])
	assert.Equal(t, "# area_km2: 12345.67", lines[4])

	g, err := wkt.Unmarshal(lines[5])
	require.NoError(t, err)
	assert.True(t, orb.Equal(exportFixture().Geometry.Geometry, g))
}

func TestRenderKML(t *testing.T) {
	f, err := Render(exportFixture(), ExportKML)
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.google-earth.kml+xml", f.ContentType)
	assert.True(t, strings.HasPrefix(string(f.Body), xml.Header))

	var doc kmlDoc
	require.NoError(t, xml.Unmarshal(f.Body, &doc))
	pm := doc.Document.Placemark
	assert.Equal(t, "Southern Andean Yungas", pm.Name)
	assert.Contains(t, pm.Description, "Neotropic")
	require.Len(t, pm.MultiGeometry.Polygons, 1)
	assert.Len(t, pm.MultiGeometry.Polygons[0].Inner, 1)
	assert.Equal(t, "10,10 11,10 11,11 10,11 10,10", pm.MultiGeometry.Polygons[0].Outer.Coordinates)
	assert.Contains(t, pm.ExtendedData, kmlData{Name: "area_km2", Value: "12345.67"})
}

func TestSimplifyKeepsInputIntact(t *testing.T) {
	ring := orb.Ring{{0, 0}, {0.5, 0.0001}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	poly := orb.Polygon{ring}

	got := Simplify(poly, 0.01)
	assert.Len(t, got.(orb.Polygon)[0], 5)
	assert.Len(t, poly[0], 6)

	assert.Equal(t, poly, Simplify(poly, 0))
}

func TestSimplifyFallsBackWhenCollapsed(t *testing.T) {
	tiny := orb.Polygon{{{0, 0}, {0.001, 0}, {0.001, 0.001}, {0, 0.001}, {0, 0}}}
	assert.Equal(t, tiny, Simplify(tiny, 0.5))
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "Sahara_desert", ExportFilename("Sahara desert", 1))
	assert.Equal(t, "Kaokoveld_desert", ExportFilename("  Kaokoveld desert!! ", 2))
	assert.Equal(t, "ecoregion_7", ExportFilename("???", 7))
}

func TestExportValidatesBeforeLookup(t *testing.T) {
	svc := NewExportService(nil, zap.NewNop())

	_, err := svc.Export(context.Background(), 1, "pdf", 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Export(context.Background(), 1, "kml", -1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
