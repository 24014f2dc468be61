package services

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/models"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

type ExportFormat string

const (
	ExportGeoJSON ExportFormat = "geojson"
	ExportWKT     ExportFormat = "wkt"
	ExportKML     ExportFormat = "kml"
)

var exportTypes = map[ExportFormat]struct{ contentType, ext string }{
	ExportGeoJSON: {"application/geo+json", ".geojson"},
	ExportWKT:     {"text/plain; charset=utf-8", ".wkt"},
	ExportKML:     {"application/vnd.google-earth.kml+xml", ".kml"},
}

// ParseExportFormat accepts geojson, wkt and kml in any case.
func ParseExportFormat(s string) (ExportFormat, error) {
	f := ExportFormat(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := exportTypes[f]; !ok {
		return "", apperr.Validation("format must be one of kml, geojson, wkt", "format", s)
	}
	return f, nil
}

// ExportFile is a rendered boundary ready for download.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportService renders ecoregion boundaries as downloadable documents.
type ExportService struct {
	db   bun.IDB
	logr *zap.Logger
}

func NewExportService(db bun.IDB, logr *zap.Logger) *ExportService {
	return &ExportService{db: db, logr: logr}
}

// Export loads the ecoregion outline, simplifies it by tolerance degrees when
// tolerance > 0, and renders it in format.
func (s *ExportService) Export(ctx context.Context, ecoID int, format string, tolerance float64) (*ExportFile, error) {
	f, err := ParseExportFormat(format)
	if err != nil {
		return nil, err
	}
	if tolerance < 0 || tolerance > MaxSimplifyTolerance {
		return nil, apperr.Validation("simplify must be between 0 and 1 degrees", "simplify", tolerance)
	}

	src := new(models.EcoregionExport)
	err = s.db.NewRaw(`
		SELECT e.eco_id, e.eco_name, e.biome_name, e.realm,
		       ST_Area(e.geometry::geography) / 1e6 AS area_km2,
		       e.geometry
		FROM ecoregions AS e
		WHERE e.eco_id = ?`,
		ecoID).
		Scan(ctx, src)
	if err != nil {
		err = apperr.Datastore(err)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.NotFound("ecoregion not found", "eco_id", ecoID)
		}
		return nil, err
	}
	if src.Geometry.Geometry == nil {
		return nil, apperr.NotFound("ecoregion has no geometry", "eco_id", ecoID)
	}
	src.AreaKm2 = round2(src.AreaKm2)
	src.Geometry.Geometry = Simplify(src.Geometry.Geometry, tolerance)

	return Render(src, f)
}

// Simplify applies Douglas-Peucker to a copy of g. Polygons whose outer
// ring collapses are dropped; when nothing is left the original is kept.
func Simplify(g orb.Geometry, tolerance float64) orb.Geometry {
	if tolerance <= 0 || g == nil {
		return g
	}
	switch out := simplify.DouglasPeucker(tolerance).Simplify(orb.Clone(g)).(type) {
	case orb.Polygon:
		if degenerate(out) {
			return g
		}
		return out
	case orb.MultiPolygon:
		kept := out[:0]
		for _, p := range out {
			if !degenerate(p) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			return g
		}
		return kept
	case nil:
		return g
	default:
		return out
	}
}

func degenerate(p orb.Polygon) bool {
	return len(p) == 0 || len(p[0]) < 4
}

// Render encodes the export source in format.
func Render(src *models.EcoregionExport, format ExportFormat) (*ExportFile, error) {
	t, ok := exportTypes[format]
	if !ok {
		return nil, apperr.Validation("unsupported export format", "format", string(format))
	}

	var (
		body []byte
		err  error
	)
	switch format {
	case ExportGeoJSON:
		body, err = renderGeoJSON(src)
	case ExportWKT:
		body = renderWKT(src)
	case ExportKML:
		body, err = renderKML(src)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", format, err)
	}

	return &ExportFile{
		Filename:    ExportFilename(src.EcoName, src.EcoID) + t.ext,
		ContentType: t.contentType,
		Body:        body,
	}, nil
}

func renderGeoJSON(src *models.EcoregionExport) ([]byte, error) {
	f := geojson.NewFeature(src.Geometry.Geometry)
	f.ID = src.EcoID
	f.Properties["eco_id"] = src.EcoID
	f.Properties["eco_name"] = src.EcoName
	f.Properties["biome_name"] = src.BiomeName
	f.Properties["realm"] = src.Realm
	f.Properties["area_km2"] = src.AreaKm2
	return json.Marshal(f)
}

// WKT has no attribute slots; metadata goes in leading '#' lines.
func renderWKT(src *models.EcoregionExport) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# eco_id: %d\n", src.EcoID)
	fmt.Fprintf(&b, "# eco_name: %s\n", src.EcoName)
	fmt.Fprintf(&b, "# biome_name: %s\n", src.BiomeName)
	fmt.Fprintf(&b, "# realm: %s\n", src.Realm)
	fmt.Fprintf(&b, "# area_km2: %s\n", strconv.FormatFloat(src.AreaKm2, 'f', 2, 64))
	b.WriteString(wkt.MarshalString(src.Geometry.Geometry))
	b.WriteByte('\n')
	return b.Bytes()
}

type kmlDoc struct {
	XMLName  xml.Name    `xml:"kml"`
	NS       string      `xml:"xmlns,attr"`
	Document kmlDocument `xml:"Document"`
}

type kmlDocument struct {
	Name      string       `xml:"name"`
	Placemark kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name          string           `xml:"name"`
	Description   string           `xml:"description"`
	ExtendedData  []kmlData        `xml:"ExtendedData>Data"`
	MultiGeometry kmlMultiGeometry `xml:"MultiGeometry"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlMultiGeometry struct {
	Polygons []kmlPolygon `xml:"Polygon"`
}

type kmlPolygon struct {
	Outer kmlRing   `xml:"outerBoundaryIs>LinearRing"`
	Inner []kmlRing `xml:"innerBoundaryIs>LinearRing"`
}

type kmlRing struct {
	Coordinates string `xml:"coordinates"`
}

func renderKML(src *models.EcoregionExport) ([]byte, error) {
	var polys []orb.Polygon
	switch g := src.Geometry.Geometry.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{g}
	case orb.MultiPolygon:
		polys = g
	default:
		return nil, fmt.Errorf("unsupported geometry %s", src.Geometry.Geometry.GeoJSONType())
	}

	area := strconv.FormatFloat(src.AreaKm2, 'f', 2, 64)
	doc := kmlDoc{
		NS: "http://www.opengis.net/kml/2.2",
		Document: kmlDocument{
			Name: src.EcoName,
			Placemark: kmlPlacemark{
				Name:        src.EcoName,
				Description: fmt.Sprintf("Biome: %s; Realm: %s; Area: %s km2", src.BiomeName, src.Realm, area),
				ExtendedData: []kmlData{
					{Name: "eco_id", Value: strconv.Itoa(src.EcoID)},
					{Name: "eco_name", Value: src.EcoName},
					{Name: "biome_name", Value: src.BiomeName},
					{Name: "realm", Value: src.Realm},
					{Name: "area_km2", Value: area},
				},
			},
		},
	}
	for _, p := range polys {
		if len(p) == 0 {
			continue
		}
		kp := kmlPolygon{Outer: kmlRing{Coordinates: kmlCoordinates(p[0])}}
		for _, hole := range p[1:] {
			kp.Inner = append(kp.Inner, kmlRing{Coordinates: kmlCoordinates(hole)})
		}
		doc.Document.Placemark.MultiGeometry.Polygons = append(doc.Document.Placemark.MultiGeometry.Polygons, kp)
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func kmlCoordinates(r orb.Ring) string {
	parts := make([]string, len(r))
	for i, pt := range r {
		parts[i] = strconv.FormatFloat(pt.Lon(), 'f', -1, 64) + "," + strconv.FormatFloat(pt.Lat(), 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}

// ExportFilename turns an ecoregion name into a safe file stem.
func ExportFilename(name string, ecoID int) string {
	var b strings.Builder
	lastSep := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastSep = false
		default:
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	stem := strings.TrimRight(b.String(), "_")
	if stem == "" {
		return fmt.Sprintf("ecoregion_%d", ecoID)
	}
	return stem
}
