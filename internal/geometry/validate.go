package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	ErrEmptyGeometry   = errors.New("geometry is required")
	ErrNotPolygon      = errors.New("geometry must be a GeoJSON Polygon")
	ErrRingTooShort    = errors.New("polygon ring needs at least 4 positions")
	ErrRingNotClosed   = errors.New("polygon ring must be closed")
	ErrCoordOutOfRange = errors.New("coordinate out of range")
	ErrTooComplex      = errors.New("polygon has too many vertices")
)

// BBox is a lat/lng rectangle as accepted by the query API.
type BBox struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// Validate checks ranges and ordering.
func (b BBox) Validate() error {
	for _, lat := range []float64{b.MinLat, b.MaxLat} {
		if !ValidLat(lat) {
			return fmt.Errorf("%w: latitude %v", ErrCoordOutOfRange, lat)
		}
	}
	for _, lng := range []float64{b.MinLng, b.MaxLng} {
		if !ValidLng(lng) {
			return fmt.Errorf("%w: longitude %v", ErrCoordOutOfRange, lng)
		}
	}
	if b.MinLat > b.MaxLat || b.MinLng > b.MaxLng {
		return errors.New("bbox minimums must not exceed maximums")
	}
	return nil
}

// Bound converts to an orb bound (x = lng, y = lat).
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLng, b.MinLat}, Max: orb.Point{b.MaxLng, b.MaxLat}}
}

func ValidLat(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

func ValidLng(lng float64) bool {
	return !math.IsNaN(lng) && lng >= -180 && lng <= 180
}

// ParsePolygon decodes a GeoJSON geometry object and accepts only simple
// polygons with closed rings and at most maxVertices positions overall.
func ParsePolygon(raw json.RawMessage, maxVertices int) (orb.Polygon, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrEmptyGeometry
	}

	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid GeoJSON geometry: %w", err)
	}

	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("%w, got %s", ErrNotPolygon, g.Type)
	}
	if len(poly) == 0 {
		return nil, ErrEmptyGeometry
	}

	vertices := 0
	for _, ring := range poly {
		if len(ring) < 4 {
			return nil, ErrRingTooShort
		}
		if !ring.Closed() {
			return nil, ErrRingNotClosed
		}
		for _, p := range ring {
			if !ValidLng(p[0]) || !ValidLat(p[1]) {
				return nil, fmt.Errorf("%w: [%v, %v]", ErrCoordOutOfRange, p[0], p[1])
			}
		}
		vertices += len(ring)
	}
	if maxVertices > 0 && vertices > maxVertices {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooComplex, vertices, maxVertices)
	}

	return poly, nil
}

// MarshalGeoJSON renders a geometry as a bare GeoJSON geometry object, the
// form accepted by ST_GeomFromGeoJSON.
func MarshalGeoJSON(g orb.Geometry) (string, error) {
	b, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
