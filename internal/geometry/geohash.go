// Package geometry derives tile geometry from geohashes and validates the
// shapes accepted by the query layer.
package geometry

import (
	"fmt"
	"strings"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
)

// SRID of every geometry stored or returned by the service.
const SRID = 4326

// DefaultGeohashLength is the deployed tile precision (~150m x 150m cells).
const DefaultGeohashLength = 7

// ValidateGeohash checks the alphabet and the required fixed length.
func ValidateGeohash(gh string, length int) error {
	if len(gh) != length {
		return fmt.Errorf("geohash %q must be %d characters, got %d", gh, length, len(gh))
	}
	if err := geohash.Validate(gh); err != nil {
		return fmt.Errorf("geohash %q: %w", gh, err)
	}
	return nil
}

// Normalize lowercases a geohash; the base32 alphabet is lowercase only.
func Normalize(gh string) string {
	return strings.ToLower(strings.TrimSpace(gh))
}

// TileBound returns the rectangular cell encoded by gh.
func TileBound(gh string) orb.Bound {
	box := geohash.BoundingBox(gh)
	return orb.Bound{
		Min: orb.Point{box.MinLng, box.MinLat},
		Max: orb.Point{box.MaxLng, box.MaxLat},
	}
}

// TilePolygon is f(geohash): the closed rectangle of the cell, counter-clockwise
// from the south-west corner.
func TilePolygon(gh string) orb.Polygon {
	return TileBound(gh).ToPolygon()
}

// TileCenter is g(geohash): the midpoint of the cell.
func TileCenter(gh string) orb.Point {
	lat, lng := geohash.DecodeCenter(gh)
	return orb.Point{lng, lat}
}

// Encode returns the geohash of a point at the given precision.
func Encode(lat, lng float64, length int) string {
	return geohash.EncodeWithPrecision(lat, lng, uint(length))
}
