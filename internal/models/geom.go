package models

import (
	"fmt"

	"ecotile-bknd/internal/geometry"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/uptrace/bun/schema"
)

// Geom is a PostGIS geometry column. It is written as hex EWKB so stored
// coordinates are bit-identical to the derived ones, and read back from the
// hex EWKB PostGIS returns for geometry columns.
type Geom struct {
	orb.Geometry
}

var _ schema.QueryAppender = Geom{}

func (g Geom) AppendQuery(fmter schema.Formatter, b []byte) ([]byte, error) {
	if g.Geometry == nil {
		return append(b, "NULL"...), nil
	}
	hex, err := ewkb.MarshalToHex(g.Geometry, geometry.SRID)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return fmter.AppendQuery(b, "?::geometry", hex), nil
}

func (g *Geom) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		g.Geometry = nil
		return nil
	case string:
		src = []byte(v)
	case []byte:
		// the scanner decodes hex in place; keep the driver's buffer intact
		src = append([]byte(nil), v...)
	}

	s := ewkb.Scanner(nil)
	if err := s.Scan(src); err != nil {
		return fmt.Errorf("decode geometry: %w", err)
	}
	g.Geometry = s.Geometry
	return nil
}
