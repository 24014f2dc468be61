package models

import (
	"encoding/json"

	"github.com/uptrace/bun"
)

// Ecoregion is the read-only ecological region catalog.
type Ecoregion struct {
	bun.BaseModel `bun:"table:ecoregions,alias:e"`

	EcoID     int    `bun:"eco_id,pk" json:"eco_id"`
	EcoName   string `bun:"eco_name" json:"eco_name"`
	BiomeName string `bun:"biome_name" json:"biome_name"`
	Realm     string `bun:"realm" json:"realm"`
	Geometry  Geom   `bun:"geometry,type:geometry(MultiPolygon,4326)" json:"-"`
}

// Country is the read-only administrative boundary catalog.
type Country struct {
	bun.BaseModel `bun:"table:countries,alias:c"`

	ID       int    `bun:"id,pk,autoincrement" json:"id"`
	Name     string `bun:"name,notnull" json:"name"`
	Geometry Geom   `bun:"geometry,type:geometry(MultiPolygon,4326)" json:"-"`
}

// EcoregionRef identifies an ecoregion without its geometry.
type EcoregionRef struct {
	EcoID     int    `bun:"eco_id" json:"eco_id"`
	EcoName   string `bun:"eco_name" json:"eco_name"`
	BiomeName string `bun:"biome_name" json:"biome_name"`
	Realm     string `bun:"realm" json:"realm"`
}

// EcoregionSpecies is one row of the ecoregion-scoped aggregation.
type EcoregionSpecies struct {
	TaxonID        string  `bun:"taxon_id" json:"taxon_id"`
	ScientificName *string `bun:"scientific_name" json:"scientific_name"`
	CommonName     *string `bun:"common_name" json:"common_name"`
	Family         *string `bun:"family" json:"family"`
	Occurrences    int     `bun:"occurrences" json:"occurrences"`
	TileCount      int     `bun:"tile_count" json:"tile_count"`
}

// EcoregionSummary aggregates tiles carrying one eco_id.
type EcoregionSummary struct {
	EcoregionRef
	TileCount        int `bun:"tile_count" json:"tile_count"`
	TotalOccurrences int `bun:"total_occurrences" json:"total_occurrences"`
	UniqueSpecies    int `bun:"unique_species" json:"unique_species"`
}

// EcoregionSpeciesResponse is returned by GET ecoregion/{eco_id}/species.
type EcoregionSpeciesResponse struct {
	Ecoregion EcoregionSummary   `json:"ecoregion"`
	Species   []EcoregionSpecies `json:"species"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
	HasMore   bool               `json:"has_more"`
}

// EcoregionIntersection is one ecoregion overlapping a user polygon.
type EcoregionIntersection struct {
	EcoregionRef
	IntersectionKm2 float64 `bun:"intersection_km2" json:"intersection_km2"`
	EcoregionKm2    float64 `bun:"ecoregion_km2" json:"ecoregion_km2"`
	CoveragePct     float64 `bun:"coverage_pct" json:"coverage_pct"` // share of the polygon
	TileCount       int     `bun:"tile_count" json:"tile_count"`
}

// EcoregionIntersectResponse is returned by POST ecoregions/intersecting.
type EcoregionIntersectResponse struct {
	PolygonKm2 float64                 `json:"polygon_km2"`
	Count      int                     `json:"count"`
	Ecoregions []EcoregionIntersection `json:"ecoregions"`
}

// EcoregionBoundary is a (simplified) ecoregion outline for map rendering.
type EcoregionBoundary struct {
	EcoregionRef
	Geometry json.RawMessage `bun:"geometry" json:"geometry"`
}

// EcoregionExport is the source of a boundary download.
type EcoregionExport struct {
	EcoregionRef
	AreaKm2  float64 `bun:"area_km2" json:"area_km2"`
	Geometry Geom    `bun:"geometry" json:"-"`
}
