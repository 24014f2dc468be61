package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Tile is one geohash cell with its aggregated species occurrence counts.
type Tile struct {
	bun.BaseModel `bun:"table:tiles,alias:t"`

	Geohash          string         `bun:"geohash,pk" json:"geohash"`
	SpeciesData      map[string]int `bun:"species_data,type:jsonb,notnull" json:"species_data"`
	TotalOccurrences int            `bun:"total_occurrences,notnull" json:"total_occurrences"`
	SpeciesCount     int            `bun:"species_count,notnull" json:"species_count"`
	Geometry         Geom           `bun:"geometry,type:geometry(Polygon,4326),notnull" json:"-"`
	CenterPoint      Geom           `bun:"center_point,type:geometry(Point,4326),notnull" json:"-"`

	// Region assignment; NULL until the assignment engine runs.
	EcoID     *int    `bun:"eco_id" json:"eco_id"`
	EcoName   *string `bun:"eco_name" json:"eco_name"`
	BiomeName *string `bun:"biome_name" json:"biome_name"`
	Realm     *string `bun:"realm" json:"realm"`

	Datetime       *time.Time `bun:"datetime" json:"datetime"`
	DataSource     *string    `bun:"data_source" json:"data_source"`
	ProcessingDate *time.Time `bun:"processing_date" json:"processing_date"`
}

// TileMetadata is the provenance supplied alongside a tile on import.
type TileMetadata struct {
	Datetime       *time.Time
	DataSource     string
	ProcessingDate *time.Time
}

// TileRecord is one import record before normalization. Aggregates are
// optional and untrusted.
type TileRecord struct {
	Line             int            `json:"-"`
	Geohash          string         `json:"geohash"`
	SpeciesData      map[string]int `json:"species_data"`
	TotalOccurrences *int           `json:"total_occurrences,omitempty"`
	SpeciesCount     *int           `json:"species_count,omitempty"`
	Datetime         *time.Time     `json:"datetime,omitempty"`
	DataSource       string         `json:"data_source,omitempty"`
}

// TileInfo is the tile detail returned by tile lookup.
type TileInfo struct {
	Geohash          string          `json:"geohash"`
	TotalOccurrences int             `json:"total_occurrences"`
	SpeciesCount     int             `json:"species_count"`
	EcoID            *int            `json:"eco_id"`
	EcoName          *string         `json:"eco_name"`
	BiomeName        *string         `json:"biome_name"`
	Realm            *string         `json:"realm"`
	Datetime         *time.Time      `json:"datetime"`
	DataSource       *string         `json:"data_source"`
	ProcessingDate   *time.Time      `json:"processing_date"`
	Center           [2]float64      `json:"center"` // [lng, lat]
	Geometry         json.RawMessage `json:"geometry"`
}

// TileSpecies is a species present in a tile with its count.
type TileSpecies struct {
	TaxonID         string  `json:"taxon_id"`
	ScientificName  *string `json:"scientific_name"`
	CommonName      *string `json:"common_name"`
	Family          *string `json:"family"`
	Genus           *string `json:"genus"`
	OccurrenceCount int     `json:"occurrence_count"`
}

// TileDetailResponse is returned by GET tile/{geohash}.
type TileDetailResponse struct {
	Geohash  string        `json:"geohash"`
	TileInfo TileInfo      `json:"tile_info"`
	Species  []TileSpecies `json:"species"`
}
