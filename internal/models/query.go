package models

import (
	"encoding/json"
	"time"
)

// Feature is a GeoJSON feature whose geometry comes straight from ST_AsGeoJSON.
type Feature struct {
	Type       string          `json:"type"` // "Feature"
	ID         string          `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// NewFeature builds a Feature with an initialized property map.
func NewFeature(id string, geometry json.RawMessage) Feature {
	return Feature{Type: "Feature", ID: id, Geometry: geometry, Properties: map[string]any{}}
}

// Location is a lat/lng pair in responses.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NearbyResponse is returned by GET nearby.
type NearbyResponse struct {
	Location     Location         `json:"location"`
	RadiusKm     float64          `json:"radius_km"`
	SpeciesCount int              `json:"species_count"`
	Species      []SpeciesSummary `json:"species"`
}

// DistributionResponse is returned by GET distribution/{taxon_id}.
type DistributionResponse struct {
	TaxonID          string    `json:"taxon_id"`
	TileCount        int       `json:"tile_count"`
	TotalOccurrences int       `json:"total_occurrences"`
	Distribution     []Feature `json:"distribution"`
}

// HeatmapResponse is returned by GET heatmap.
type HeatmapResponse struct {
	BBox      [4]float64 `json:"bbox"` // minLng, minLat, maxLng, maxLat
	TileCount int        `json:"tile_count"`
	Features  []Feature  `json:"features"`
}

// TimeRange echoes the requested interval.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TileCollection is the STAC-like response of GET tiles.
type TileCollection struct {
	Type           string      `json:"type"` // "FeatureCollection"
	Features       []Feature   `json:"features"`
	NumberReturned int         `json:"numberReturned"`
	TimeRange      TimeRange   `json:"timeRange"`
	BBox           *[4]float64 `json:"bbox,omitempty"`
}

// FeatureCollection is a plain GeoJSON feature collection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
	Count    int       `json:"count"`
}

// EcoregionStat is one row of the top-N ecoregion statistics.
type EcoregionStat struct {
	EcoregionRef
	UniqueSpecies    int `bun:"unique_species" json:"unique_species"`
	TileCount        int `bun:"tile_count" json:"tile_count"`
	TotalOccurrences int `bun:"total_occurrences" json:"total_occurrences"`
}

// EcoregionAtResponse is returned by GET ecoregion/at.
type EcoregionAtResponse struct {
	Location  Location      `json:"location"`
	Ecoregion *EcoregionRef `json:"ecoregion"`
}
