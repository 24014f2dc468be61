package models

// NativeStatus classifies a species relative to an analysed area.
type NativeStatus string

const (
	StatusNative     NativeStatus = "native"
	StatusIntroduced NativeStatus = "introduced"
	StatusUnknown    NativeStatus = "unknown"
)

// CountryOverlap is a country intersecting the analysed polygon.
// Fraction is the share of the polygon's area inside the country (0..1).
type CountryOverlap struct {
	ID       int     `bun:"id" json:"id"`
	Name     string  `bun:"name" json:"name"`
	Fraction float64 `bun:"fraction" json:"fraction"`
}

// SpeciesAggregate is the per-species occurrence sum across intersected tiles.
type SpeciesAggregate struct {
	TaxonID     string `bun:"taxon_id" json:"taxon_id"`
	Occurrences int    `bun:"occurrences" json:"occurrences"`
	TileCount   int    `bun:"tile_count" json:"tile_count"`
}

// AnalyzedSpecies is one species in a polygon analysis result.
type AnalyzedSpecies struct {
	TaxonID        string       `json:"taxon_id"`
	ScientificName string       `json:"scientific_name"`
	CommonName     string       `json:"common_name"`
	Family         string       `json:"family"`
	Genus          string       `json:"genus"`
	Occurrences    int          `json:"occurrences"`
	TileCount      int          `json:"tile_count"`
	Status         NativeStatus `json:"status"`
	NativePct      float64      `json:"native_pct"`
	IntroducedPct  float64      `json:"introduced_pct"`
	NativeSource   Provenance   `json:"native_source,omitempty"`
	IntactForest   FlagValue    `json:"intact_forest"`
	Commercial     FlagValue    `json:"commercial"`
}

// AnalysisSummary holds the cross-analysis counts over the whole result set.
type AnalysisSummary struct {
	TotalSpecies     int `json:"total_species"`
	TotalOccurrences int `json:"total_occurrences"`
	TileCount        int `json:"tile_count"`

	Native     int `json:"native"`
	Introduced int `json:"introduced"`
	Unknown    int `json:"unknown_status"`

	IntactForest    int `json:"intact_forest"`
	NonIntactForest int `json:"non_intact_forest"`
	UnknownForest   int `json:"unknown_forest"`

	Commercial        int `json:"commercial"`
	NonCommercial     int `json:"non_commercial"`
	UnknownCommercial int `json:"unknown_commercial"`

	NativeIntact         int `json:"native_intact_forest"`
	IntroducedCommercial int `json:"introduced_commercial"`
}

// PlotAnalysis is the full response of POST analyze-plot.
type PlotAnalysis struct {
	AreaKm2        float64           `json:"area_km2"`
	PrimaryCountry *CountryOverlap   `json:"primary_country"`
	Countries      []CountryOverlap  `json:"countries"`
	Species        []AnalyzedSpecies `json:"species"`
	Summary        AnalysisSummary   `json:"summary"`
}
