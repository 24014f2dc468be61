package models

import (
	"strings"
)

// Provenance records who authored a catalog value.
type Provenance string

const (
	ProvenanceHuman Provenance = "human"
	ProvenanceAI    Provenance = "ai"
	ProvenanceNone  Provenance = ""
)

// Sourced is a catalog value together with its provenance.
type Sourced[T any] struct {
	Value      T          `json:"value"`
	Provenance Provenance `json:"provenance,omitempty"`
}

// Present reports whether any source supplied the value.
func (s Sourced[T]) Present() bool {
	return s.Provenance != ProvenanceNone
}

// Resolve picks the human-curated value when present, the AI-generated one
// otherwise.
func Resolve[T any](human, ai *T) Sourced[T] {
	if human != nil {
		return Sourced[T]{Value: *human, Provenance: ProvenanceHuman}
	}
	if ai != nil {
		return Sourced[T]{Value: *ai, Provenance: ProvenanceAI}
	}
	var zero T
	return Sourced[T]{Value: zero}
}

// SpeciesRow is the raw species catalog row with human/AI column pairs.
type SpeciesRow struct {
	TaxonID        string  `bun:"taxon_id"`
	ScientificName *string `bun:"scientific_name"`
	CommonName     *string `bun:"common_name"`
	Family         *string `bun:"family"`
	Genus          *string `bun:"genus"`

	CountriesNativeHuman     *string `bun:"countries_native_human"`
	CountriesNativeAI        *string `bun:"countries_native_ai"`
	CountriesIntroducedHuman *string `bun:"countries_introduced_human"`
	CountriesIntroducedAI    *string `bun:"countries_introduced_ai"`
	CommercialHuman          *string `bun:"commercial_human"`
	CommercialAI             *string `bun:"commercial_ai"`
	IntactForestHuman        *string `bun:"intact_forest_human"`
	IntactForestAI           *string `bun:"intact_forest_ai"`
}

// Species is the resolved catalog entry the query layer works with.
type Species struct {
	TaxonID             string             `json:"taxon_id"`
	ScientificName      string             `json:"scientific_name"`
	CommonName          string             `json:"common_name"`
	Family              string             `json:"family"`
	Genus               string             `json:"genus"`
	CountriesNative     Sourced[string]    `json:"countries_native"`
	CountriesIntroduced Sourced[string]    `json:"countries_introduced"`
	Commercial          Sourced[FlagValue] `json:"commercial"`
	IntactForest        Sourced[FlagValue] `json:"intact_forest"`
}

// ToSpecies resolves the column pairs once, at the data-access boundary.
func (r SpeciesRow) ToSpecies() Species {
	return Species{
		TaxonID:             r.TaxonID,
		ScientificName:      deref(r.ScientificName),
		CommonName:          deref(r.CommonName),
		Family:              deref(r.Family),
		Genus:               deref(r.Genus),
		CountriesNative:     Resolve(r.CountriesNativeHuman, r.CountriesNativeAI),
		CountriesIntroduced: Resolve(r.CountriesIntroducedHuman, r.CountriesIntroducedAI),
		Commercial:          resolveFlag(r.CommercialHuman, r.CommercialAI),
		IntactForest:        resolveFlag(r.IntactForestHuman, r.IntactForestAI),
	}
}

// FlagValue is a tri-state reading of the catalog's boolean-like text flags.
type FlagValue string

const (
	FlagYes     FlagValue = "yes"
	FlagNo      FlagValue = "no"
	FlagUnknown FlagValue = "unknown"
)

// ParseFlag reads yes/no style catalog text.
func ParseFlag(s string) FlagValue {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "t", "1", "present":
		return FlagYes
	case "no", "n", "false", "f", "0", "absent":
		return FlagNo
	default:
		return FlagUnknown
	}
}

func resolveFlag(human, ai *string) Sourced[FlagValue] {
	s := Resolve(human, ai)
	if !s.Present() {
		return Sourced[FlagValue]{Value: FlagUnknown}
	}
	return Sourced[FlagValue]{Value: ParseFlag(s.Value), Provenance: s.Provenance}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SpeciesSummary is the compact form used in nearby results.
type SpeciesSummary struct {
	TaxonID        string  `bun:"taxon_id" json:"taxon_id"`
	ScientificName *string `bun:"scientific_name" json:"scientific_name"`
	CommonName     *string `bun:"common_name" json:"common_name"`
}
