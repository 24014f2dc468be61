package services

import (
	"testing"

	"ecotile-bknd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func human(v string) models.Sourced[string] {
	return models.Sourced[string]{Value: v, Provenance: models.ProvenanceHuman}
}

func flag(v models.FlagValue) models.Sourced[models.FlagValue] {
	return models.Sourced[models.FlagValue]{Value: v, Provenance: models.ProvenanceAI}
}

func TestMatchesCountry(t *testing.T) {
	tests := []struct {
		list, country string
		want          bool
	}{
		{"Brazil; Peru", "peru", true},
		{"Brazil;Peru", "Brazil", true},
		{"Democratic Republic of the Congo", "Congo", true},
		{"Brazil; Peru", "Chile", false},
		{"", "Peru", false},
		{"Brazil", "", false},
		{" ; ;", "Peru", false},
		// substring matching: "Niger" is found inside "Nigeria"
		{"Nigeria", "Niger", true},
	}
	for _, tt := range tests {
		t.Run(tt.list+"/"+tt.country, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesCountry(tt.list, tt.country))
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, models.StatusNative, Status(50, 50))
	assert.Equal(t, models.StatusNative, Status(100, 0))
	assert.Equal(t, models.StatusIntroduced, Status(20, 80))
	assert.Equal(t, models.StatusUnknown, Status(0, 0))
}

func TestClassifySpeciesWeightsByOverlap(t *testing.T) {
	countries := []models.CountryOverlap{
		{ID: 1, Name: "Brazil", Fraction: 0.7},
		{ID: 2, Name: "Peru", Fraction: 0.3},
	}
	sp := &models.Species{
		TaxonID:             "A",
		ScientificName:      "Swietenia macrophylla",
		CountriesNative:     human("Brazil; Bolivia"),
		CountriesIntroduced: human("Peru"),
		IntactForest:        flag(models.FlagYes),
		Commercial:          flag(models.FlagNo),
	}

	got := ClassifySpecies(models.SpeciesAggregate{TaxonID: "A", Occurrences: 9, TileCount: 2}, sp, countries)
	assert.Equal(t, 70.0, got.NativePct)
	assert.Equal(t, 30.0, got.IntroducedPct)
	assert.Equal(t, models.StatusNative, got.Status)
	assert.Equal(t, models.ProvenanceHuman, got.NativeSource)
	assert.Equal(t, models.FlagYes, got.IntactForest)
	assert.Equal(t, models.FlagNo, got.Commercial)
	assert.Equal(t, 9, got.Occurrences)
}

func TestClassifySpeciesSingleCountryIsAllOrNothing(t *testing.T) {
	countries := []models.CountryOverlap{{ID: 1, Name: "Kenya", Fraction: 1}}
	native := &models.Species{TaxonID: "A", CountriesNative: human("Kenya")}
	absent := &models.Species{TaxonID: "B", CountriesNative: human("Chile")}

	assert.Equal(t, 100.0, ClassifySpecies(models.SpeciesAggregate{TaxonID: "A"}, native, countries).NativePct)
	assert.Equal(t, 0.0, ClassifySpecies(models.SpeciesAggregate{TaxonID: "B"}, absent, countries).NativePct)
}

func TestClassifySpeciesWithoutCatalogEntry(t *testing.T) {
	got := ClassifySpecies(models.SpeciesAggregate{TaxonID: "Z", Occurrences: 1}, nil,
		[]models.CountryOverlap{{Name: "Kenya", Fraction: 1}})
	assert.Equal(t, models.StatusUnknown, got.Status)
	assert.Equal(t, models.FlagUnknown, got.IntactForest)
	assert.Equal(t, models.FlagUnknown, got.Commercial)
	assert.Empty(t, got.ScientificName)
}

func TestPrimaryCountry(t *testing.T) {
	assert.Nil(t, PrimaryCountry(nil))

	countries := []models.CountryOverlap{
		{ID: 3, Name: "Peru", Fraction: 0.4},
		{ID: 5, Name: "Brazil", Fraction: 0.4},
		{ID: 7, Name: "Bolivia", Fraction: 0.2},
	}
	got := PrimaryCountry(countries)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.ID, "ties keep catalog order")

	got.Name = "changed"
	assert.Equal(t, "Peru", countries[0].Name)
}

func TestAnalyzeSummary(t *testing.T) {
	countries := []models.CountryOverlap{{ID: 1, Name: "Kenya", Fraction: 1}}
	catalog := map[string]models.Species{
		"A": {TaxonID: "A", CountriesNative: human("Kenya"), IntactForest: flag(models.FlagYes), Commercial: flag(models.FlagNo)},
		"B": {TaxonID: "B", CountriesIntroduced: human("Kenya"), IntactForest: flag(models.FlagNo), Commercial: flag(models.FlagYes)},
	}
	aggs := []models.SpeciesAggregate{
		{TaxonID: "B", Occurrences: 3, TileCount: 1},
		{TaxonID: "C", Occurrences: 5, TileCount: 2},
		{TaxonID: "A", Occurrences: 15, TileCount: 2},
	}

	out := Analyze(aggs, catalog, countries, 2)
	require.Len(t, out.Species, 3)
	assert.Equal(t, []string{"A", "C", "B"}, []string{out.Species[0].TaxonID, out.Species[1].TaxonID, out.Species[2].TaxonID})

	s := out.Summary
	assert.Equal(t, 3, s.TotalSpecies)
	assert.Equal(t, 23, s.TotalOccurrences)
	assert.Equal(t, 2, s.TileCount)
	assert.Equal(t, 1, s.Native)
	assert.Equal(t, 1, s.Introduced)
	assert.Equal(t, 1, s.Unknown)
	assert.Equal(t, 1, s.IntactForest)
	assert.Equal(t, 1, s.NonIntactForest)
	assert.Equal(t, 1, s.UnknownForest)
	assert.Equal(t, 1, s.Commercial)
	assert.Equal(t, 1, s.NonCommercial)
	assert.Equal(t, 1, s.UnknownCommercial)
	assert.Equal(t, 1, s.NativeIntact)
	assert.Equal(t, 1, s.IntroducedCommercial)
	require.NotNil(t, out.PrimaryCountry)
	assert.Equal(t, "Kenya", out.PrimaryCountry.Name)
}

func TestAnalyzeEmpty(t *testing.T) {
	out := Analyze(nil, nil, nil, 0)
	assert.NotNil(t, out.Species)
	assert.NotNil(t, out.Countries)
	assert.Nil(t, out.PrimaryCountry)
	assert.Zero(t, out.Summary.TotalSpecies)
}

func TestCoveragePct(t *testing.T) {
	assert.Equal(t, 0.0, CoveragePct(5, 0))
	assert.Equal(t, 25.0, CoveragePct(1, 4))
	assert.Equal(t, 100.0, CoveragePct(4.0001, 4))
	assert.Equal(t, 33.33, CoveragePct(1, 3))
}
