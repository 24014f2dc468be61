package services

import (
	"context"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/cache"
	"ecotile-bknd/internal/models"

	"github.com/uptrace/bun"
)

// SpeciesCatalog reads the external species table, resolving human/AI
// column pairs once per row and memoizing the result.
type SpeciesCatalog struct {
	db    bun.IDB
	cache *cache.SpeciesCache
}

func NewSpeciesCatalog(db bun.IDB, c *cache.SpeciesCache) *SpeciesCatalog {
	return &SpeciesCatalog{db: db, cache: c}
}

// Lookup returns the catalog entries for taxonIDs keyed by taxon id. Taxa
// missing from the catalog are absent from the map.
func (c *SpeciesCatalog) Lookup(ctx context.Context, taxonIDs []string) (map[string]models.Species, error) {
	if len(taxonIDs) == 0 {
		return map[string]models.Species{}, nil
	}
	return c.cache.Lookup(ctx, taxonIDs, c.load)
}

func (c *SpeciesCatalog) load(ctx context.Context, taxonIDs []string) ([]models.Species, error) {
	var rows []models.SpeciesRow
	err := c.db.NewSelect().
		TableExpr("species AS s").
		Column("s.taxon_id", "s.scientific_name", "s.common_name", "s.family", "s.genus",
			"s.countries_native_human", "s.countries_native_ai",
			"s.countries_introduced_human", "s.countries_introduced_ai",
			"s.commercial_human", "s.commercial_ai",
			"s.intact_forest_human", "s.intact_forest_ai").
		Where("s.taxon_id IN (?)", bun.In(taxonIDs)).
		Scan(ctx, &rows)
	if err != nil {
		return nil, apperr.Datastore(err)
	}

	out := make([]models.Species, len(rows))
	for i, r := range rows {
		out[i] = r.ToSpecies()
	}
	return out, nil
}
