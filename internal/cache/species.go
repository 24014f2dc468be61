// Package cache holds the in-process species catalog cache and the optional
// Redis cache for expensive, slowly changing responses.
package cache

import (
	"context"
	"time"

	"ecotile-bknd/internal/metrics"
	"ecotile-bknd/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

// SpeciesLoader fetches catalog entries for the given taxon ids. Ids absent
// from the catalog are simply missing from the result.
type SpeciesLoader func(ctx context.Context, taxonIDs []string) ([]models.Species, error)

// SpeciesCache memoizes resolved catalog rows, including misses, so repeated
// lookups of the same taxa do not hit the database.
type SpeciesCache struct {
	c *gocache.Cache
}

type speciesEntry struct {
	species models.Species
	found   bool
}

func NewSpeciesCache(ttl time.Duration) *SpeciesCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SpeciesCache{c: gocache.New(ttl, ttl*2)}
}

// Get returns a cached entry. ok is false on a cache miss; found is false
// when the taxon is cached as absent from the catalog.
func (s *SpeciesCache) Get(taxonID string) (sp models.Species, found, ok bool) {
	v, hit := s.c.Get(taxonID)
	if !hit {
		return models.Species{}, false, false
	}
	e := v.(speciesEntry)
	return e.species, e.found, true
}

func (s *SpeciesCache) Set(sp models.Species) {
	s.c.Set(sp.TaxonID, speciesEntry{species: sp, found: true}, gocache.DefaultExpiration)
}

func (s *SpeciesCache) setMissing(taxonID string) {
	s.c.Set(taxonID, speciesEntry{}, gocache.DefaultExpiration)
}

// Lookup resolves taxonIDs from the cache, loading the misses in one call.
// The result only contains taxa present in the catalog.
func (s *SpeciesCache) Lookup(ctx context.Context, taxonIDs []string, load SpeciesLoader) (map[string]models.Species, error) {
	out := make(map[string]models.Species, len(taxonIDs))
	var missing []string
	seen := make(map[string]struct{}, len(taxonIDs))

	for _, id := range taxonIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		sp, found, ok := s.Get(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		if found {
			out[id] = sp
		}
	}
	metrics.CacheLookupsTotal.WithLabelValues("species", "hit").Add(float64(len(seen) - len(missing)))
	if len(missing) == 0 {
		return out, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("species", "miss").Add(float64(len(missing)))

	loaded, err := load(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, sp := range loaded {
		s.Set(sp)
		out[sp.TaxonID] = sp
	}
	for _, id := range missing {
		if _, ok := out[id]; !ok {
			s.setMissing(id)
		}
	}
	return out, nil
}

// Flush drops every entry.
func (s *SpeciesCache) Flush() { s.c.Flush() }

// Len is the number of cached entries, expired ones included until cleanup.
func (s *SpeciesCache) Len() int { return s.c.ItemCount() }
