package services

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"

	"github.com/paulmach/orb/geo"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AnalysisService runs the polygon analysis: countries, tiles and species
// status inside a user-drawn area.
type AnalysisService struct {
	db          bun.IDB
	catalog     *SpeciesCatalog
	maxVertices int
	logr        *zap.Logger
}

func NewAnalysisService(db bun.IDB, catalog *SpeciesCatalog, maxVertices int, logr *zap.Logger) *AnalysisService {
	if maxVertices <= 0 {
		maxVertices = 2000
	}
	return &AnalysisService{db: db, catalog: catalog, maxVertices: maxVertices, logr: logr}
}

// AnalyzePlot intersects the polygon with the country catalog and the tile
// set, then classifies every species found.
func (s *AnalysisService) AnalyzePlot(ctx context.Context, raw json.RawMessage) (*models.PlotAnalysis, error) {
	poly, err := geometry.ParsePolygon(raw, s.maxVertices)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	p := models.Geom{Geometry: poly}

	var (
		countries []models.CountryOverlap
		aggs      []models.SpeciesAggregate
		tileCount int
	)

	g, gctx := errgroup.WithContext(ctx)
	if _, ok := s.db.(bun.Tx); ok {
		// a transaction holds one connection; its queries cannot overlap
		g.SetLimit(1)
	}
	g.Go(func() error {
		return s.db.NewRaw(`
			WITH p AS (SELECT ? AS g)
			SELECT c.id, c.name,
			       LEAST(1, COALESCE(
			           ST_Area(ST_Intersection(c.geometry, p.g)::geography)
			           / NULLIF(ST_Area(p.g::geography), 0), 0)) AS fraction
			FROM countries AS c, p
			WHERE ST_Intersects(c.geometry, p.g)
			ORDER BY c.id ASC`,
			p).
			Scan(gctx, &countries)
	})
	g.Go(func() error {
		return s.db.NewRaw(`
			WITH p AS (SELECT ? AS g)
			SELECT kv.taxon_id, SUM(kv.n::int) AS occurrences, COUNT(*) AS tile_count
			FROM tiles AS t
			CROSS JOIN p
			CROSS JOIN LATERAL jsonb_each_text(t.species_data) AS kv(taxon_id, n)
			WHERE ST_Intersects(t.geometry, p.g)
			GROUP BY kv.taxon_id`,
			p).
			Scan(gctx, &aggs)
	})
	g.Go(func() error {
		return s.db.NewRaw(`SELECT COUNT(*) FROM tiles AS t WHERE ST_Intersects(t.geometry, ?)`, p).
			Scan(gctx, &tileCount)
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.Datastore(err)
	}

	ids := make([]string, len(aggs))
	for i, a := range aggs {
		ids[i] = a.TaxonID
	}
	catalog, err := s.catalog.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := Analyze(aggs, catalog, countries, tileCount)
	out.AreaKm2 = round2(math.Abs(geo.Area(poly)) / 1e6)

	s.logr.Debug("plot analysed",
		zap.Int("countries", len(out.Countries)),
		zap.Int("species", out.Summary.TotalSpecies),
		zap.Int("tiles", tileCount),
	)
	return out, nil
}

// Analyze assembles the analysis result from the raw query outputs. Species
// absent from the catalog keep unknown status and flags.
func Analyze(aggs []models.SpeciesAggregate, catalog map[string]models.Species, countries []models.CountryOverlap, tileCount int) *models.PlotAnalysis {
	if countries == nil {
		countries = []models.CountryOverlap{}
	}
	out := &models.PlotAnalysis{
		PrimaryCountry: PrimaryCountry(countries),
		Countries:      countries,
		Species:        make([]models.AnalyzedSpecies, 0, len(aggs)),
	}

	sum := &out.Summary
	sum.TileCount = tileCount
	for _, a := range aggs {
		var sp *models.Species
		if c, ok := catalog[a.TaxonID]; ok {
			sp = &c
		}
		as := ClassifySpecies(a, sp, countries)
		out.Species = append(out.Species, as)

		sum.TotalOccurrences += a.Occurrences
		switch as.Status {
		case models.StatusNative:
			sum.Native++
		case models.StatusIntroduced:
			sum.Introduced++
		default:
			sum.Unknown++
		}
		switch as.IntactForest {
		case models.FlagYes:
			sum.IntactForest++
		case models.FlagNo:
			sum.NonIntactForest++
		default:
			sum.UnknownForest++
		}
		switch as.Commercial {
		case models.FlagYes:
			sum.Commercial++
		case models.FlagNo:
			sum.NonCommercial++
		default:
			sum.UnknownCommercial++
		}
		if as.Status == models.StatusNative && as.IntactForest == models.FlagYes {
			sum.NativeIntact++
		}
		if as.Status == models.StatusIntroduced && as.Commercial == models.FlagYes {
			sum.IntroducedCommercial++
		}
	}
	sum.TotalSpecies = len(out.Species)

	sort.SliceStable(out.Species, func(i, j int) bool {
		if out.Species[i].Occurrences != out.Species[j].Occurrences {
			return out.Species[i].Occurrences > out.Species[j].Occurrences
		}
		return out.Species[i].TaxonID < out.Species[j].TaxonID
	})
	return out
}

// ClassifySpecies weights every intersected country by its overlap fraction
// and derives the species status within the area. sp may be nil.
func ClassifySpecies(agg models.SpeciesAggregate, sp *models.Species, countries []models.CountryOverlap) models.AnalyzedSpecies {
	as := models.AnalyzedSpecies{
		TaxonID:      agg.TaxonID,
		Occurrences:  agg.Occurrences,
		TileCount:    agg.TileCount,
		Status:       models.StatusUnknown,
		IntactForest: models.FlagUnknown,
		Commercial:   models.FlagUnknown,
	}
	if sp == nil {
		return as
	}

	as.ScientificName = sp.ScientificName
	as.CommonName = sp.CommonName
	as.Family = sp.Family
	as.Genus = sp.Genus
	as.NativeSource = sp.CountriesNative.Provenance
	as.IntactForest = sp.IntactForest.Value
	as.Commercial = sp.Commercial.Value

	var native, introduced float64
	for _, c := range countries {
		if MatchesCountry(sp.CountriesNative.Value, c.Name) {
			native += c.Fraction
		}
		if MatchesCountry(sp.CountriesIntroduced.Value, c.Name) {
			introduced += c.Fraction
		}
	}
	as.NativePct = math.Min(100, round2(native*100))
	as.IntroducedPct = math.Min(100, round2(introduced*100))
	as.Status = Status(as.NativePct, as.IntroducedPct)
	return as
}

// Status applies the native/introduced precedence: native wins ties as long
// as it is non-zero.
func Status(nativePct, introducedPct float64) models.NativeStatus {
	switch {
	case nativePct > 0 && nativePct >= introducedPct:
		return models.StatusNative
	case introducedPct > nativePct:
		return models.StatusIntroduced
	default:
		return models.StatusUnknown
	}
}

// MatchesCountry reports whether country occurs, case-insensitively, inside
// any entry of a ';'-separated country list.
func MatchesCountry(list, country string) bool {
	country = strings.ToLower(strings.TrimSpace(country))
	if country == "" || list == "" {
		return false
	}
	for _, entry := range strings.Split(list, ";") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" && strings.Contains(entry, country) {
			return true
		}
	}
	return false
}

// PrimaryCountry is the country with the largest overlap. Ties keep the
// earliest country in catalog order.
func PrimaryCountry(countries []models.CountryOverlap) *models.CountryOverlap {
	var best *models.CountryOverlap
	for i := range countries {
		if best == nil || countries[i].Fraction > best.Fraction {
			best = &countries[i]
		}
	}
	if best == nil {
		return nil
	}
	c := *best
	return &c
}
