package assignment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memEcoregion struct {
	ref  models.EcoregionRef
	poly orb.Polygon
}

// memStore is an in-memory Store with the same unit semantics as PGStore.
type memStore struct {
	mu         sync.Mutex
	ecoregions []memEcoregion
	tiles      map[string]*models.EcoregionRef

	failEco      map[int]bool
	failBoundary map[string]bool
	assignCalls  map[string]int
	onContain    func(eco int)
}

func newMemStore(ecos []memEcoregion, geohashes ...string) *memStore {
	s := &memStore{
		ecoregions:   ecos,
		tiles:        map[string]*models.EcoregionRef{},
		failEco:      map[int]bool{},
		failBoundary: map[string]bool{},
		assignCalls:  map[string]int{},
	}
	sort.Slice(s.ecoregions, func(i, j int) bool { return s.ecoregions[i].ref.EcoID < s.ecoregions[j].ref.EcoID })
	for _, gh := range geohashes {
		s.tiles[gh] = nil
	}
	return s
}

func (s *memStore) Ecoregions(context.Context) ([]models.EcoregionRef, error) {
	out := make([]models.EcoregionRef, 0, len(s.ecoregions))
	for _, e := range s.ecoregions {
		out = append(out, e.ref)
	}
	return out, nil
}

func (s *memStore) AssignByContainment(_ context.Context, eco models.EcoregionRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onContain != nil {
		s.onContain(eco.EcoID)
	}
	if s.failEco[eco.EcoID] {
		return 0, errors.New("invalid polygon")
	}
	var poly orb.Polygon
	for _, e := range s.ecoregions {
		if e.ref.EcoID == eco.EcoID {
			poly = e.poly
		}
	}
	n := 0
	for gh, ref := range s.tiles {
		if ref != nil {
			continue
		}
		if planar.PolygonContains(poly, geometry.TileCenter(gh)) {
			r := eco
			s.tiles[gh] = &r
			s.assignCalls[gh]++
			n++
		}
	}
	return n, nil
}

func (s *memStore) UnassignedAfter(_ context.Context, after string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for gh, ref := range s.tiles {
		if ref == nil && gh > after {
			out = append(out, gh)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) candidates(gh string) []Candidate {
	bound := geometry.TileBound(gh)
	var out []Candidate
	for _, e := range s.ecoregions {
		clipped := clip.Polygon(bound, e.poly.Clone())
		if len(clipped) == 0 {
			continue
		}
		out = append(out, Candidate{EcoregionRef: e.ref, Geohash: gh, Area: planar.Area(clipped)})
	}
	return out
}

func (s *memStore) AssignBoundaryBatch(_ context.Context, geohashes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gh := range geohashes {
		if s.failBoundary[gh] {
			return 0, errors.New("statement timeout")
		}
	}
	n := 0
	for _, gh := range geohashes {
		if s.tiles[gh] != nil {
			continue
		}
		best, ok := SelectPrimary(s.candidates(gh))
		if !ok {
			continue
		}
		r := best.EcoregionRef
		s.tiles[gh] = &r
		s.assignCalls[gh]++
		n++
	}
	return n, nil
}

func (s *memStore) Status(context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Total: len(s.tiles)}
	for _, ref := range s.tiles {
		if ref != nil {
			st.Assigned++
		}
	}
	st.Unassigned = st.Total - st.Assigned
	return st, nil
}

func (s *memStore) Coverage(context.Context) (Coverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ecos, biomes, realms := map[int]bool{}, map[string]bool{}, map[string]bool{}
	for _, ref := range s.tiles {
		if ref == nil {
			continue
		}
		ecos[ref.EcoID] = true
		biomes[ref.BiomeName] = true
		realms[ref.Realm] = true
	}
	return Coverage{Ecoregions: len(ecos), Biomes: len(biomes), Realms: len(realms)}, nil
}

func (s *memStore) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for gh, ref := range s.tiles {
		if ref != nil {
			out[gh] = ref.EcoID
		} else {
			out[gh] = 0
		}
	}
	return out
}

func rect(minLng, minLat, maxLng, maxLat float64) orb.Polygon {
	return orb.Bound{Min: orb.Point{minLng, minLat}, Max: orb.Point{maxLng, maxLat}}.ToPolygon()
}

func eco(id int, biome, realm string, poly orb.Polygon) memEcoregion {
	return memEcoregion{
		ref:  models.EcoregionRef{EcoID: id, EcoName: "eco", BiomeName: biome, Realm: realm},
		poly: poly,
	}
}

// fixture builds two ecoregions with a thin gap between them that contains
// the center of one tile, a second tile well inside the eastern region and a
// third tile outside both.
func fixture() (*memStore, string, string) {
	inside := "dr5ru6j"
	b := geometry.TileBound(inside)
	c := geometry.TileCenter(inside)

	// west only clips the tile's western edge
	west := eco(10, "Temperate Forests", "Nearctic", rect(b.Min[0]-1, b.Min[1]-1, b.Min[0]+0.0001, b.Max[1]+1))
	east := eco(20, "Temperate Grasslands", "Nearctic", rect(c[0]+1e-6, b.Min[1]-1, b.Max[0]+1, b.Max[1]+1))

	far := geometry.Encode(c[1], c[0]+0.5, 7)
	return newMemStore([]memEcoregion{east, west}, inside, far, "s00twy0"), inside, far
}

func testOptions() Options {
	return Options{BoundaryBatchSize: 2, ProgressEvery: 1}
}

func TestRunAssignsBothPhases(t *testing.T) {
	store, boundaryTile, far := fixture()
	engine := NewEngine(store, testOptions(), zap.NewNop())

	var snapshots []Summary
	sum, err := engine.Run(context.Background(), func(s Summary) { snapshots = append(snapshots, s) })
	require.NoError(t, err)

	got := store.snapshot()
	// the center lies in the gap, so containment misses it and the
	// boundary phase picks the larger overlap
	assert.Equal(t, 20, got[boundaryTile])
	assert.Equal(t, 20, got[far])
	assert.Equal(t, 0, got["s00twy0"])

	assert.Equal(t, 1, sum.ContainmentAssigned)
	assert.Equal(t, 1, sum.BoundaryAssigned)
	assert.Equal(t, 2, sum.Ecoregions)
	assert.Equal(t, 3, sum.After.Total)
	assert.Equal(t, 1, sum.After.Unassigned)
	assert.InDelta(t, 66.67, sum.Rate, 0.01)
	assert.Equal(t, 1, sum.Coverage.Ecoregions)
	assert.Equal(t, "done", sum.Phase)
	assert.NotEmpty(t, snapshots)
}

func TestRunIsIdempotent(t *testing.T) {
	store, _, _ := fixture()
	engine := NewEngine(store, testOptions(), zap.NewNop())

	_, err := engine.Run(context.Background(), nil)
	require.NoError(t, err)
	first := store.snapshot()

	sum, err := engine.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, first, store.snapshot())
	assert.Zero(t, sum.Assigned())

	for gh, calls := range store.assignCalls {
		assert.LessOrEqual(t, calls, 1, gh)
	}
}

func TestRunIsolatesUnitFailures(t *testing.T) {
	store, boundaryTile, far := fixture()
	store.failEco[20] = true
	store.failBoundary[boundaryTile] = true

	engine := NewEngine(store, testOptions(), zap.NewNop())
	sum, err := engine.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.EcoregionFailures)
	assert.Equal(t, 1, sum.BoundaryFailures)
	assert.Equal(t, 2, sum.Failures())
	assert.Equal(t, 2, sum.EcoregionsDone)

	got := store.snapshot()
	assert.Equal(t, 0, got[boundaryTile])
	// the failed containment unit is retried by the boundary phase only
	// when the batch itself succeeds
	assert.Equal(t, 0, got[far])

	// a rerun after the fault clears resumes the remaining work
	store.failEco = map[int]bool{}
	store.failBoundary = map[string]bool{}
	_, err = engine.Run(context.Background(), nil)
	require.NoError(t, err)
	got = store.snapshot()
	assert.Equal(t, 20, got[boundaryTile])
	assert.Equal(t, 20, got[far])
}

func TestRunStopsOnCancel(t *testing.T) {
	store, _, _ := fixture()
	ctx, cancel := context.WithCancel(context.Background())
	store.onContain = func(int) { cancel() }

	engine := NewEngine(store, Options{EcoregionDelay: time.Hour}, zap.NewNop())
	sum, err := engine.Run(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Canceled)
	assert.Equal(t, PhaseContainment, sum.Phase)
	assert.Equal(t, 1, sum.EcoregionsDone)
}

func TestSelectPrimaryTieBreak(t *testing.T) {
	cands := []Candidate{
		{EcoregionRef: models.EcoregionRef{EcoID: 3}, Area: 0.5},
		{EcoregionRef: models.EcoregionRef{EcoID: 7}, Area: 0.8},
		{EcoregionRef: models.EcoregionRef{EcoID: 9}, Area: 0.8},
	}
	for i := 0; i < 5; i++ {
		best, ok := SelectPrimary(cands)
		require.True(t, ok)
		assert.Equal(t, 7, best.EcoID)
	}

	_, ok := SelectPrimary(nil)
	assert.False(t, ok)

	_, ok = SelectPrimary([]Candidate{{Area: 0}})
	assert.False(t, ok)
}

func TestGroupByGeohash(t *testing.T) {
	groups := groupByGeohash([]Candidate{
		{Geohash: "a"}, {Geohash: "a"}, {Geohash: "b"}, {Geohash: "c"}, {Geohash: "c"},
	})
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Len(t, groups[2], 2)
}

func TestStatusRate(t *testing.T) {
	assert.Zero(t, Status{}.Rate())
	assert.InDelta(t, 25.0, Status{Total: 4, Assigned: 1}.Rate(), 1e-9)
}
