package assignment

import (
	"context"
	"testing"

	"ecotile-bknd/internal/database/dbtest"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"
	"ecotile-bknd/internal/tilestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// assignmentFixture lays ecoregions out relative to derived tile bounds:
//   - inside: tile fully within ecoregion 1
//   - edge: center outside every ecoregion; 2 covers the bottom quarter, 5 the top tenth
//   - split: center on the shared edge of 3 (bottom half) and 4 (top half)
//   - lone: touches nothing
type assignmentFixture struct {
	inside, edge, split, lone string
}

func seedAssignment(t *testing.T, tx bun.Tx) assignmentFixture {
	t.Helper()
	ctx := context.Background()
	f := assignmentFixture{
		inside: geometry.Encode(0.30, 0.30, 7),
		edge:   geometry.Encode(0.40, 0.40, 7),
		split:  geometry.Encode(0.50, 0.50, 7),
		lone:   geometry.Encode(0.60, 0.60, 7),
	}

	store := tilestore.New(tx, 7, zap.NewNop())
	for _, gh := range []string{f.inside, f.edge, f.split, f.lone} {
		_, err := store.UpsertTile(ctx, models.TileRecord{Geohash: gh, SpeciesData: map[string]int{"A": 1}})
		require.NoError(t, err)
	}

	const pad = 0.001
	in := geometry.TileBound(f.inside)
	dbtest.InsertEcoregion(t, tx, 1, "Inside", dbtest.Rect(in.Min[0]-pad, in.Min[1]-pad, in.Max[0]+pad, in.Max[1]+pad))

	e := geometry.TileBound(f.edge)
	h := e.Max[1] - e.Min[1]
	dbtest.InsertEcoregion(t, tx, 5, "EdgeTop", dbtest.Rect(e.Min[0]-pad, e.Max[1]-h/10, e.Max[0]+pad, e.Max[1]+pad))
	dbtest.InsertEcoregion(t, tx, 2, "EdgeBottom", dbtest.Rect(e.Min[0]-pad, e.Min[1]-pad, e.Max[0]+pad, e.Min[1]+h/4))

	s := geometry.TileBound(f.split)
	mid := (s.Min[1] + s.Max[1]) / 2
	// higher id inserted first so row order differs from eco_id order
	dbtest.InsertEcoregion(t, tx, 4, "SplitTop", dbtest.Rect(s.Min[0]-pad, mid, s.Max[0]+pad, s.Max[1]+pad))
	dbtest.InsertEcoregion(t, tx, 3, "SplitBottom", dbtest.Rect(s.Min[0]-pad, s.Min[1]-pad, s.Max[0]+pad, mid))
	return f
}

func ecoIDOf(t *testing.T, tx bun.Tx, gh string) *int {
	t.Helper()
	tile, err := tilestore.New(tx, 7, zap.NewNop()).Get(context.Background(), gh)
	require.NoError(t, err)
	return tile.EcoID
}

func TestPGStoreEngineRunAndRerun(t *testing.T) {
	tx := dbtest.OpenTx(t)
	f := seedAssignment(t, tx)
	ctx := context.Background()

	engine := NewEngine(NewPGStore(tx), Options{BoundaryBatchSize: 2}, zap.NewNop())
	sum, err := engine.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ContainmentAssigned)
	assert.Equal(t, 2, sum.BoundaryAssigned)
	assert.Zero(t, sum.Failures())
	assert.Equal(t, 4, sum.After.Total)
	assert.Equal(t, 1, sum.After.Unassigned)

	want := map[string]int{f.inside: 1, f.edge: 2, f.split: 3}
	for gh, id := range want {
		got := ecoIDOf(t, tx, gh)
		if assert.NotNil(t, got, gh) {
			assert.Equal(t, id, *got, gh)
		}
	}
	assert.Nil(t, ecoIDOf(t, tx, f.lone))

	// a second pass over the same data assigns nothing and changes nothing
	again, err := engine.Run(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, again.Assigned())
	for gh, id := range want {
		assert.Equal(t, id, *ecoIDOf(t, tx, gh), gh)
	}
}

func TestPGStoreContainmentSkipsAssignedTiles(t *testing.T) {
	tx := dbtest.OpenTx(t)
	f := seedAssignment(t, tx)
	ctx := context.Background()
	store := NewPGStore(tx)

	eco := models.EcoregionRef{EcoID: 1}
	n, err := store.AssignByContainment(ctx, eco)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.AssignByContainment(ctx, eco)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.AssignBoundaryBatch(ctx, []string{f.inside})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPGStoreBoundaryTieBreakIsStable(t *testing.T) {
	tx := dbtest.OpenTx(t)
	f := seedAssignment(t, tx)
	ctx := context.Background()
	store := NewPGStore(tx)

	for i := 0; i < 2; i++ {
		_, err := tx.NewUpdate().Model((*models.Tile)(nil)).
			Set("eco_id = NULL, eco_name = NULL, biome_name = NULL, realm = NULL").
			Where("geohash = ?", f.split).
			Exec(ctx)
		require.NoError(t, err)

		n, err := store.AssignBoundaryBatch(ctx, []string{f.split, f.lone})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 3, *ecoIDOf(t, tx, f.split))
	}

	unassigned, err := store.UnassignedAfter(ctx, "", 10)
	require.NoError(t, err)
	assert.Contains(t, unassigned, f.lone)
	assert.NotContains(t, unassigned, f.split)
}
