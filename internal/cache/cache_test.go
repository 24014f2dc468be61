package cache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"ecotile-bknd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSpeciesLookupLoadsOnlyMisses(t *testing.T) {
	c := NewSpeciesCache(time.Minute)
	var calls [][]string
	load := func(_ context.Context, ids []string) ([]models.Species, error) {
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		calls = append(calls, sorted)
		var out []models.Species
		for _, id := range ids {
			if id == "ghost" {
				continue
			}
			out = append(out, models.Species{TaxonID: id, ScientificName: "sp " + id})
		}
		return out, nil
	}

	got, err := c.Lookup(context.Background(), []string{"A", "B", "ghost", "A"}, load)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "sp A", got["A"].ScientificName)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"A", "B", "ghost"}, calls[0])

	got, err = c.Lookup(context.Background(), []string{"A", "ghost", "C"}, load)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"C"}, calls[1])

	_, found, ok := c.Get("ghost")
	assert.True(t, ok)
	assert.False(t, found)
}

func TestSpeciesLookupPropagatesLoaderError(t *testing.T) {
	c := NewSpeciesCache(time.Minute)
	_, err := c.Lookup(context.Background(), []string{"A"}, func(context.Context, []string) ([]models.Species, error) {
		return nil, errors.New("db down")
	})
	require.Error(t, err)

	_, _, ok := c.Get("A")
	assert.False(t, ok, "failures must not be cached as misses")
}

func TestSpeciesFlush(t *testing.T) {
	c := NewSpeciesCache(time.Minute)
	c.Set(models.Species{TaxonID: "A"})
	assert.Equal(t, 1, c.Len())
	c.Flush()
	assert.Zero(t, c.Len())
}

func TestRememberWithoutRedis(t *testing.T) {
	r := NewResponses(nil, time.Minute, zap.NewNop())
	assert.False(t, r.Enabled())

	calls := 0
	compute := func(context.Context) ([]int, error) {
		calls++
		return []int{1, 2}, nil
	}
	for i := 0; i < 2; i++ {
		v, err := Remember(context.Background(), r, "stats", compute)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, v)
	}
	assert.Equal(t, 2, calls)

	r.Invalidate(context.Background(), "stats")
}

func TestOpenRedisDisabled(t *testing.T) {
	rc, err := OpenRedis(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, rc)

	_, err = OpenRedis(context.Background(), "not a url")
	assert.Error(t, err)
}
