package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEOHASH_LENGTH", "")
	t.Setenv("IMPORT_BATCH_SIZE", "")
	t.Setenv("BOUNDARY_BATCH_SIZE", "")
	t.Setenv("BOUNDARY_BATCH_DELAY", "")
	t.Setenv("ENVIRONMENT", "")

	cfg := Load()

	assert.Equal(t, 7, cfg.GeohashLength)
	assert.Equal(t, 1000, cfg.ImportBatchSize)
	assert.Equal(t, 100, cfg.BoundaryBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BoundaryBatchDelay)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEOHASH_LENGTH", "6")
	t.Setenv("BOUNDARY_BATCH_DELAY", "1s")
	t.Setenv("BOUNDARY_SIMPLIFY", "0.05")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ENVIRONMENT", "production")

	cfg := Load()

	assert.Equal(t, 6, cfg.GeohashLength)
	assert.Equal(t, time.Second, cfg.BoundaryBatchDelay)
	assert.InDelta(t, 0.05, cfg.BoundarySimplify, 1e-12)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.IsProduction())
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("IMPORT_BATCH_SIZE", "lots")
	t.Setenv("BOUNDARY_BATCH_DELAY", "soon")
	t.Setenv("METRICS_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 1000, cfg.ImportBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BoundaryBatchDelay)
	assert.True(t, cfg.MetricsEnabled)
}
