// Package importer streams tile files into the tile store in bounded batches.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/metrics"
	"ecotile-bknd/internal/models"
	"ecotile-bknd/internal/tilestore"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Upserter writes one batch of normalized tiles.
type Upserter interface {
	UpsertTiles(ctx context.Context, tiles []models.Tile) (int, error)
}

type Options struct {
	BatchSize     int
	GeohashLength int
	// DataSource is applied to records that carry none.
	DataSource string
	// ProgressEvery logs a progress line every N batches; 0 disables it.
	ProgressEvery int
}

// Stats is the report of one import run.
type Stats struct {
	RunID         string        `json:"run_id"`
	Read          int           `json:"read"`
	Upserted      int           `json:"upserted"`
	Malformed     int           `json:"malformed"`
	Mismatched    int           `json:"mismatched"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	Duration      time.Duration `json:"duration"`
}

type Importer struct {
	store Upserter
	opts  Options
	logr  *zap.Logger
	now   func() time.Time
}

func New(store Upserter, opts Options, logr *zap.Logger) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	return &Importer{store: store, opts: opts, logr: logr, now: time.Now}
}

// ImportFile opens path (optionally .zst or .gz compressed) and imports it.
// An empty format is inferred from the file name.
func (im *Importer) ImportFile(ctx context.Context, path string, format Format) (Stats, error) {
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return Stats{}, apperr.Validation(err.Error(), "path", path)
		}
		format = f
	}

	rc, err := OpenFile(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer rc.Close()

	return im.Import(ctx, rc, format)
}

// Import streams records from r, normalizing each one and upserting them in
// batches of Options.BatchSize. Malformed records and failed batches are
// logged and counted without stopping the run; the returned error is non-nil
// when the input itself could not be read, the context was cancelled, or at
// least one batch failed.
func (im *Importer) Import(ctx context.Context, r io.Reader, format Format) (Stats, error) {
	rr, err := NewRecordReader(r, format)
	if err != nil {
		return Stats{}, apperr.Validation(err.Error())
	}

	stats := Stats{RunID: uuid.NewString()}
	start := im.now()
	processedAt := start.UTC()
	logr := im.logr.With(zap.String("run_id", stats.RunID))
	logr.Info("import started", zap.String("format", string(format)), zap.Int("batch_size", im.opts.BatchSize))

	batch := make([]models.Tile, 0, im.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		stats.Batches++
		n, err := im.store.UpsertTiles(ctx, batch)
		if err != nil {
			stats.FailedBatches++
			metrics.ImportBatchesTotal.WithLabelValues("failed").Inc()
			logr.Error("import batch failed",
				zap.Error(apperr.Batch(fmt.Sprintf("import batch %d", stats.Batches), err)),
				zap.String("first_geohash", batch[0].Geohash),
				zap.Int("size", len(batch)),
			)
		} else {
			stats.Upserted += n
			metrics.ImportBatchesTotal.WithLabelValues("ok").Inc()
			metrics.ImportRecordsTotal.WithLabelValues("upserted").Add(float64(n))
		}
		if im.opts.ProgressEvery > 0 && stats.Batches%im.opts.ProgressEvery == 0 {
			logr.Info("import progress",
				zap.Int("read", stats.Read),
				zap.Int("upserted", stats.Upserted),
				zap.Int("malformed", stats.Malformed),
				zap.Duration("elapsed", im.now().Sub(start)),
			)
		}
		batch = batch[:0]
	}

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}

		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, apperr.ErrMalformed) {
				stats.Read++
				stats.Malformed++
				metrics.ImportRecordsTotal.WithLabelValues("malformed").Inc()
				logr.Warn("skipping malformed record", zap.Error(err))
				continue
			}
			readErr = fmt.Errorf("read input: %w", err)
			break
		}
		stats.Read++

		if rec.DataSource == "" {
			rec.DataSource = im.opts.DataSource
		}
		tile, mismatches, err := tilestore.Normalize(rec, im.opts.GeohashLength, processedAt)
		if err != nil {
			stats.Malformed++
			metrics.ImportRecordsTotal.WithLabelValues("malformed").Inc()
			logr.Warn("skipping malformed record", zap.Int("line", rec.Line), zap.Error(err))
			continue
		}
		if len(mismatches) > 0 {
			stats.Mismatched++
			metrics.ImportRecordsTotal.WithLabelValues("mismatched").Inc()
			tilestore.LogMismatches(logr.With(zap.Int("line", rec.Line)), mismatches)
		}

		batch = append(batch, tile)
		if len(batch) >= im.opts.BatchSize {
			flush()
		}
	}
	if readErr == nil {
		flush()
	}

	stats.Duration = im.now().Sub(start)
	logr.Info("import finished",
		zap.Int("read", stats.Read),
		zap.Int("upserted", stats.Upserted),
		zap.Int("malformed", stats.Malformed),
		zap.Int("mismatched", stats.Mismatched),
		zap.Int("batches", stats.Batches),
		zap.Int("failed_batches", stats.FailedBatches),
		zap.Duration("duration", stats.Duration),
	)

	if readErr != nil {
		return stats, readErr
	}
	if stats.FailedBatches > 0 {
		return stats, apperr.Batch("import", fmt.Errorf("%d of %d batches failed", stats.FailedBatches, stats.Batches))
	}
	return stats, nil
}
