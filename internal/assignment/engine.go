// Package assignment binds every tile to at most one ecoregion in two
// sequential phases: center-point containment per ecoregion, then
// largest-overlap resolution for the tiles left over at region edges.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	PhaseContainment = "containment"
	PhaseBoundary    = "boundary"
)

type Options struct {
	BoundaryBatchSize  int
	BoundaryBatchDelay time.Duration
	EcoregionDelay     time.Duration
	ProgressEvery      int
	// SkipContainment runs only the boundary phase.
	SkipContainment bool
	// SkipBoundary runs only the containment phase.
	SkipBoundary bool
}

// Summary is the running and final report of one engine run.
type Summary struct {
	RunID string `json:"run_id"`

	Ecoregions          int `json:"ecoregions"`
	EcoregionsDone      int `json:"ecoregions_done"`
	EcoregionFailures   int `json:"ecoregion_failures"`
	ContainmentAssigned int `json:"containment_assigned"`

	BoundaryBatches  int `json:"boundary_batches"`
	BoundaryFailures int `json:"boundary_failures"`
	BoundaryScanned  int `json:"boundary_scanned"`
	BoundaryAssigned int `json:"boundary_assigned"`

	Before   Status        `json:"before"`
	After    Status        `json:"after"`
	Coverage Coverage      `json:"coverage"`
	Rate     float64       `json:"assignment_rate"`
	Duration time.Duration `json:"duration"`
	Phase    string        `json:"phase"`
	Canceled bool          `json:"canceled"`
}

// Assigned is the number of tiles bound during this run.
func (s Summary) Assigned() int { return s.ContainmentAssigned + s.BoundaryAssigned }

// Failures is the number of rolled back units.
func (s Summary) Failures() int { return s.EcoregionFailures + s.BoundaryFailures }

// Engine runs the assignment pass. It is sequential by construction: one
// unit (an ecoregion or a boundary batch) is in flight at a time, and the
// limiters pace units to cap load on the datastore.
type Engine struct {
	store Store
	opts  Options
	logr  *zap.Logger
	now   func() time.Time
}

func NewEngine(store Store, opts Options, logr *zap.Logger) *Engine {
	if opts.BoundaryBatchSize <= 0 {
		opts.BoundaryBatchSize = 100
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 10
	}
	return &Engine{store: store, opts: opts, logr: logr, now: time.Now}
}

func pacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// wait blocks for the next unit slot. A wait that would outlast the context
// deadline is reported as the deadline itself.
func wait(ctx context.Context, l *rate.Limiter) error {
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.DeadlineExceeded
	}
	return nil
}

// Run executes both phases. report, when non-nil, receives a snapshot after
// every unit. Unit failures are logged and counted; Run only returns an error
// when the context ends or the initial catalog read fails.
func (e *Engine) Run(ctx context.Context, report func(Summary)) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	start := e.now()
	logr := e.logr.With(zap.String("run_id", sum.RunID))
	emit := func() {
		sum.Duration = e.now().Sub(start)
		if report != nil {
			report(sum)
		}
	}

	before, err := e.store.Status(ctx)
	if err != nil {
		return sum, fmt.Errorf("read assignment status: %w", err)
	}
	sum.Before = before
	logr.Info("assignment started",
		zap.Int("tiles", before.Total),
		zap.Int("unassigned", before.Unassigned),
	)

	if !e.opts.SkipContainment {
		sum.Phase = PhaseContainment
		emit()
		if err := e.runContainment(ctx, logr, &sum, emit); err != nil {
			return e.finish(logr, &sum, start, err)
		}
	}
	if !e.opts.SkipBoundary {
		sum.Phase = PhaseBoundary
		emit()
		if err := e.runBoundary(ctx, logr, &sum, emit); err != nil {
			return e.finish(logr, &sum, start, err)
		}
	}

	sum.Phase = "done"
	return e.finish(logr, &sum, start, nil)
}

func (e *Engine) runContainment(ctx context.Context, logr *zap.Logger, sum *Summary, emit func()) error {
	ecoregions, err := e.store.Ecoregions(ctx)
	if err != nil {
		return fmt.Errorf("list ecoregions: %w", err)
	}
	sum.Ecoregions = len(ecoregions)
	limiter := pacer(e.opts.EcoregionDelay)
	phaseStart := e.now()

	for i, eco := range ecoregions {
		if err := wait(ctx, limiter); err != nil {
			return err
		}

		n, err := e.store.AssignByContainment(ctx, eco)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sum.EcoregionFailures++
			metrics.AssignmentUnitFailuresTotal.WithLabelValues(PhaseContainment).Inc()
			logr.Error("ecoregion rolled back",
				zap.Int("eco_id", eco.EcoID),
				zap.String("eco_name", eco.EcoName),
				zap.Error(apperr.Batch(fmt.Sprintf("ecoregion %d", eco.EcoID), err)),
			)
		} else {
			sum.ContainmentAssigned += n
			metrics.AssignedTilesTotal.WithLabelValues(PhaseContainment).Add(float64(n))
			logr.Debug("ecoregion done", zap.Int("eco_id", eco.EcoID), zap.Int("assigned", n))
		}
		sum.EcoregionsDone = i + 1

		if sum.EcoregionsDone%e.opts.ProgressEvery == 0 || sum.EcoregionsDone == sum.Ecoregions {
			logr.Info("containment progress",
				zap.Int("ecoregions_done", sum.EcoregionsDone),
				zap.Int("ecoregions", sum.Ecoregions),
				zap.Int("assigned", sum.ContainmentAssigned),
				zap.Int("failures", sum.EcoregionFailures),
				zap.Duration("elapsed", e.now().Sub(phaseStart)),
			)
		}
		emit()
	}
	return nil
}

func (e *Engine) runBoundary(ctx context.Context, logr *zap.Logger, sum *Summary, emit func()) error {
	limiter := pacer(e.opts.BoundaryBatchDelay)
	phaseStart := e.now()
	after := ""

	for {
		if err := wait(ctx, limiter); err != nil {
			return err
		}

		// Tiles that stay unassigned (no overlap, or a failed batch) are
		// behind the cursor, so every batch makes progress.
		batch, err := e.store.UnassignedAfter(ctx, after, e.opts.BoundaryBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("page unassigned tiles: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1]
		sum.BoundaryBatches++
		sum.BoundaryScanned += len(batch)

		n, err := e.store.AssignBoundaryBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sum.BoundaryFailures++
			metrics.AssignmentUnitFailuresTotal.WithLabelValues(PhaseBoundary).Inc()
			logr.Error("boundary batch rolled back",
				zap.String("first_geohash", batch[0]),
				zap.String("last_geohash", after),
				zap.Int("size", len(batch)),
				zap.Error(apperr.Batch(fmt.Sprintf("boundary batch %d", sum.BoundaryBatches), err)),
			)
		} else {
			sum.BoundaryAssigned += n
			metrics.AssignedTilesTotal.WithLabelValues(PhaseBoundary).Add(float64(n))
		}

		if sum.BoundaryBatches%e.opts.ProgressEvery == 0 {
			logr.Info("boundary progress",
				zap.Int("batches", sum.BoundaryBatches),
				zap.Int("scanned", sum.BoundaryScanned),
				zap.Int("assigned", sum.BoundaryAssigned),
				zap.Int("failures", sum.BoundaryFailures),
				zap.Duration("elapsed", e.now().Sub(phaseStart)),
			)
		}
		emit()

		if len(batch) < e.opts.BoundaryBatchSize {
			break
		}
	}
	return nil
}

func (e *Engine) finish(logr *zap.Logger, sum *Summary, start time.Time, runErr error) (Summary, error) {
	sum.Duration = e.now().Sub(start)
	if runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)) {
		sum.Canceled = true
		logr.Warn("assignment interrupted",
			zap.String("phase", sum.Phase),
			zap.Int("assigned", sum.Assigned()),
			zap.Duration("duration", sum.Duration),
		)
		return *sum, runErr
	}

	if runErr != nil {
		logr.Error("assignment aborted", zap.String("phase", sum.Phase), zap.Error(runErr))
		return *sum, runErr
	}

	// the run context may be close to its deadline
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if after, err := e.store.Status(ctx); err == nil {
		sum.After = after
		sum.Rate = after.Rate()
	} else {
		logr.Warn("final status unavailable", zap.Error(err))
	}
	if cov, err := e.store.Coverage(ctx); err == nil {
		sum.Coverage = cov
	} else {
		logr.Warn("coverage unavailable", zap.Error(err))
	}

	logr.Info("assignment finished",
		zap.Int("containment_assigned", sum.ContainmentAssigned),
		zap.Int("boundary_assigned", sum.BoundaryAssigned),
		zap.Int("ecoregion_failures", sum.EcoregionFailures),
		zap.Int("boundary_failures", sum.BoundaryFailures),
		zap.Int("total", sum.After.Total),
		zap.Int("unassigned", sum.After.Unassigned),
		zap.Float64("assignment_rate_pct", sum.Rate),
		zap.Int("distinct_ecoregions", sum.Coverage.Ecoregions),
		zap.Int("distinct_biomes", sum.Coverage.Biomes),
		zap.Int("distinct_realms", sum.Coverage.Realms),
		zap.Duration("duration", sum.Duration),
	)
	return *sum, nil
}
