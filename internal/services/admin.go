package services

import (
	"context"
	"errors"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/assignment"
	"ecotile-bknd/internal/tasks"

	"go.uber.org/zap"
)

const TaskKindAssignment = "assignment"

// ErrRunInProgress is returned when an assignment run is already active.
var ErrRunInProgress = tasks.ErrBusy

// AssignmentRunRequest selects the phases of a background run.
type AssignmentRunRequest struct {
	SkipContainment bool `json:"skip_containment"`
	SkipBoundary    bool `json:"skip_boundary"`
}

// AssignmentStatusResponse is returned by GET admin/assignment-status.
type AssignmentStatusResponse struct {
	assignment.Status
	Rate     float64             `json:"assignment_rate"`
	Coverage assignment.Coverage `json:"coverage"`
}

type statsInvalidator interface {
	InvalidateStats(ctx context.Context)
}

// AdminService starts and tracks region assignment runs in the background.
type AdminService struct {
	registry *tasks.Registry
	store    assignment.Store
	opts     assignment.Options
	stats    statsInvalidator
	logr     *zap.Logger
}

func NewAdminService(registry *tasks.Registry, store assignment.Store, opts assignment.Options, stats statsInvalidator, logr *zap.Logger) *AdminService {
	return &AdminService{registry: registry, store: store, opts: opts, stats: stats, logr: logr}
}

// StartAssignment launches a run unless one is already in flight.
func (s *AdminService) StartAssignment(req AssignmentRunRequest) (tasks.Snapshot, error) {
	if req.SkipContainment && req.SkipBoundary {
		return tasks.Snapshot{}, apperr.Validation("at least one phase must run")
	}
	opts := s.opts
	opts.SkipContainment = req.SkipContainment
	opts.SkipBoundary = req.SkipBoundary

	return s.registry.Start(TaskKindAssignment, func(ctx context.Context, progress func(any)) (any, error) {
		engine := assignment.NewEngine(s.store, opts, s.logr)
		sum, err := engine.Run(ctx, func(sum assignment.Summary) { progress(sum) })
		if sum.Assigned() > 0 && s.stats != nil {
			s.stats.InvalidateStats(context.Background())
		}
		return sum, err
	})
}

// Run returns the snapshot of one run.
func (s *AdminService) Run(id string) (tasks.Snapshot, error) {
	snap, err := s.registry.Get(id)
	return snap, taskError(err, id)
}

// Runs lists known runs, newest first.
func (s *AdminService) Runs() []tasks.Snapshot {
	return s.registry.List()
}

// CancelRun asks a run to stop after its current unit.
func (s *AdminService) CancelRun(id string) (tasks.Snapshot, error) {
	snap, err := s.registry.Cancel(id)
	return snap, taskError(err, id)
}

// DeleteRun cancels a running run or forgets a finished one. removed reports
// which of the two happened.
func (s *AdminService) DeleteRun(id string) (snap tasks.Snapshot, removed bool, err error) {
	err = s.registry.Remove(id)
	switch {
	case err == nil:
		return tasks.Snapshot{}, true, nil
	case errors.Is(err, tasks.ErrRunning):
		snap, err = s.CancelRun(id)
		return snap, false, err
	default:
		return tasks.Snapshot{}, false, taskError(err, id)
	}
}

// WaitRun blocks until the run finishes or ctx ends, then returns its latest
// snapshot.
func (s *AdminService) WaitRun(ctx context.Context, id string) (tasks.Snapshot, error) {
	snap, err := s.registry.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return s.Run(id)
	}
	return snap, taskError(err, id)
}

// AssignmentStatus reports how many tiles carry an ecoregion.
func (s *AdminService) AssignmentStatus(ctx context.Context) (*AssignmentStatusResponse, error) {
	st, err := s.store.Status(ctx)
	if err != nil {
		return nil, apperr.Datastore(err)
	}
	cov, err := s.store.Coverage(ctx)
	if err != nil {
		return nil, apperr.Datastore(err)
	}
	return &AssignmentStatusResponse{Status: st, Rate: round2(st.Rate()), Coverage: cov}, nil
}

func taskError(err error, id string) error {
	if errors.Is(err, tasks.ErrNotFound) {
		return apperr.NotFound("assignment run not found", "id", id)
	}
	return err
}
