package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/services"
	"ecotile-bknd/internal/tasks"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type AssignmentRuns interface {
	StartAssignment(req services.AssignmentRunRequest) (tasks.Snapshot, error)
	Run(id string) (tasks.Snapshot, error)
	WaitRun(ctx context.Context, id string) (tasks.Snapshot, error)
	Runs() []tasks.Snapshot
	DeleteRun(id string) (tasks.Snapshot, bool, error)
	AssignmentStatus(ctx context.Context) (*services.AssignmentStatusResponse, error)
}

// MaxRunWait caps the wait parameter of GetRun.
const MaxRunWait = time.Minute

type AdminHandler struct {
	responder
	service AssignmentRuns
}

func NewAdminHandler(svc AssignmentRuns, logr *zap.Logger, production bool) *AdminHandler {
	return &AdminHandler{responder: responder{logr: logr, production: production}, service: svc}
}

// StartRun launches a background assignment run. The body is optional.
func (h *AdminHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req services.AssignmentRunRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			h.fail(w, r, err, "invalid run request")
			return
		}
	}

	snap, err := h.service.StartAssignment(req)
	if err != nil {
		if errors.Is(err, services.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "an assignment run is already in progress"})
			return
		}
		h.fail(w, r, err, "failed to start assignment run")
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+snap.ID)
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *AdminHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.service.Runs()})
}

// GetRun returns one run. With wait=<duration> it holds the request until
// the run finishes or the wait elapses.
func (h *AdminHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wait, err := runWait(r.URL.Query().Get("wait"))
	if err != nil {
		h.fail(w, r, err, "invalid run query")
		return
	}

	var snap tasks.Snapshot
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		snap, err = h.service.WaitRun(ctx, id)
	} else {
		snap, err = h.service.Run(id)
	}
	if err != nil {
		h.fail(w, r, err, "failed to load assignment run")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func runWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, apperr.Validation("wait must be a non-negative duration", "wait", raw)
	}
	return min(d, MaxRunWait), nil
}

// DeleteRun cancels a running run, which stops after its current unit, or
// forgets a finished one.
func (h *AdminHandler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	snap, removed, err := h.service.DeleteRun(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "failed to delete assignment run")
		return
	}
	if removed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.AssignmentStatus(r.Context())
	if err != nil {
		h.fail(w, r, err, "failed to load assignment status")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
