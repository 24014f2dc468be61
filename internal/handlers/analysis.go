package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"ecotile-bknd/internal/models"

	"go.uber.org/zap"
)

type PlotAnalyzer interface {
	AnalyzePlot(ctx context.Context, geometry json.RawMessage) (*models.PlotAnalysis, error)
}

type AnalysisHandler struct {
	responder
	service PlotAnalyzer
}

func NewAnalysisHandler(svc PlotAnalyzer, logr *zap.Logger, production bool) *AnalysisHandler {
	return &AnalysisHandler{responder: responder{logr: logr, production: production}, service: svc}
}

// AnalyzePlot runs the polygon analysis on the posted geometry.
func (h *AnalysisHandler) AnalyzePlot(w http.ResponseWriter, r *http.Request) {
	var req geometryRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err, "invalid polygon request")
		return
	}

	resp, err := h.service.AnalyzePlot(r.Context(), req.Geometry)
	if err != nil {
		h.fail(w, r, err, "failed to analyze plot")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
