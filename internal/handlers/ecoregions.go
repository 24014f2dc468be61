package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"
	"ecotile-bknd/internal/services"
	"ecotile-bknd/internal/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type EcoregionQueries interface {
	Species(ctx context.Context, ecoID, limit, offset int) (*models.EcoregionSpeciesResponse, error)
	At(ctx context.Context, lat, lng float64) (*models.EcoregionAtResponse, error)
	Intersecting(ctx context.Context, geometry json.RawMessage) (*models.EcoregionIntersectResponse, error)
	Stats(ctx context.Context) ([]models.EcoregionStat, error)
	Boundaries(ctx context.Context, box *geometry.BBox, tolerance float64) (*models.FeatureCollection, error)
}

type Exporter interface {
	Export(ctx context.Context, ecoID int, format string, tolerance float64) (*services.ExportFile, error)
}

type EcoregionHandler struct {
	responder
	service  EcoregionQueries
	exporter Exporter
}

func NewEcoregionHandler(svc EcoregionQueries, exp Exporter, logr *zap.Logger, production bool) *EcoregionHandler {
	return &EcoregionHandler{responder: responder{logr: logr, production: production}, service: svc, exporter: exp}
}

// geometryRequest is the body of the polygon endpoints.
type geometryRequest struct {
	Geometry json.RawMessage `json:"geometry" validate:"required"`
}

func ecoIDParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "ecoID")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return 0, apperr.Validation("eco_id must be a non-negative integer", "eco_id", raw)
	}
	return id, nil
}

// Species pages the species aggregated over an ecoregion's tiles.
func (h *EcoregionHandler) Species(w http.ResponseWriter, r *http.Request) {
	ecoID, err := ecoIDParam(r)
	if err != nil {
		h.fail(w, r, err, "invalid ecoregion id")
		return
	}
	q := r.URL.Query()
	limit, err := utils.QueryInt(q, "limit", 0)
	if err != nil {
		h.fail(w, r, err, "invalid pagination")
		return
	}
	offset, err := utils.QueryInt(q, "offset", 0)
	if err != nil {
		h.fail(w, r, err, "invalid pagination")
		return
	}

	resp, err := h.service.Species(r.Context(), ecoID, limit, offset)
	if err != nil {
		h.fail(w, r, err, "failed to load ecoregion species")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type pointQuery struct {
	Lat *float64 `query:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `query:"lng" validate:"required,gte=-180,lte=180"`
}

// At returns the ecoregion containing a point, or null.
func (h *EcoregionHandler) At(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		params pointQuery
		err    error
	)
	if params.Lat, err = utils.QueryFloat(q, "lat"); err == nil {
		params.Lng, err = utils.QueryFloat(q, "lng")
	}
	if err == nil {
		err = utils.Validate(params)
	}
	if err != nil {
		h.fail(w, r, err, "invalid ecoregion lookup")
		return
	}

	resp, err := h.service.At(r.Context(), *params.Lat, *params.Lng)
	if err != nil {
		h.fail(w, r, err, "failed to look up ecoregion")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Intersecting lists the ecoregions overlapping a posted polygon.
func (h *EcoregionHandler) Intersecting(w http.ResponseWriter, r *http.Request) {
	var req geometryRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err, "invalid polygon request")
		return
	}
	resp, err := h.service.Intersecting(r.Context(), req.Geometry)
	if err != nil {
		h.fail(w, r, err, "failed to intersect ecoregions")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats returns the top ecoregions by unique species.
func (h *EcoregionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err, "failed to load ecoregion statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(stats), "ecoregions": stats})
}

// Boundaries returns simplified outlines for map rendering.
func (h *EcoregionHandler) Boundaries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	box, err := utils.QueryBBox(q, "bbox")
	if err != nil {
		h.fail(w, r, err, "invalid boundaries query")
		return
	}
	tol, err := utils.QueryFloat(q, "simplify")
	if err != nil {
		h.fail(w, r, err, "invalid boundaries query")
		return
	}
	var tolerance float64
	if tol != nil {
		tolerance = *tol
	}

	resp, err := h.service.Boundaries(r.Context(), box, tolerance)
	if err != nil {
		h.fail(w, r, err, "failed to load ecoregion boundaries")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Export streams an ecoregion boundary as a file download.
func (h *EcoregionHandler) Export(w http.ResponseWriter, r *http.Request) {
	ecoID, err := ecoIDParam(r)
	if err != nil {
		h.fail(w, r, err, "invalid ecoregion id")
		return
	}
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = string(services.ExportGeoJSON)
	}
	tol, err := utils.QueryFloat(q, "simplify")
	if err != nil {
		h.fail(w, r, err, "invalid export query")
		return
	}
	var tolerance float64
	if tol != nil {
		tolerance = *tol
	}

	file, err := h.exporter.Export(r.Context(), ecoID, format, tolerance)
	if err != nil {
		h.fail(w, r, err, "failed to export ecoregion")
		return
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Body)
}
