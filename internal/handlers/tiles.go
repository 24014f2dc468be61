package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/geometry"
	"ecotile-bknd/internal/models"
	"ecotile-bknd/internal/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DefaultRadiusKm is used when nearby is called without a radius.
const DefaultRadiusKm = 10.0

// TileQueries is the tile read surface the handler depends on.
type TileQueries interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64) (*models.NearbyResponse, error)
	Distribution(ctx context.Context, taxonID string) (*models.DistributionResponse, error)
	Heatmap(ctx context.Context, box geometry.BBox) (*models.HeatmapResponse, error)
	Tile(ctx context.Context, geohash string) (*models.TileDetailResponse, error)
	TimeRange(ctx context.Context, start, end time.Time, box *geometry.BBox) (*models.TileCollection, error)
}

type TileHandler struct {
	responder
	service TileQueries
}

func NewTileHandler(svc TileQueries, logr *zap.Logger, production bool) *TileHandler {
	return &TileHandler{responder: responder{logr: logr, production: production}, service: svc}
}

type nearbyQuery struct {
	Lat    *float64 `query:"lat" validate:"required,gte=-90,lte=90"`
	Lng    *float64 `query:"lng" validate:"required,gte=-180,lte=180"`
	Radius float64  `query:"radius" validate:"gte=0,lte=500"`
}

// Nearby lists the species seen within radius km of a point.
func (h *TileHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		params nearbyQuery
		err    error
	)
	if params.Lat, err = utils.QueryFloat(q, "lat"); err != nil {
		h.fail(w, r, err, "invalid nearby query")
		return
	}
	if params.Lng, err = utils.QueryFloat(q, "lng"); err != nil {
		h.fail(w, r, err, "invalid nearby query")
		return
	}
	params.Radius = DefaultRadiusKm
	if radius, err := utils.QueryFloat(q, "radius"); err != nil {
		h.fail(w, r, err, "invalid nearby query")
		return
	} else if radius != nil {
		params.Radius = *radius
	}
	if err := utils.Validate(params); err != nil {
		h.fail(w, r, err, "invalid nearby query")
		return
	}

	resp, err := h.service.Nearby(r.Context(), *params.Lat, *params.Lng, params.Radius)
	if err != nil {
		h.fail(w, r, err, "failed to search nearby species")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Distribution returns every tile holding the taxon.
func (h *TileHandler) Distribution(w http.ResponseWriter, r *http.Request) {
	taxonID := chi.URLParam(r, "taxonID")
	resp, err := h.service.Distribution(r.Context(), taxonID)
	if err != nil {
		h.fail(w, r, err, "failed to load species distribution")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type heatmapQuery struct {
	MinLat *float64 `query:"minLat" validate:"required,gte=-90,lte=90"`
	MinLng *float64 `query:"minLng" validate:"required,gte=-180,lte=180"`
	MaxLat *float64 `query:"maxLat" validate:"required,gte=-90,lte=90"`
	MaxLng *float64 `query:"maxLng" validate:"required,gte=-180,lte=180"`
}

// Heatmap returns the tiles intersecting a bounding box.
func (h *TileHandler) Heatmap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var params heatmapQuery
	for key, dst := range map[string]**float64{
		"minLat": &params.MinLat,
		"minLng": &params.MinLng,
		"maxLat": &params.MaxLat,
		"maxLng": &params.MaxLng,
	} {
		v, err := utils.QueryFloat(q, key)
		if err != nil {
			h.fail(w, r, err, "invalid heatmap query")
			return
		}
		*dst = v
	}
	if err := utils.Validate(params); err != nil {
		h.fail(w, r, err, "invalid heatmap query")
		return
	}

	box := geometry.BBox{MinLat: *params.MinLat, MinLng: *params.MinLng, MaxLat: *params.MaxLat, MaxLng: *params.MaxLng}
	resp, err := h.service.Heatmap(r.Context(), box)
	if err != nil {
		h.fail(w, r, err, "failed to build heatmap")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Tile returns one tile with its species.
func (h *TileHandler) Tile(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Tile(r.Context(), chi.URLParam(r, "geohash"))
	if err != nil {
		h.fail(w, r, err, "failed to load tile")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type timeRangeQuery struct {
	Start string `query:"start" validate:"required"`
	End   string `query:"end" validate:"required"`
}

// Tiles returns the tiles observed in a time window as a feature collection.
func (h *TileHandler) Tiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := timeRangeQuery{Start: strings.TrimSpace(q.Get("start")), End: strings.TrimSpace(q.Get("end"))}
	if err := utils.Validate(params); err != nil {
		h.fail(w, r, err, "invalid tiles query")
		return
	}

	start, err := utils.ParseTime(params.Start)
	if err != nil {
		h.fail(w, r, apperr.Validation("invalid start: "+err.Error(), "start", params.Start), "invalid tiles query")
		return
	}
	end, err := utils.ParseTimeEnd(params.End)
	if err != nil {
		h.fail(w, r, apperr.Validation("invalid end: "+err.Error(), "end", params.End), "invalid tiles query")
		return
	}
	box, err := utils.QueryBBox(q, "bbox")
	if err != nil {
		h.fail(w, r, err, "invalid tiles query")
		return
	}

	resp, err := h.service.TimeRange(r.Context(), start, end, box)
	if err != nil {
		h.fail(w, r, err, "failed to query tiles")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
