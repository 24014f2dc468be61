// Package metrics holds the Prometheus collectors of the API and batch jobs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecotile_http_requests_total",
		Help: "HTTP requests by route pattern, method and status",
	}, []string{"route", "method", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecotile_http_request_duration_seconds",
		Help:    "HTTP request duration by route pattern",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"route"})

	ImportRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecotile_import_records_total",
		Help: "Import records by outcome (upserted, malformed, mismatched)",
	}, []string{"outcome"})
	ImportBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecotile_import_batches_total",
		Help: "Import batches by result",
	}, []string{"result"})

	AssignedTilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecotile_assignment_tiles_total",
		Help: "Tiles assigned to an ecoregion by phase",
	}, []string{"phase"})
	AssignmentUnitFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecotile_assignment_unit_failures_total",
		Help: "Rolled back assignment units by phase",
	}, []string{"phase"})

	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecotile_cache_lookups_total",
		Help: "Cache lookups by cache and result",
	}, []string{"cache", "result"})
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ImportRecordsTotal)
	prometheus.MustRegister(ImportBatchesTotal)
	prometheus.MustRegister(AssignedTilesTotal)
	prometheus.MustRegister(AssignmentUnitFailuresTotal)
	prometheus.MustRegister(CacheLookupsTotal)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := RoutePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
