package routes

import (
	"net/http"

	"ecotile-bknd/internal/assignment"
	"ecotile-bknd/internal/cache"
	"ecotile-bknd/internal/config"
	"ecotile-bknd/internal/handlers"
	"ecotile-bknd/internal/logger"
	"ecotile-bknd/internal/metrics"
	mdlwr "ecotile-bknd/internal/middleware"
	"ecotile-bknd/internal/services"
	"ecotile-bknd/internal/tasks"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
)

// API groups the handlers mounted by the router.
type API struct {
	Health     *handlers.HealthHandler
	Tiles      *handlers.TileHandler
	Ecoregions *handlers.EcoregionHandler
	Analysis   *handlers.AnalysisHandler
	Admin      *handlers.AdminHandler
}

// NewRouter wires services onto db and returns the HTTP handler. rc may be
// nil, which disables the response cache.
func NewRouter(db *bun.DB, rc *redis.Client, registry *tasks.Registry, cfg *config.Config, logr *logger.Logger) http.Handler {
	production := cfg.IsProduction()

	speciesCache := cache.NewSpeciesCache(cfg.SpeciesCacheTTL)
	responses := cache.NewResponses(rc, cfg.CacheTTL, logr.Named("cache"))

	catalog := services.NewSpeciesCatalog(db, speciesCache)
	tileSvc := services.NewTileService(db, catalog, cfg.GeohashLength, cfg.TimeQueryLimit, logr.Logger)
	ecoSvc := services.NewEcoregionService(db, responses, services.EcoregionOptions{
		SpeciesLimit:       cfg.EcoregionSpeciesLimit,
		StatsLimit:         cfg.EcoregionStatsLimit,
		SimplifyTolerance:  cfg.BoundarySimplify,
		MaxPolygonVertices: cfg.MaxPolygonVertices,
	}, logr.Logger)
	exportSvc := services.NewExportService(db, logr.Logger)
	analysisSvc := services.NewAnalysisService(db, catalog, cfg.MaxPolygonVertices, logr.Logger)
	adminSvc := services.NewAdminService(registry, assignment.NewPGStore(db), assignment.Options{
		BoundaryBatchSize:  cfg.BoundaryBatchSize,
		BoundaryBatchDelay: cfg.BoundaryBatchDelay,
		EcoregionDelay:     cfg.EcoregionDelay,
		ProgressEvery:      cfg.ProgressEvery,
	}, ecoSvc, logr.Named("assignment"))

	api := API{
		Health:     handlers.NewHealthHandler(db, logr.Logger),
		Tiles:      handlers.NewTileHandler(tileSvc, logr.Logger, production),
		Ecoregions: handlers.NewEcoregionHandler(ecoSvc, exportSvc, logr.Logger, production),
		Analysis:   handlers.NewAnalysisHandler(analysisSvc, logr.Logger, production),
		Admin:      handlers.NewAdminHandler(adminSvc, logr.Logger, production),
	}
	return Mount(api, cfg, logr)
}

// Mount builds the chi router around already constructed handlers.
func Mount(api API, cfg *config.Config, logr *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(mdlwr.NewAccessLogger(logr.Named("http")).Log)
	if cfg.MetricsEnabled {
		r.Use(metrics.Middleware)
	}

	// CORS middleware with config
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", api.Health.Live)
	r.Get("/readyz", api.Health.Ready)
	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/nearby", api.Tiles.Nearby)
		r.Get("/distribution/{taxonID}", api.Tiles.Distribution)
		r.Get("/heatmap", api.Tiles.Heatmap)
		r.Get("/tile/{geohash}", api.Tiles.Tile)
		r.Get("/tiles", api.Tiles.Tiles)

		r.Post("/analyze-plot", api.Analysis.AnalyzePlot)

		r.Route("/ecoregion", func(r chi.Router) {
			// static segments before {ecoID}
			r.Get("/at", api.Ecoregions.At)
			r.Get("/stats", api.Ecoregions.Stats)
			r.Get("/boundaries", api.Ecoregions.Boundaries)

			r.Get("/{ecoID}/species", api.Ecoregions.Species)
			r.Get("/{ecoID}/export", api.Ecoregions.Export)
		})
		r.Post("/ecoregions/intersecting", api.Ecoregions.Intersecting)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/assignment-status", api.Admin.Status)

			r.Route("/assignment-runs", func(r chi.Router) {
				r.Post("/", api.Admin.StartRun)
				r.Get("/", api.Admin.ListRuns)
				r.Get("/{id}", api.Admin.GetRun)
				r.Delete("/{id}", api.Admin.DeleteRun)
			})
		})
	})

	return r
}
