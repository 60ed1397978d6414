package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"intgmgr/pkg/telemetry"
)

const (
	defaultRequestLimit = 120
	defaultTimeout      = 60 * time.Second
)

// Config controls runtime behaviour of the HTTP surface.
type Config struct {
	AllowedOrigins []string
	// RequestsPerMinute is the per client rate limit.
	RequestsPerMinute int
	Logger            zerolog.Logger
}

// API wires the manager components to HTTP handlers.
type API struct {
	deps   Deps
	config Config
	log    zerolog.Logger
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("backup store is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("settings store is required")
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestLimit
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &API{deps: deps, config: cfg, log: cfg.Logger.With().Str("component", "api").Logger()}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware("intg-manager", a.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.RequestsPerMinute, time.Minute))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/status", a.handleStatus)
		r.Post("/power", a.handlePushPower)
		r.Get("/settings", a.handleGetSettings)
		r.Put("/settings", a.handlePutSettings)

		r.Get("/jobs", a.handleListJobs)
		r.Get("/integrations", a.handleListIntegrations)
		r.Route("/integrations/{id}", func(r chi.Router) {
			r.Post("/update", a.handleRequestUpdate)
			r.Post("/install", a.handleRequestInstall)
			r.Get("/job", a.handleGetJob)
			r.Delete("/job", a.handleCancelJob)
			r.Get("/history", a.handleHistory)
			r.Get("/backups", a.handleListBackups)
			r.Post("/backups", a.handleBackupOne)
			r.Post("/backups/{snapshot}/restore", a.handleRestore)
		})

		r.Post("/backups", a.handleBackupAll)
		r.Get("/backups/{snapshot}", a.handleGetBackup)
		r.Delete("/backups/{snapshot}", a.handleDeleteBackup)
		r.Get("/backups/export", a.handleExport)
		r.Post("/backups/import", a.handleImport)
		r.Post("/backups/offload", a.handleOffload)
	})

	return r
}
