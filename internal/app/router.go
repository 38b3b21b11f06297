package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-hr/meridian/internal/authz"
	"github.com/meridian-hr/meridian/internal/observability"
	"github.com/meridian-hr/meridian/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Pool            *pgxpool.Pool
	AuthzHandler    *authz.Handler
	AuthzMiddleware authz.Middleware
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		body := `{"status":"ok"}`
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body = `{"status":"degraded"}`
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})

	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	r.Route("/api/permissions", params.AuthzHandler.MountRoutes)
	r.Route("/api/admin/permissions", func(r chi.Router) {
		r.Use(params.AuthzMiddleware.RequireAll("permissions.admin"))
		params.AuthzHandler.MountAdminRoutes(r)
	})
	if params.JobHandler != nil {
		r.Route("/api/admin/jobs", func(r chi.Router) {
			r.Use(params.AuthzMiddleware.RequireAll("permissions.admin"))
			params.JobHandler.MountRoutes(r)
		})
	}

	return r
}
