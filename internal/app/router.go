package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/atlas-ams/atlas-ams/internal/audit/http"
	authzhttp "github.com/atlas-ams/atlas-ams/internal/authz/http"
	directoryhttp "github.com/atlas-ams/atlas-ams/internal/directory/http"
	"github.com/atlas-ams/atlas-ams/internal/observability"
	"github.com/atlas-ams/atlas-ams/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	Verifier         TokenVerifier
	AuthzHandler     *authzhttp.Handler
	AuditHandler     *audithttp.Handler
	DirectoryHandler *directoryhttp.Handler
	JobsHandler      *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Atlas defaults. Health and
// metrics stay outside the authenticated group; everything under /api/v1
// requires a bearer token.
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

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(Authenticate(params.Verifier, params.Logger))
		if params.AuthzHandler != nil {
			params.AuthzHandler.MountRoutes(api)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(api)
		}
		if params.DirectoryHandler != nil {
			params.DirectoryHandler.MountRoutes(api)
		}
		if params.JobsHandler != nil {
			params.JobsHandler.MountRoutes(api)
		}
	})

	return r
}
