package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/soledgic/soledgic/internal/gate"
	"github.com/soledgic/soledgic/internal/inbox"
	"github.com/soledgic/soledgic/internal/ledger"
	"github.com/soledgic/soledgic/internal/observability"
	"github.com/soledgic/soledgic/internal/risk"
	"github.com/soledgic/soledgic/jobs"
)

// HealthPath stays reachable in maintenance mode.
const HealthPath = "/healthz"

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Gate          *gate.Gate
	LedgerHandler *ledger.Handler
	RiskHandler   *risk.Handler
	InboxHandler  *inbox.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
}

// NewRouter constructs the chi.Router with Soledgic defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if params.Gate != nil {
		r.Use(params.Gate.Maintenance)
	}

	// Ungated operational routes only get a coarse per-IP cap.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Get(HealthPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if params.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Gate == nil {
		return r
	}
	if params.LedgerHandler != nil {
		params.LedgerHandler.MountRoutes(r, params.Gate)
	}
	if params.RiskHandler != nil {
		params.RiskHandler.MountRoutes(r, params.Gate)
	}
	if params.InboxHandler != nil {
		params.InboxHandler.MountRoutes(r, params.Gate)
	}
	return r
}
