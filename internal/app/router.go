package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parkwind/parkwind/internal/auth"
	"github.com/parkwind/parkwind/internal/billing"
	"github.com/parkwind/parkwind/internal/invoicing"
	"github.com/parkwind/parkwind/internal/observability"
	"github.com/parkwind/parkwind/internal/parks"
	"github.com/parkwind/parkwind/internal/settlement"
	"github.com/parkwind/parkwind/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	AuthMiddleware    auth.Middleware
	SettlementHandler *settlement.Handler
	InvoicingHandler  *invoicing.Handler
	BillingHandler    *billing.Handler
	ParksHandler      *parks.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with Parkwind defaults.
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
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	// Everything below requires a tenant-scoped principal.
	r.Group(func(r chi.Router) {
		r.Use(params.AuthMiddleware.Authenticate)

		if params.ParksHandler != nil {
			r.Route("/parks", params.ParksHandler.MountRoutes)
		}
		if params.SettlementHandler != nil {
			r.Route("/settlement-periods", params.SettlementHandler.MountRoutes)
		}
		if params.InvoicingHandler != nil {
			r.Route("/recurring-invoices", params.InvoicingHandler.MountRoutes)
			r.Route("/invoices", params.InvoicingHandler.MountInvoiceRoutes)
		}
		if params.BillingHandler != nil {
			r.Route("/stakeholders", params.BillingHandler.MountStakeholderRoutes)
			r.Route("/management-billing", params.BillingHandler.MountBillingRoutes)
		}
	})

	return r
}
