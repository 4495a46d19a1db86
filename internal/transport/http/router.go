// Package httptransport is the thin HTTP layer. Handlers decode, delegate to
// the domain services, and encode; no business logic lives here.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"checkpoint/internal/admin"
	"checkpoint/internal/auth"
	"checkpoint/internal/importer"
	"checkpoint/internal/progress"
	"checkpoint/internal/redemption"
)

type Handler struct {
	authn    *auth.Authenticator
	tokens   *auth.TokenService
	redeemer *redemption.Service
	importer *importer.Importer
	admin    *admin.Service
	tracker  progress.Tracker
	logger   *slog.Logger
}

func NewHandler(authn *auth.Authenticator, tokens *auth.TokenService, redeemer *redemption.Service, imp *importer.Importer, adm *admin.Service, tracker progress.Tracker, logger *slog.Logger) *Handler {
	return &Handler{
		authn:    authn,
		tokens:   tokens,
		redeemer: redeemer,
		importer: imp,
		admin:    adm,
		tracker:  tracker,
		logger:   logger,
	}
}

// NewRouter wires the public API.
func NewRouter(h *Handler, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/agents/authenticate", h.handleAuthenticate)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth(h.tokens))
			r.Post("/checkin/redeem", h.handleRedeem)
		})

		r.Route("/imports/{competitionID}", func(r chi.Router) {
			r.Use(requireAuth(h.tokens), requireRole(admin.RoleAdmin))
			r.Post("/participants", h.handleImportParticipants)
			r.Post("/addons", h.handleImportAddons)
			r.Get("/progress", h.handleImportProgress)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAuth(h.tokens), requireRole(admin.RoleAdmin))
			r.Post("/competitions", h.handleImportCompetitions)
			r.Post("/agents", h.handleSaveAgent)
			r.Post("/competitions/{competitionID}/codes/reset", h.handleResetCodes)
			r.Post("/competitions/{competitionID}/codes/retry-generation", h.handleRetryGeneration)
			r.Post("/codes/retry-generation", h.handleRetryGenerationForCodes)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
