// Package router wires Raskol's HTTP surface: identity verification,
// admission control, upstream forwarding, and accounting, composed as chi
// middleware and handlers.
package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/org/raskol/internal/admission"
	"github.com/org/raskol/internal/identity"
	"github.com/org/raskol/internal/metrics"
	"github.com/org/raskol/internal/store"
	"github.com/org/raskol/internal/upstream"
	apperrors "github.com/org/raskol/pkg/errors"
	"github.com/org/raskol/pkg/logger"
)

// Deps bundles everything the router needs to handle a request.
type Deps struct {
	Verifier *identity.Verifier
	Store    *store.Store
	Upstream *upstream.Client
	Limits   admission.Limits
	Logger   *logger.Logger
	CORSOrigins []string
}

// New builds the chi router for a Raskol instance.
func New(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestID)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(deps.CORSOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := &handlers{deps: deps}

	r.Get("/health", h.health)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(auth(deps.Verifier, deps.Logger))

		r.Group(func(r chi.Router) {
			r.Use(requireDiagnose(deps.Logger))
			r.Get("/ping", h.ping)
			r.Get("/stats", h.stats)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin(deps.Logger))
			r.Get("/total-stats", h.totalStats)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireDiagnose(deps.Logger))
			r.Post("/*", h.proxy)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperrors.NewNotFoundError("endpoint not found"), deps.Logger)
	})

	return r
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

func (h *handlers) ping(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	h.deps.Logger.WithField("uid", claims.Subject).Info("ping")
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong"))
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	stats, err := h.deps.Store.StatsFor(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, r, apperrors.AsAppError(err), h.deps.Logger)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) totalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Store.TotalStats(r.Context())
	if err != nil {
		writeError(w, r, apperrors.AsAppError(err), h.deps.Logger)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// proxy implements the admission → forward → account pipeline: the hit is
// recorded first (so rate-limited requests still count), then the request
// is admitted or rejected, then forwarded, then any tokens the upstream
// reports are charged back to the caller.
func (h *handlers) proxy(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	uid := claims.Subject
	log := h.deps.Logger.WithField("uid", uid).WithField("request_id", requestIDFromContext(r.Context()))

	body, err := io.ReadAll(io.LimitReader(r.Body, upstream.MaxBodySize+1))
	if err != nil {
		writeError(w, r, apperrors.NewValidationError("failed to read request body", nil), log)
		return
	}

	hit, err := h.deps.Store.RecordHit(r.Context(), uid)
	if err != nil {
		writeError(w, r, apperrors.AsAppError(err), log)
		return
	}

	tokensUsedToday, err := h.deps.Store.TokensUsedToday(r.Context(), uid)
	if err != nil {
		writeError(w, r, apperrors.AsAppError(err), log)
		return
	}

	decision := admission.Evaluate(h.deps.Limits, hit.SinceLast, hit.IsFirstEver, tokensUsedToday)
	metrics.ObserveAdmission(verdictLabel(decision))

	switch decision.Verdict {
	case admission.RejectRate:
		writeError(w, r, apperrors.NewRateLimitedError("too many requests", decision.RetryAfterSeconds), log)
		return
	case admission.RejectQuota:
		writeError(w, r, apperrors.NewQuotaExceededError("daily token budget exhausted"), log)
		return
	}

	resp, err := h.deps.Upstream.Forward(r.Context(), http.MethodPost, r.URL.Path, r.URL.RawQuery, r.Header, body)
	if err != nil {
		writeError(w, r, apperrors.AsAppError(err), log)
		return
	}

	if resp.HasUsage && resp.Usage.TotalTokens > 0 {
		if err := h.deps.Store.AddTokens(context.Background(), uid, resp.Usage.TotalTokens); err != nil {
			log.WithError(err).Error("failed to record token usage")
			metrics.ObserveStoreError("add_tokens")
		} else {
			metrics.ObserveTokensCharged(uid, resp.Usage.TotalTokens)
		}
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func verdictLabel(d admission.Decision) string {
	switch d.Verdict {
	case admission.RejectRate:
		return "reject_rate"
	case admission.RejectQuota:
		return "reject_quota"
	default:
		return "accept"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
