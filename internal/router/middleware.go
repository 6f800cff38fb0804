package router

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/org/raskol/internal/identity"
	apperrors "github.com/org/raskol/pkg/errors"
	"github.com/org/raskol/pkg/logger"
)

// requestID assigns a correlation ID to every request, echoing it back in
// the X-Request-ID response header and storing it in the request context,
// from which writeError and the proxy handler add it to their log lines.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(withRequestID(r.Context(), id))
		next.ServeHTTP(w, r)
	})
}

// auth extracts and verifies the bearer token, rejecting the request with
// the appropriate AppError when it is absent or invalid. Verified claims
// are attached to the request context for downstream handlers.
func auth(verifier *identity.Verifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, apperrors.NewMissingAuthError("Authorization header is required"), log)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, r, apperrors.NewMissingAuthError("Authorization header must be a bearer token"), log)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				writeError(w, r, apperrors.AsAppError(err), log)
				return
			}

			r = r.WithContext(withClaims(r.Context(), claims))
			next.ServeHTTP(w, r)
		})
	}
}

// requireDiagnose restricts a route to HACKER and ADMIN roles.
func requireDiagnose(log *logger.Logger) func(http.Handler) http.Handler {
	return requireRole(log, func(r identity.Role) bool { return r.CanDiagnose() })
}

// requireAdmin restricts a route to the ADMIN role.
func requireAdmin(log *logger.Logger) func(http.Handler) http.Handler {
	return requireRole(log, func(r identity.Role) bool { return r.IsAdmin() })
}

func requireRole(log *logger.Logger, allowed func(identity.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := claimsFromContext(r.Context())
			if !ok {
				writeError(w, r, apperrors.NewMissingAuthError("Authorization header is required"), log)
				return
			}
			if !allowed(claims.Role) {
				writeError(w, r, apperrors.NewForbiddenError("role does not permit this endpoint"), log)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError renders an AppError as the JSON envelope and logs it at a
// severity matching its kind.
func writeError(w http.ResponseWriter, r *http.Request, appErr *apperrors.AppError, log *logger.Logger) {
	entry := log.WithField("request_id", requestIDFromContext(r.Context())).
		WithField("error_type", string(appErr.Type))
	if appErr.StatusCode >= 500 {
		entry.WithError(appErr).Error("request failed")
	} else {
		entry.Warn("request rejected")
	}

	resp := apperrors.ErrorResponse{}
	resp.Error.Type = appErr.Type
	resp.Error.Message = appErr.Message
	resp.Error.Details = appErr.Details
	resp.Error.RequestID = requestIDFromContext(r.Context())
	resp.Error.RetryAfterSeconds = appErr.RetryAfterSeconds

	if appErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", formatRetryAfter(appErr.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func formatRetryAfter(seconds float64) string {
	return strconv.Itoa(int(math.Ceil(seconds)))
}
