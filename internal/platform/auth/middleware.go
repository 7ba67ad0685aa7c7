package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware authenticates every request outside SkipPrefixes and enforces the role
// required by its method.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.deny(w, r, http.StatusUnauthorized, reason, err, "")
			return
		}
		if required := RequiredRoleForRequest(r); !HasAtLeast(identity.Roles, required) {
			m.deny(w, r, http.StatusForbidden, "forbidden", ErrForbidden, identity.Subject)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, status int, reason string, err error, subject string) {
	requestID := r.Header.Get("X-Request-Id")
	if m.Logger != nil {
		m.Logger.Warn("request denied",
			"reason", reason,
			"status", status,
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"subject", subject,
			"error", err,
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": reason, "request_id": requestID})
}
