package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/parkwind/parkwind/internal/platform/httpx"
	"github.com/parkwind/parkwind/internal/shared"
)

// PrincipalResolver turns a raw bearer token into a principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, raw string) (*shared.Principal, error)
}

// Middleware authenticates API requests and stores the principal in context.
type Middleware struct {
	Resolver PrincipalResolver
	Logger   *slog.Logger
}

// Authenticate rejects requests without a valid bearer token.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			return
		}
		principal, err := m.Resolver.Resolve(r.Context(), raw)
		if err != nil {
			if errors.Is(err, shared.ErrInvalidToken) {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid api token")
				return
			}
			if m.Logger != nil {
				m.Logger.Error("resolve api token", slog.Any("error", err))
			}
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		ctx := shared.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
