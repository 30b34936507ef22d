package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/pkg/httputil"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
)

// Identity headers set by the gateway in front of this service.
const (
	HeaderAccountID = "X-Account-ID"
	HeaderUserID    = "X-User-ID"
	HeaderRole      = "X-User-Role"
)

type ctxKey int

const actorKey ctxKey = iota

// actorFrom returns the actor stored by withActor.
func actorFrom(ctx context.Context) domain.Actor {
	a, _ := ctx.Value(actorKey).(domain.Actor)
	return a
}

// withActor resolves the calling account into a tenant context. Requests
// without a known account are rejected before reaching a handler.
func (h *Handlers) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimSpace(r.Header.Get(HeaderAccountID))
		if accountID == "" {
			httputil.Error(w, http.StatusUnauthorized, HeaderAccountID+" header is required")
			return
		}
		tenant, err := h.svc.ResolveTenant(r.Context(), accountID)
		if errors.Is(err, domain.ErrNotFound) {
			httputil.Error(w, http.StatusUnauthorized, "unknown account")
			return
		}
		if err != nil {
			respondError(w, err)
			return
		}
		role := domain.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderRole))))
		if role == "" {
			role = domain.RoleUser
		}
		actor := domain.Actor{Tenant: tenant, UserID: r.Header.Get(HeaderUserID), Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r.Context()).IsAdmin() {
			httputil.Error(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger writes one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	log := logger.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("route", routePattern(r)).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// routePattern avoids logging raw paths, which can carry addresses.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return "unmatched"
}
