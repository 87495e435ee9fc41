package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyUser is the context key under which the authenticated
	// admin *auth.Claims are stored after successful JWT validation.
	contextKeyUser contextKey = iota

	// contextKeyActor is the context key under which the acting local
	// user/group pair resolved by BasicAuth are stored.
	contextKeyActor
)

// actor is the (user, group) pair an identifier operation runs as, resolved
// from HTTP Basic Auth on the public front door. Real credential
// verification (LDAP bind) is external to this module (spec.md §1
// "Identity directory lookups ... are opaque predicates") — the username
// supplied is trusted as the acting local name, matching how the registrar
// daemon and tests already address users by local name rather than PID.
type actor struct {
	user  string
	group string
}

// Authenticate is a middleware that validates the JWT Bearer token present in
// the Authorization header against the admin auth service. On success it
// stores the parsed claims in the request context so downstream handlers can
// retrieve them via claimsFromCtx. On failure it writes a 401 and stops the
// chain.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			claims, err := svc.ValidateAccessToken(parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BasicAuth resolves the acting (user, group) pair for an identifier
// operation from the request's HTTP Basic Auth credentials. The group
// defaults to the username — EZID local names are single-user groups unless
// the client names a different one via the X-Ezid-Group header, mirroring
// the way co-owner groups are passed explicitly in spec.md §4.F setMetadata.
//
// An anonymous request (no credentials) is let through as user "anonymous";
// the coordinator's authorization gate (internal/authz) rejects writes from
// it, but read operations like getMetadata remain open to the public.
func BasicAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _, ok := r.BasicAuth()
			if !ok || user == "" {
				user = "anonymous"
			}

			group := r.Header.Get("X-Ezid-Group")
			if group == "" {
				group = user
			}

			ctx := context.WithValue(r.Context(), contextKeyActor, actor{user: user, group: group})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the JWT claims stored by the Authenticate middleware.
// Returns nil if no claims are present (i.e. the request is unauthenticated).
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}

// actorFromCtx retrieves the (user, group) pair stored by BasicAuth. Returns
// the anonymous actor if BasicAuth never ran.
func actorFromCtx(ctx context.Context) actor {
	a, ok := ctx.Value(contextKeyActor).(actor)
	if !ok {
		return actor{user: "anonymous", group: "anonymous"}
	}
	return a
}
