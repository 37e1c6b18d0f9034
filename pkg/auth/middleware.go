package auth

import (
	"net/http"
	"strings"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// publicPaths are endpoints served without authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// ErrorWriter renders a taxonomy error onto an HTTP response. Implemented by
// pkg/api; injected here to keep the dependency one-directional.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware returns the authentication middleware. When devBypass is true
// (all three preconditions checked by config.DevBypassAllowed) a synthetic
// admin identity is fabricated and no other code path runs.
func Middleware(verifier *Verifier, devBypass bool, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if devBypass {
				id := &Identity{
					Kind:     KindOperator,
					Subject:  "dev",
					TenantID: "dev",
					Roles:    []string{"admin"},
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, r, errdef.New(errdef.KindMissingToken, "missing Authorization header"))
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, r, errdef.New(errdef.KindMissingToken, "expected 'Bearer <token>'"))
				return
			}

			if verifier == nil {
				// Fail closed when authentication is unconfigured.
				writeError(w, r, errdef.New(errdef.KindMissingToken, "authentication not configured"))
				return
			}

			id, err := verifier.Verify(parts[1])
			if err != nil {
				writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole guards a handler with a role check on the verified identity.
func RequireRole(role string, writeError ErrorWriter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := IdentityFrom(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !id.HasRole(role) {
			writeError(w, r, errdef.Newf(errdef.KindPermissionDenied, "role %q required", role))
			return
		}
		next(w, r)
	}
}
