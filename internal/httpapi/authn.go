package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"civika.it/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingBearer = errors.New("missing bearer token")

// withAuth verifies the bearer access token and stores the principal in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="civika"`)
			writeError(w, r, http.StatusUnauthorized, auth.CodeMissingToken, messages[auth.CodeMissingToken])
			return
		}

		principal, err := a.svc.Authenticate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="civika", error="invalid_token"`)
			a.handleAuthError(w, r, "authenticate", err)
			return
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = auth.WithBearer(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission rejects callers whose access token lacks the (resource, action, scope) grant.
// It must run behind withAuth.
func RequirePermission(resource, action string, scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFrom(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="civika"`)
				writeError(w, r, http.StatusUnauthorized, auth.CodeMissingToken, messages[auth.CodeMissingToken])
				return
			}
			if err := principal.Require(resource, action, scope); err != nil {
				code := auth.ErrorCode(err)
				writeError(w, r, statusFor(code), code, messages[code])
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
