package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"cytolab.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Authenticator turns an access token into claims.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Claims, error)
}

// Auth flows accept anonymous callers; a bad token there is ignored.
var publicPrefixes = []string{
	"/auth/",
}

// Gate authenticates the caller and enforces tenant affiliation on
// /hospitals/{id}/... routes. Public routes tolerate a missing or invalid
// token; every other route answers 401 for either.
func Gate(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			public := isPublicPath(r.URL.Path)

			token, tokenErr := extractBearerToken(r.Header.Get(authHeader))
			var claims *auth.Claims
			if tokenErr == nil {
				c, err := authn.Authenticate(r.Context(), token)
				if err != nil && !public {
					unauthorized(w, r, err)
					return
				}
				claims = c
			}
			if claims == nil {
				if public {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r, tokenErr)
				return
			}

			if tenant, ok := tenantFromPath(r.URL.Path); ok {
				if err := auth.Authorize(claims, auth.AffiliationRequirement(tenant)).Err(); err != nil {
					respondErr(w, r, err)
					return
				}
			}

			ctx := auth.ContextWithClaims(r.Context(), claims)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, cause error) {
	msg := "authentication required"
	switch {
	case errors.Is(cause, auth.ErrExpiredToken):
		msg = "token expired"
	case cause != nil && !errors.Is(cause, errMissingToken):
		msg = "invalid token"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="cytolab"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

var errMissingToken = errors.New("missing bearer token")

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// tenantFromPath extracts {id} from /hospitals/{id}/<more>. The hospital
// resource itself is not tenant scoped here; its handler checks the policy.
func tenantFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "hospitals" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// callerClaims returns the claims placed by Gate. Handlers behind Gate can
// rely on them for every non-public route.
func callerClaims(r *http.Request) *auth.Claims {
	c, _ := auth.ClaimsFromContext(r.Context())
	return c
}

// authorize applies the policy for action on tenant and writes the denial.
func authorize(w http.ResponseWriter, r *http.Request, action auth.Action, tenant string) bool {
	if err := auth.Can(callerClaims(r), action, tenant).Err(); err != nil {
		respondErr(w, r, err)
		return false
	}
	return true
}
