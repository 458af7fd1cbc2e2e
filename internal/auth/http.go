// ABOUTME: HTTP middleware establishing the caller's identity from a JWT or a trusted header
// ABOUTME: RequireAdmin guards worker management endpoints

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
)

// DefaultUserHeader is the header read in header mode.
const DefaultUserHeader = "email"

// Config contains configuration options for the middleware.
type Config struct {
	// Verifier enables JWT mode when non-nil.
	Verifier TokenVerifier
	// UserHeader names the header carrying the user ID in header mode.
	UserHeader string
	// AdminUsers may manage workers in header mode. Empty means everyone.
	AdminUsers []string
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware attaches an Identity to every request or rejects it with 401.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	header := cfg.UserHeader
	if header == "" {
		header = DefaultUserHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id *Identity

			if cfg.Verifier != nil {
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if errMsg != "" {
					writeError(w, http.StatusUnauthorized, errMsg)
					return
				}
				claims, err := cfg.Verifier.Verify(token)
				if err != nil {
					msg := "invalid token"
					if errors.Is(err, ErrExpiredToken) {
						msg = "token expired"
					}
					writeError(w, http.StatusUnauthorized, msg)
					return
				}
				id = &Identity{UserID: claims.Subject, Admin: claims.Role == RoleAdmin, Method: MethodJWT}
			} else {
				user := strings.TrimSpace(r.Header.Get(header))
				if user == "" {
					writeError(w, http.StatusUnauthorized, "missing "+header+" header")
					return
				}
				admin := len(cfg.AdminUsers) == 0 || slices.Contains(cfg.AdminUsers, user)
				id = &Identity{UserID: user, Admin: admin, Method: MethodHeader}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin rejects callers without the admin flag. Must be used after
// Middleware.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !id.Admin {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
