package middleware

import (
	"context"
	"net/http"
	"strings"

	"modelgateway/internal/auth"
	"modelgateway/internal/utils"
)

// AuthTypeKey is the context key recording how the caller authenticated.
const AuthTypeKey ContextKey = "authType"

// Auth types injected by AuthMiddleware.
const (
	AuthTypeAPIKey = "api_key"
	AuthTypeJWT    = "jwt"
)

// looksLikeJWT reports whether the credential has the three-part compact
// JWS shape. API keys are "mg_<id>_<secret>" and never contain dots.
func looksLikeJWT(credential string) bool {
	return strings.Count(credential, ".") == 2
}

// AuthMiddleware authenticates the caller by either a minted gateway JWT
// or a raw API key. /auth/token exchanges the latter for the former so hot
// paths can skip the bcrypt verification in the key store. An empty
// jwtSecret disables the token path.
func AuthMiddleware(store auth.APIKeyStore, jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := extractCredential(r)
			if credential == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing credentials")
				return
			}

			if len(jwtSecret) > 0 && looksLikeJWT(credential) {
				claims, err := auth.DecodeJWT(credential, jwtSecret)
				if err != nil {
					utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
					return
				}
				serveAuthenticated(w, r, next, claims.Record(), AuthTypeJWT)
				return
			}

			keyRecord, ok := lookupAPIKey(w, r, store, credential)
			if !ok {
				return
			}
			serveAuthenticated(w, r, next, keyRecord, AuthTypeAPIKey)
		})
	}
}

func serveAuthenticated(w http.ResponseWriter, r *http.Request, next http.Handler, record *auth.APIKeyRecord, authType string) {
	ctx := context.WithValue(r.Context(), APIKeyRecordKey, record)
	ctx = context.WithValue(ctx, AuthTypeKey, authType)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// GetAuthType retrieves the authentication type from the request context
func GetAuthType(ctx context.Context) (string, bool) {
	authType, ok := ctx.Value(AuthTypeKey).(string)
	return authType, ok
}
