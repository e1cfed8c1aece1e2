package middleware

import (
	"context"
	"net/http"
	"strings"

	"modelgateway/internal/auth"
	"modelgateway/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// APIKeyRecordKey is the context key holding the authenticated key record.
const APIKeyRecordKey ContextKey = "apiKeyRecord"

// extractCredential accepts the credential either as X-API-Key or as a
// Bearer token.
func extractCredential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// lookupAPIKey resolves a plaintext key against the store, writing the
// error response itself when the key is unknown, revoked or unresolvable.
func lookupAPIKey(w http.ResponseWriter, r *http.Request, store auth.APIKeyStore, apiKey string) (*auth.APIKeyRecord, bool) {
	keyRecord, err := store.Lookup(r.Context(), apiKey)
	switch {
	case err == auth.ErrKeyNotFound:
		utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key")
		return nil, false
	case err != nil:
		utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API key")
		return nil, false
	case keyRecord.Revoked:
		utils.RespondWithError(w, http.StatusUnauthorized, "API key has been revoked")
		return nil, false
	}
	return keyRecord, true
}

// GetAPIKeyRecord retrieves the API key record from the request context
func GetAPIKeyRecord(ctx context.Context) (*auth.APIKeyRecord, bool) {
	record, ok := ctx.Value(APIKeyRecordKey).(*auth.APIKeyRecord)
	return record, ok
}
