package httpapi

import (
	"net/http"

	"modelgateway/internal/auth"
	"modelgateway/internal/utils"
)

// handleTokenExchange exchanges an API key for a short-lived JWT.
func (d *Dependencies) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "API Key is required")
		return
	}

	keyRecord, err := d.APIKeys.Lookup(r.Context(), apiKey)
	if err != nil {
		if err == auth.ErrKeyNotFound {
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API Key")
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API Key")
		return
	}

	if keyRecord.Revoked {
		utils.RespondWithError(w, http.StatusUnauthorized, "API Key has been revoked")
		return
	}

	token, exp, err := auth.GenerateJWT(keyRecord, d.JWTSecret)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Error generating token")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"exp":   exp,
	})
}
