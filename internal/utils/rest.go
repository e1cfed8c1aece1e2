package utils

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondWithError sends an error response
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response: "+err.Error(), http.StatusInternalServerError)
		return err
	}
	return nil
}

// HTTPStatusFor maps a gateway error onto the status code reported to the
// caller. Upstream statuses are passed through; validation problems are the
// caller's fault; everything else is a 502.
func HTTPStatusFor(err error) int {
	switch e := err.(type) {
	case *ConfigurationError:
		return http.StatusBadRequest
	case *ParamsError:
		return http.StatusUnprocessableEntity
	case *AuthorisationError:
		return http.StatusForbidden
	case *ProviderError:
		if e.StatusCode >= 400 && e.StatusCode < 600 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case *StorageError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
