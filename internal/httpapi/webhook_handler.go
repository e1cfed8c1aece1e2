package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"modelgateway/internal/utils"
)

// handleReplicateWebhook receives prediction completion callbacks. The
// caller authenticates with the shared secret token minted into the webhook
// URL at submission time; terminal states are persisted idempotently, so a
// webhook racing the poll worker is harmless.
func (d *Dependencies) handleReplicateWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if d.WebhookSecret == "" {
		utils.RespondWithError(w, http.StatusNotFound, "webhooks are not configured")
		return
	}

	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(d.WebhookSecret)) != 1 {
		utils.RespondWithError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobID, _ := doc["id"].(string)
	if jobID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "missing prediction id")
		return
	}
	status, _ := doc["status"].(string)

	ctx := r.Context()
	switch status {
	case "succeeded":
		if err := d.Invocations.MarkCompleted(ctx, jobID, doc); err != nil {
			utils.RespondWithError(w, utils.HTTPStatusFor(err), "failed to persist result")
			return
		}
	case "failed", "canceled":
		detail, _ := doc["error"].(string)
		if detail == "" {
			detail = fmt.Sprintf("prediction %s", status)
		}
		if err := d.Invocations.MarkFailed(ctx, jobID, detail); err != nil {
			utils.RespondWithError(w, utils.HTTPStatusFor(err), "failed to persist failure")
			return
		}
	default:
		// Non-terminal notifications are acknowledged and ignored; the
		// poll worker owns intermediate state.
	}

	w.WriteHeader(http.StatusOK)
}
