package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"modelgateway/internal/async"
	"modelgateway/internal/storage"
	"modelgateway/internal/utils"
)

// handleInvocation resolves the current state of a stored async invocation.
// Terminal invocations are served from the database without touching the
// provider; pending ones are polled on demand and any terminal transition
// is persisted before responding.
func (d *Dependencies) handleInvocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Job identifiers may themselves contain slashes (Bedrock ARNs), so
	// everything after the prefix is the ID.
	jobID := strings.TrimPrefix(r.URL.Path, "/v1/invocations/")
	if jobID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "missing invocation id")
		return
	}

	ctx := r.Context()
	record, err := d.Invocations.GetByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrInvocationNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "unknown invocation")
			return
		}
		utils.RespondWithError(w, utils.HTTPStatusFor(err), "failed to load invocation")
		return
	}

	switch record.Status {
	case storage.InvocationStatusCompleted:
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status": string(async.StatusCompleted),
			"result": map[string]interface{}(record.Result),
		})
		return
	case storage.InvocationStatusFailed:
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":      string(async.StatusFailed),
			"errorDetail": record.ErrorDetail,
		})
		return
	}

	meta := record.Metadata()
	result, err := d.Tracker.Poll(ctx, meta)
	if err != nil {
		utils.RespondWithError(w, utils.HTTPStatusFor(err), err.Error())
		return
	}

	switch result.Status {
	case async.StatusCompleted:
		if err := d.Invocations.MarkCompleted(ctx, jobID, result.Result); err != nil {
			utils.RespondWithError(w, utils.HTTPStatusFor(err), "failed to persist invocation result")
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status": string(result.Status),
			"result": result.Result,
		})
	case async.StatusFailed:
		detail := result.ErrorDetail
		if detail == "" {
			detail = meta.ContentHints.Failure
		}
		if err := d.Invocations.MarkFailed(ctx, jobID, detail); err != nil {
			utils.RespondWithError(w, utils.HTTPStatusFor(err), "failed to persist invocation failure")
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":      string(result.Status),
			"errorDetail": detail,
		})
	default:
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":          string(async.StatusInProgress),
			"placeholderText": meta.ContentHints.Pending,
		})
	}
}
