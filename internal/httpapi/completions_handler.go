package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"modelgateway/internal/logging"
	"modelgateway/internal/middleware"
	"modelgateway/internal/providers"
	"modelgateway/internal/utils"
)

// chatMessage accepts both plain string content and structured part arrays.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type completionPayload struct {
	Model        string                     `json:"model"`
	Messages     []chatMessage              `json:"messages"`
	Params       providers.SamplingParams   `json:"params"`
	Tools        []providers.ToolDefinition `json:"tools,omitempty"`
	Stream       bool                       `json:"stream,omitempty"`
	PollOnly     bool                       `json:"pollOnly,omitempty"`
	CompletionID string                     `json:"completionId,omitempty"`
	Extra        map[string]interface{}     `json:"extra,omitempty"`
}

// handleCompletions is the entry point for completion requests.
//
// Flow:
//  1. Validate method and decode body
//  2. Check key permissions for the requested model
//  3. Build the normalized request and run the orchestrator
//  4. Return a document, stream the response, or persist and schedule an
//     async invocation
func (d *Dependencies) handleCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	keyRecord, ok := middleware.GetAPIKeyRecord(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing API key record")
		return
	}

	var payload completionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Model == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "missing 'model' field")
		return
	}

	if !keyRecord.AllowsModel(payload.Model) {
		utils.RespondWithError(w, http.StatusForbidden, "API key may not call this model")
		return
	}

	req, err := buildCompletionRequest(&payload, keyRecord.UserID, d.BaseEnv)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := d.Orchestrator.GetResponse(ctx, req)
	if err != nil {
		d.logCall(keyRecord.ID, req, nil, err, start)
		utils.RespondWithError(w, utils.HTTPStatusFor(err), err.Error())
		return
	}

	switch {
	case result.Stream != nil:
		d.logCall(keyRecord.ID, req, result, nil, start)
		streamResponse(w, result.Stream)

	case result.Async != nil:
		// Persist the invocation and schedule background polling before
		// acknowledging; a lost record would orphan the upstream job.
		if err := d.Invocations.Save(ctx, result.Async); err != nil {
			d.logCall(keyRecord.ID, req, result, err, start)
			utils.RespondWithError(w, utils.HTTPStatusFor(err), "failed to record async invocation")
			return
		}
		if d.Scheduler != nil {
			if err := d.Scheduler.Schedule(ctx, result.Async); err != nil {
				d.logCall(keyRecord.ID, req, result, err, start)
				utils.RespondWithError(w, utils.HTTPStatusFor(err), "failed to schedule invocation polling")
				return
			}
		}
		d.logCall(keyRecord.ID, req, result, nil, start)
		utils.RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":          result.Status,
			"jobId":           result.Async.ID,
			"placeholderText": result.PlaceholderText,
			"asyncInvocation": result.Async,
		})

	default:
		d.logCall(keyRecord.ID, req, result, nil, start)
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status": result.Status,
			"data":   result.Data,
		})
	}
}

func buildCompletionRequest(payload *completionPayload, userID string, env providers.Env) (*providers.CompletionRequest, error) {
	messages := make([]providers.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		parts, err := decodeContent(m.Content)
		if err != nil {
			return nil, err
		}
		messages = append(messages, providers.Message{Role: m.Role, Parts: parts})
	}

	completionID := payload.CompletionID
	if completionID == "" {
		completionID = uuid.NewString()
	}

	return &providers.CompletionRequest{
		Model:        payload.Model,
		Messages:     messages,
		Params:       payload.Params,
		Tools:        payload.Tools,
		Stream:       payload.Stream,
		PollOnly:     payload.PollOnly,
		CompletionID: completionID,
		User:         providers.Identity{UserID: userID},
		Extra:        payload.Extra,
		Env:          env,
	}, nil
}

// decodeContent accepts a string or an array of content parts.
func decodeContent(raw json.RawMessage) ([]providers.ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []providers.ContentPart{providers.TextPart(text)}, nil
	}

	var parts []providers.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, utils.NewParamsError("messages", "message content must be a string or a part array")
	}
	return parts, nil
}

// streamResponse forwards a live stream handle to the client as SSE.
func streamResponse(w http.ResponseWriter, stream io.ReadCloser) {
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Dependencies) logCall(apiKeyID string, req *providers.CompletionRequest, result *providers.Result, err error, start time.Time) {
	if d.LogSink == nil {
		return
	}
	rec := &logging.LogRecord{
		Timestamp: time.Now().UTC(),
		RequestID: req.CompletionID,
		APIKeyID:  apiKeyID,
		UserID:    req.User.UserID,
		Model:     req.Model,
		Stream:    req.Stream,
		GatewayMs: time.Since(start).Milliseconds(),
	}
	if result != nil && result.Async != nil {
		rec.Async = true
		rec.Provider = result.Async.Provider
		rec.JobID = result.Async.ID
	}
	if err != nil {
		rec.Error = err.Error()
	}
	_ = d.LogSink.Enqueue(rec)
}
