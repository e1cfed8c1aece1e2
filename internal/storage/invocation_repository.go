package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

// Invocation lifecycle states. terminal states are sticky: once a record is
// completed or failed it never transitions again.
const (
	InvocationStatusPending   = "pending"
	InvocationStatusCompleted = "completed"
	InvocationStatusFailed    = "failed"
)

// InvocationRecord is the persisted form of an async invocation plus its
// lifecycle outcome.
type InvocationRecord struct {
	JobID           string       `db:"job_id"`
	Provider        string       `db:"provider"`
	Type            string       `db:"type"`
	PollIntervalMs  int          `db:"poll_interval_ms"`
	InitialResponse models.JSONB `db:"initial_response"`
	Context         models.JSONB `db:"context"`
	PendingText     string       `db:"pending_text"`
	FailureText     string       `db:"failure_text"`

	Status      string       `db:"status"`
	Result      models.JSONB `db:"result"`
	ErrorDetail string       `db:"error_detail"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Metadata reconstructs the portable invocation metadata from the record.
func (rec *InvocationRecord) Metadata() *models.InvocationMetadata {
	return &models.InvocationMetadata{
		Provider:        rec.Provider,
		ID:              rec.JobID,
		Type:            rec.Type,
		PollIntervalMs:  rec.PollIntervalMs,
		InitialResponse: rec.InitialResponse,
		Context:         rec.Context,
		ContentHints: models.ContentHints{
			Pending: rec.PendingText,
			Failure: rec.FailureText,
		},
		CreatedAt: rec.CreatedAt,
	}
}

// InvocationRepository persists async invocation records. It implements
// the poll worker's result store.
type InvocationRepository struct {
	db *DB
}

// NewInvocationRepository creates a new invocation repository
func NewInvocationRepository(db *DB) *InvocationRepository {
	return &InvocationRepository{db: db}
}

// Save records a freshly-submitted invocation in the pending state. Saving
// the same job id twice is a no-op; a resubmitted job is a new job with a
// new id.
func (r *InvocationRepository) Save(ctx context.Context, meta *models.InvocationMetadata) error {
	if meta == nil || meta.ID == "" {
		return utils.NewParamsError("metadata", "invocation metadata is required")
	}

	query := `
		INSERT INTO async_invocations (
			job_id, provider, type, poll_interval_ms,
			initial_response, context, pending_text, failure_text,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`
	_, err := r.db.conn.ExecContext(ctx, query,
		meta.ID, meta.Provider, meta.Type, meta.PollIntervalMs,
		meta.InitialResponse, meta.Context,
		meta.ContentHints.Pending, meta.ContentHints.Failure,
		InvocationStatusPending, meta.CreatedAt,
	)
	if err != nil {
		return &utils.StorageError{Op: "save invocation", Err: err}
	}
	return nil
}

// GetByJobID loads one invocation record.
func (r *InvocationRepository) GetByJobID(ctx context.Context, jobID string) (*InvocationRecord, error) {
	var rec InvocationRecord
	query := `
		SELECT job_id, provider, type, poll_interval_ms,
		       initial_response, context, pending_text, failure_text,
		       status, result, error_detail, created_at, updated_at
		FROM async_invocations
		WHERE job_id = $1
	`
	err := r.db.conn.GetContext(ctx, &rec, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvocationNotFound
		}
		return nil, &utils.StorageError{Op: "get invocation", Err: err}
	}
	return &rec, nil
}

// ListPending returns records that have not reached a terminal state, used
// to reschedule polls after a restart.
func (r *InvocationRepository) ListPending(ctx context.Context, limit int) ([]InvocationRecord, error) {
	var out []InvocationRecord
	query := `
		SELECT job_id, provider, type, poll_interval_ms,
		       initial_response, context, pending_text, failure_text,
		       status, result, error_detail, created_at, updated_at
		FROM async_invocations
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`
	if err := r.db.conn.SelectContext(ctx, &out, query, InvocationStatusPending, limit); err != nil {
		return nil, &utils.StorageError{Op: "list pending invocations", Err: err}
	}
	return out, nil
}

// MarkCompleted records the terminal result. Only pending records
// transition; marking an already-terminal record is a no-op, so repeated
// polls of a finished job stay idempotent.
func (r *InvocationRepository) MarkCompleted(ctx context.Context, jobID string, result map[string]interface{}) error {
	query := `
		UPDATE async_invocations
		SET status = $2, result = $3, updated_at = NOW()
		WHERE job_id = $1 AND status = $4
	`
	_, err := r.db.conn.ExecContext(ctx, query, jobID, InvocationStatusCompleted, models.JSONB(result), InvocationStatusPending)
	if err != nil {
		return &utils.StorageError{Op: "mark invocation completed", Err: err}
	}
	return nil
}

// MarkFailed records the terminal failure. Same stickiness as
// MarkCompleted.
func (r *InvocationRepository) MarkFailed(ctx context.Context, jobID, detail string) error {
	query := `
		UPDATE async_invocations
		SET status = $2, error_detail = $3, updated_at = NOW()
		WHERE job_id = $1 AND status = $4
	`
	_, err := r.db.conn.ExecContext(ctx, query, jobID, InvocationStatusFailed, detail, InvocationStatusPending)
	if err != nil {
		return &utils.StorageError{Op: "mark invocation failed", Err: err}
	}
	return nil
}
