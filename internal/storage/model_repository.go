package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modelgateway/internal/models"
)

// ModelRepository backs the model metadata registry with caching. It
// implements models.Registry.
type ModelRepository struct {
	db    *DB
	cache *LRUCache
}

// NewModelRepository creates a new model repository
func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{
		db:    db,
		cache: db.modelCache,
	}
}

const modelColumns = `
	id, model_name, provider, upstream_model_id, version, mode,
	supports_function_calling, supports_image_input, supports_video_input,
	supports_native_streaming, supports_web_search, supports_reasoning,
	supports_converse_api, async_invoke,
	supported_regions, request_timeout_seconds, poll_interval_ms,
	input_schema, created_at, updated_at
`

// GetByName retrieves a model by its gateway-facing name (with caching).
func (r *ModelRepository) GetByName(ctx context.Context, name string) (*models.Model, error) {
	if cached, found := r.cache.Get(name); found {
		return cached.(*models.Model), nil
	}

	var model models.Model
	query := `SELECT ` + modelColumns + ` FROM models WHERE model_name = $1`

	err := r.db.conn.GetContext(ctx, &model, query, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrModelNotFound
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}

	r.cache.Set(name, &model)
	return &model, nil
}

// List returns all models, unordered.
func (r *ModelRepository) List(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	query := `SELECT ` + modelColumns + ` FROM models`

	if err := r.db.conn.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return out, nil
}

// Upsert inserts or updates a model record keyed by model_name and drops
// any cached copy.
func (r *ModelRepository) Upsert(ctx context.Context, model *models.Model) error {
	query := `
		INSERT INTO models (
			id, model_name, provider, upstream_model_id, version, mode,
			supports_function_calling, supports_image_input, supports_video_input,
			supports_native_streaming, supports_web_search, supports_reasoning,
			supports_converse_api, async_invoke,
			supported_regions, request_timeout_seconds, poll_interval_ms,
			input_schema, created_at, updated_at
		) VALUES (
			:id, :model_name, :provider, :upstream_model_id, :version, :mode,
			:supports_function_calling, :supports_image_input, :supports_video_input,
			:supports_native_streaming, :supports_web_search, :supports_reasoning,
			:supports_converse_api, :async_invoke,
			:supported_regions, :request_timeout_seconds, :poll_interval_ms,
			:input_schema, NOW(), NOW()
		)
		ON CONFLICT (model_name) DO UPDATE SET
			provider = EXCLUDED.provider,
			upstream_model_id = EXCLUDED.upstream_model_id,
			version = EXCLUDED.version,
			mode = EXCLUDED.mode,
			supports_function_calling = EXCLUDED.supports_function_calling,
			supports_image_input = EXCLUDED.supports_image_input,
			supports_video_input = EXCLUDED.supports_video_input,
			supports_native_streaming = EXCLUDED.supports_native_streaming,
			supports_web_search = EXCLUDED.supports_web_search,
			supports_reasoning = EXCLUDED.supports_reasoning,
			supports_converse_api = EXCLUDED.supports_converse_api,
			async_invoke = EXCLUDED.async_invoke,
			supported_regions = EXCLUDED.supported_regions,
			request_timeout_seconds = EXCLUDED.request_timeout_seconds,
			poll_interval_ms = EXCLUDED.poll_interval_ms,
			input_schema = EXCLUDED.input_schema,
			updated_at = NOW()
	`

	if _, err := r.db.conn.NamedExecContext(ctx, query, model); err != nil {
		return fmt.Errorf("failed to upsert model: %w", err)
	}

	r.cache.Delete(model.ModelName)
	return nil
}
