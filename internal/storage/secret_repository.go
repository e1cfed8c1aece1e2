package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modelgateway/internal/utils"
)

// SecretRepository stores per-user provider credentials, AES-GCM encrypted
// at rest. It implements the credential store collaborator consumed by the
// provider credential resolver: an empty secret with a nil error means no
// user override exists.
type SecretRepository struct {
	db    *DB
	enc   *Encryption
	cache *LRUCache
}

// NewSecretRepository creates a new secret repository over an encryption
// service.
func NewSecretRepository(db *DB, enc *Encryption) *SecretRepository {
	return &SecretRepository{
		db:    db,
		enc:   enc,
		cache: db.secretCache,
	}
}

// GetProviderSecret returns the decrypted secret for (user, provider), or
// "" when none is stored. Decrypted values are cached briefly; ciphertext
// never leaves this repository.
func (r *SecretRepository) GetProviderSecret(ctx context.Context, userID, provider string) (string, error) {
	cacheKey := utils.HashString(userID + ":" + provider)
	if cached, found := r.cache.Get(cacheKey); found {
		return cached.(string), nil
	}

	var ciphertext string
	query := `SELECT secret_encrypted FROM provider_secrets WHERE user_id = $1 AND provider = $2`

	err := r.db.conn.GetContext(ctx, &ciphertext, query, userID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(cacheKey, "")
			return "", nil
		}
		return "", fmt.Errorf("failed to get provider secret: %w", err)
	}

	secret, err := r.enc.DecryptString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt provider secret: %w", err)
	}

	r.cache.Set(cacheKey, secret)
	return secret, nil
}

// SetProviderSecret stores or replaces the secret for (user, provider).
func (r *SecretRepository) SetProviderSecret(ctx context.Context, userID, provider, secret string) error {
	ciphertext, err := r.enc.EncryptString(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider secret: %w", err)
	}

	query := `
		INSERT INTO provider_secrets (user_id, provider, secret_encrypted, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			secret_encrypted = EXCLUDED.secret_encrypted,
			updated_at = NOW()
	`
	if _, err := r.db.conn.ExecContext(ctx, query, userID, provider, ciphertext); err != nil {
		return fmt.Errorf("failed to store provider secret: %w", err)
	}

	r.cache.Delete(utils.HashString(userID + ":" + provider))
	return nil
}

// DeleteProviderSecret removes a stored secret.
func (r *SecretRepository) DeleteProviderSecret(ctx context.Context, userID, provider string) error {
	query := `DELETE FROM provider_secrets WHERE user_id = $1 AND provider = $2`
	result, err := r.db.conn.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete provider secret: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrSecretNotFound
	}

	r.cache.Delete(utils.HashString(userID + ":" + provider))
	return nil
}
