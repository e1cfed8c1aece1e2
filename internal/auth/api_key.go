package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
)

const apiKeyPrefix = "mg"

// APIKeyRecord is the view of an API key needed at request time.
type APIKeyRecord struct {
	ID            string
	Name          string
	UserID        string
	AllowedModels []string
	Hash          string // bcrypt hash of the full plaintext key
	Revoked       bool
}

// AllowsModel checks whether this key may call a given model/alias.
func (k *APIKeyRecord) AllowsModel(model string) bool {
	// If no models configured, allow everything.
	if len(k.AllowedModels) == 0 {
		return true
	}
	return slices.Contains(k.AllowedModels, model)
}

// APIKeyStore resolves plaintext API keys into stored records.
type APIKeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*APIKeyRecord, error)
}

// MintKey generates a new API key for a record. Keys have the form
// "mg_<keyID>_<secret>" so stores can look up the record by ID and verify
// the secret against its bcrypt hash. Returns the plaintext key, shown to
// the caller exactly once.
func MintKey(record *APIKeyRecord) (string, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key secret: %w", err)
	}

	plaintext := fmt.Sprintf("%s_%s_%s", apiKeyPrefix, record.ID, hex.EncodeToString(secret))
	hash, err := HashAPIKey(plaintext)
	if err != nil {
		return "", err
	}
	record.Hash = hash
	return plaintext, nil
}

// keyID extracts the record ID from a plaintext key, or "" if malformed.
func keyID(plaintextKey string) string {
	parts := strings.SplitN(plaintextKey, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix {
		return ""
	}
	return parts[1]
}

// InMemoryAPIKeyStore holds API key records in memory. Suitable for
// single-instance deployments with keys loaded at startup.
type InMemoryAPIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKeyRecord
}

func NewInMemoryAPIKeyStore() *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{
		keys: make(map[string]*APIKeyRecord),
	}
}

// Add registers a record under its ID.
func (s *InMemoryAPIKeyStore) Add(record *APIKeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[record.ID] = record
}

func (s *InMemoryAPIKeyStore) Lookup(ctx context.Context, plaintextKey string) (*APIKeyRecord, error) {
	id := keyID(plaintextKey)
	if id == "" {
		return nil, ErrKeyNotFound
	}

	s.mu.RLock()
	rec, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	if !VerifyAPIKey(rec.Hash, plaintextKey) {
		return nil, ErrKeyNotFound
	}
	return rec, nil
}
