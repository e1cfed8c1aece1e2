package providers

import (
	"context"
	"strings"
	"sync"
	"time"

	"modelgateway/internal/utils"
)

// compositeDelimiter separates the two halves of a composite credential
// string for providers that need an (accessKey, secretKey) pair.
const compositeDelimiter = "::@@::"

// Credentials is a resolved secret. Either APIKey or the
// AccessKey/SecretKey pair is populated. Credentials live for one request
// and are never logged.
type Credentials struct {
	APIKey    string
	AccessKey string
	SecretKey string
}

// Composite reports whether the credentials are a two-part pair.
func (c Credentials) Composite() bool {
	return c.AccessKey != "" || c.SecretKey != ""
}

// ParseComposite splits an "accessKey::@@::secretKey" string. A string not
// matching the format is a configuration error, never a silent truncation.
func ParseComposite(provider, raw string) (Credentials, error) {
	parts := strings.Split(raw, compositeDelimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Credentials{}, utils.NewConfigurationError(provider, "credential is not a valid accessKey::@@::secretKey pair")
	}
	return Credentials{AccessKey: parts[0], SecretKey: parts[1]}, nil
}

// SecretStore is the external credential-store collaborator: user-scoped
// provider secrets backed by encrypted storage. An empty string with a nil
// error means no override exists.
type SecretStore interface {
	GetProviderSecret(ctx context.Context, userID, provider string) (string, error)
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// CredentialResolver resolves the secret to use for one call: a user-scoped
// override when present, otherwise the process-wide default from the
// request's environment bag. Lookups are cached briefly to keep the hot
// path off the secret store.
type CredentialResolver struct {
	store    SecretStore
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret

	logger *utils.Logger
}

// NewCredentialResolver creates a resolver over an optional secret store.
// A nil store disables user overrides.
func NewCredentialResolver(store SecretStore, cacheTTL time.Duration, logger *utils.Logger) *CredentialResolver {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = utils.NewLogger("credentials")
	}
	return &CredentialResolver{
		store:    store,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedSecret),
		logger:   logger,
	}
}

// ResolveSecret returns the raw secret string for (provider, user),
// preferring a user-scoped override over the given process default. An
// empty result is a configuration error.
func (r *CredentialResolver) ResolveSecret(ctx context.Context, provider, userID, processDefault string) (string, error) {
	if override, err := r.userSecret(ctx, provider, userID); err != nil {
		return "", err
	} else if override != "" {
		return override, nil
	}

	if processDefault == "" {
		return "", utils.NewConfigurationError(provider, "no API key configured for provider")
	}
	return processDefault, nil
}

// ResolveAPIKey resolves a single-part secret.
func (r *CredentialResolver) ResolveAPIKey(ctx context.Context, provider, userID, processDefault string) (Credentials, error) {
	secret, err := r.ResolveSecret(ctx, provider, userID, processDefault)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{APIKey: secret}, nil
}

// ResolveComposite resolves a two-part secret, parsing the composite
// format. Used by providers whose secrets are always key pairs.
func (r *CredentialResolver) ResolveComposite(ctx context.Context, provider, userID, processDefault string) (Credentials, error) {
	secret, err := r.ResolveSecret(ctx, provider, userID, processDefault)
	if err != nil {
		return Credentials{}, err
	}
	return ParseComposite(provider, secret)
}

func (r *CredentialResolver) userSecret(ctx context.Context, provider, userID string) (string, error) {
	if r.store == nil || userID == "" {
		return "", nil
	}

	cacheKey := utils.HashString(provider + ":" + userID)

	r.mu.RLock()
	entry, found := r.cache[cacheKey]
	r.mu.RUnlock()
	if found && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	secret, err := r.store.GetProviderSecret(ctx, userID, provider)
	if err != nil {
		return "", &utils.StorageError{Op: "resolve provider secret", Err: err}
	}

	r.mu.Lock()
	r.cache[cacheKey] = cachedSecret{value: secret, expiresAt: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()

	return secret, nil
}

// Invalidate drops a cached (provider, user) entry, e.g. after the user
// rotates their key.
func (r *CredentialResolver) Invalidate(provider, userID string) {
	cacheKey := utils.HashString(provider + ":" + userID)
	r.mu.Lock()
	delete(r.cache, cacheKey)
	r.mu.Unlock()
}

//
// Short-lived bearer token cache
//

// refreshSkew is how long before expiry a token is refreshed proactively.
const refreshSkew = 60 * time.Second

type cachedToken struct {
	mu        sync.Mutex // single-flight per key
	token     string
	expiresAt time.Time
}

// TokenExchange exchanges a long-lived credential for a short-lived bearer
// token, returning the token and its expiry.
type TokenExchange func(ctx context.Context) (token string, expiresAt time.Time, err error)

// TokenCache is a process-wide cache of short-lived bearer tokens, keyed by
// provider+user. Refresh is single-flight per key: concurrent requests for
// the same key perform at most one exchange.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]*cachedToken
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[string]*cachedToken)}
}

// Get returns a valid token for key, invoking exchange only when the cached
// token is missing or within the refresh skew of expiry.
func (c *TokenCache) Get(ctx context.Context, key string, exchange TokenExchange) (string, error) {
	c.mu.Lock()
	entry, ok := c.tokens[key]
	if !ok {
		entry = &cachedToken{}
		c.tokens[key] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.token != "" && time.Now().Add(refreshSkew).Before(entry.expiresAt) {
		return entry.token, nil
	}

	token, expiresAt, err := exchange(ctx)
	if err != nil {
		return "", err
	}
	entry.token = token
	entry.expiresAt = expiresAt
	return token, nil
}
