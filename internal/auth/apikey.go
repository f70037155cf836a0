// Package auth implements gateway API key authentication and the admin JWT
// used by the management API. Keys are validated against the store and
// cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using gateway keys with the "wdn_"
// prefix. Resolved keys are cached for fast hot-path lookups.
type APIKeyAuth struct {
	keys        *storage.KeyRepo
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
	now         func() time.Time
}

// NewAPIKeyAuth returns an APIKeyAuth backed by the key repo. now may be nil
// for time.Now.
func NewAPIKeyAuth(keys *storage.KeyRepo, now func() time.Time) (*APIKeyAuth, error) {
	if now == nil {
		now = time.Now
	}
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{keys: keys, cache: c, now: now}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the key. Unknown keys are
// ErrAuthInvalid; disabled or expired keys are ErrAuthExpired.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.APIKey, error) {
	authz := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(authz, "Bearer ")
	if raw == "" || raw == authz {
		return nil, gateway.ErrAuthInvalid
	}
	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrAuthInvalid
	}

	hash := gateway.HashKey(raw)
	now := a.now()

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if !key.Usable(now) {
			a.cache.Invalidate(hash)
			return nil, gateway.ErrAuthExpired
		}
		return key, nil
	}

	key, err := a.keys.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrAuthInvalid
		}
		return nil, fmt.Errorf("%w: %w", gateway.ErrInternal, err)
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash
	// against the computed hash, guarding against SQL collation surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrAuthInvalid
	}
	if !key.Usable(now) {
		return nil, gateway.ErrAuthExpired
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)
	return key, nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (disable, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// --- Key issuance ---

// IssueOpts describes a key to create.
type IssueOpts struct {
	OwnerID     string
	Name        string
	Permissions []string
	ExpiresAt   *time.Time
}

// Issue mints a new API key. The plaintext is returned exactly once; only
// its hash is persisted.
func (a *APIKeyAuth) Issue(ctx context.Context, opts IssueOpts) (plaintext string, key *gateway.APIKey, err error) {
	if opts.OwnerID == "" {
		return "", nil, fmt.Errorf("%w: owner_id required", gateway.ErrBadRequest)
	}
	perms := opts.Permissions
	if len(perms) == 0 {
		perms = []string{gateway.PermInference}
	}

	raw := make([]byte, 24)
	rand.Read(raw)
	plaintext = gateway.APIKeyPrefix + hex.EncodeToString(raw)

	key = &gateway.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		OwnerID:     opts.OwnerID,
		Name:        opts.Name,
		KeyHash:     gateway.HashKey(plaintext),
		Permissions: perms,
		IsActive:    true,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   a.now(),
	}
	if err := a.keys.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}
