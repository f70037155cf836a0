// Package gateway defines domain types and interfaces for the Warden LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Providers ---

// Provider identifies an upstream LLM service protocol.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderQwen      Provider = "qwen"

	// ProviderAny matches accounts of every provider in pool filters.
	ProviderAny Provider = "any"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderQwen:
		return true
	}
	return false
}

// AuthMethod is how an upstream account authenticates to its provider.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthOAuth  AuthMethod = "oauth"
)

// AccountState is the lifecycle state of an upstream account.
type AccountState string

const (
	StateActive   AccountState = "active"
	StateInactive AccountState = "inactive"
	StateError    AccountState = "error"
	StatePending  AccountState = "pending"
)

// --- Credentials ---

// Credentials is the decrypted credential blob of an upstream account.
// The populated fields depend on the account's auth method: api_key accounts
// carry APIKey (and optionally BaseURL); oauth accounts carry the token set.
type Credentials struct {
	APIKey       string    `json:"api_key,omitempty"`
	BaseURL      string    `json:"base_url,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Usable reports whether the credentials can authenticate a request under
// the given method right now. OAuth credentials with only a refresh token
// are usable because the engine refreshes before forwarding.
func (c *Credentials) Usable(method AuthMethod) bool {
	switch method {
	case AuthAPIKey:
		return c.APIKey != ""
	case AuthOAuth:
		return c.AccessToken != "" || c.RefreshToken != ""
	}
	return false
}

// TokenExpiring reports whether the access token expires within margin.
// Tokens without an expiry never report as expiring.
func (c *Credentials) TokenExpiring(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).After(c.ExpiresAt)
}

// --- Upstream accounts ---

// HealthStatus is the most recent probe or live-request outcome of an account.
type HealthStatus struct {
	Status    string    `json:"status"` // "ok" or "fail"
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// OK reports whether the last check succeeded.
func (h *HealthStatus) OK() bool { return h != nil && h.Status == "ok" }

// UpstreamAccount is one credential belonging to one owner for one provider.
// Counters are last-known values in snapshots; the store layer owns the
// authoritative fetch-add increments.
type UpstreamAccount struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Name           string        `json:"name"`
	Provider       Provider      `json:"provider"`
	AuthMethod     AuthMethod    `json:"auth_method"`
	CredentialsEnc string        `json:"-"` // encrypted blob, never exposed
	State          AccountState  `json:"state"`
	Priority       int           `json:"priority"` // [1,10], smaller = higher
	Weight         int           `json:"weight"`   // [1,1000]
	ProxyBinding   string        `json:"proxy_binding,omitempty"`
	RequestCount   int64         `json:"request_count"`
	SuccessCount   int64         `json:"success_count"`
	ErrorCount     int64         `json:"error_count"`
	LastHealth     *HealthStatus `json:"health_status,omitempty"`
	LastUsedAt     *time.Time    `json:"last_used_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Selectable reports whether the account may be handed to the load balancer
// as a healthy candidate. Accounts in error remain last-resort fallbacks.
func (a *UpstreamAccount) Selectable() bool {
	return a.State == StateActive
}

// --- Users ---

// User is an owner of API keys and upstream accounts. The admin surface that
// manages users is out of scope; the core only needs the ownership edge.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// --- API keys ---

// APIKey is a gateway-issued credential.
type APIKey struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Name         string     `json:"name"`
	KeyHash      string     `json:"-"` // SHA-256 hex, never exposed
	Permissions  []string   `json:"permissions,omitempty"`
	IsActive     bool       `json:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Usable reports whether the key may authenticate requests right now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// HasPermission reports whether the key carries the named permission.
// A key with the "admin" permission passes every check.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}

// Well-known permissions.
const (
	PermAdmin     = "admin"
	PermInference = "inference"
)

// --- Model routes ---

// ModelRoute is a single source-model rewrite rule. APIKeyID is empty for
// global fallback rules. For any (scope, source_model) the enabled rules form
// a priority-ordered list; the first match wins.
type ModelRoute struct {
	ID             string    `json:"id"`
	APIKeyID       string    `json:"api_key_id,omitempty"` // empty = global
	SourceModel    string    `json:"source_model"`
	TargetModel    string    `json:"target_model"`
	TargetProvider Provider  `json:"target_provider"`
	Priority       int       `json:"priority"` // lower fires first
	Enabled        bool      `json:"enabled"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// --- Usage ---

// UsageRecord is one append-only API usage event.
type UsageRecord struct {
	ID                string    `json:"id"`
	APIKeyID          string    `json:"api_key_id"`
	UpstreamAccountID string    `json:"upstream_account_id,omitempty"`
	RequestID         string    `json:"request_id"`
	Method            string    `json:"method"`
	Endpoint          string    `json:"endpoint"`
	StatusCode        int       `json:"status_code,omitempty"`
	ResponseTimeMs    int64     `json:"response_time_ms,omitempty"`
	TokensUsed        int64     `json:"tokens_used"`
	Cost              float64   `json:"cost"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// StatusClientClosed is the recorded status when the client disconnects
// mid-request (nginx's 499 convention).
const StatusClientClosed = 499

// --- OAuth sessions ---

// OAuthSession tracks an in-progress authorization flow. Sessions live in
// the KV cache with a short TTL and are discarded on success or expiry.
type OAuthSession struct {
	State         string    `json:"state"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Provider      Provider  `json:"provider"`
	RedirectURI   string    `json:"redirect_uri"`
	AccountID     string    `json:"account_id,omitempty"`
	DeviceCode    string    `json:"device_code,omitempty"` // qwen device flow
	CreatedAt     time.Time `json:"created_at"`
}

// OAuthSessionTTL bounds how long an authorization may stay in flight.
const OAuthSessionTTL = 10 * time.Minute

// TokenSet is the result of an OAuth exchange or refresh.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *APIKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// APIKeyFromContext extracts the authenticated API key from context.
func APIKeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithAPIKey stores the key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithAPIKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Warden API keys.
const APIKeyPrefix = "wdn_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
