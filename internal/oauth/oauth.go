// Package oauth implements the credential lifecycle for OAuth upstream
// accounts: the Anthropic authorization-code flow with PKCE, the Qwen device
// flow, and refresh-token management. In-progress authorizations live in the
// KV cache under a short TTL; tokens are encrypted before they reach the row
// store.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/crypto"
	"github.com/eugener/warden/internal/kv"
	"github.com/eugener/warden/internal/storage"
)

const (
	sessionKeyPrefix = "oauth:session:"
	statusKeyPrefix  = "oauth:status:"

	// refreshMargin: tokens expiring within this window are refreshed
	// before the outbound request goes out.
	refreshMargin = 60 * time.Second

	defaultExchangeTimeout = 30 * time.Second
	defaultRefreshTimeout  = 15 * time.Second
)

// AnthropicConfig carries the Anthropic OAuth endpoints and client identity.
type AnthropicConfig struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	RedirectURI  string
	Scopes       string
}

// QwenConfig carries the Qwen device-flow endpoints and client identity.
type QwenConfig struct {
	DeviceAuthURL string
	TokenURL      string
	ClientID      string
	Scopes        []string
}

// Manager drives authorization flows and token refresh.
type Manager struct {
	sessions  kv.Cache
	accounts  *storage.AccountRepo
	encKey    []byte
	http      *http.Client
	anthropic AnthropicConfig
	qwen      QwenConfig

	exchangeTimeout time.Duration
	refreshTimeout  time.Duration
	now             func() time.Time

	// refreshGroup serializes refresh per account: concurrent requests near
	// expiry share one upstream call and all observe the new token.
	refreshGroup singleflight.Group
}

// Opts configures a Manager. Zero durations take defaults.
type Opts struct {
	Anthropic       AnthropicConfig
	Qwen            QwenConfig
	HTTPClient      *http.Client
	ExchangeTimeout time.Duration
	RefreshTimeout  time.Duration
	Now             func() time.Time
}

// New returns a Manager storing sessions in the given KV cache.
func New(sessions kv.Cache, accounts *storage.AccountRepo, encKey []byte, opts Opts) *Manager {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = defaultExchangeTimeout
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		sessions:        sessions,
		accounts:        accounts,
		encKey:          encKey,
		http:            opts.HTTPClient,
		anthropic:       opts.Anthropic,
		qwen:            opts.Qwen,
		exchangeTimeout: opts.ExchangeTimeout,
		refreshTimeout:  opts.RefreshTimeout,
		now:             opts.Now,
	}
}

// --- Sessions ---

func (m *Manager) putSession(ctx context.Context, s *gateway.OAuthSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal oauth session: %w", err)
	}
	return m.sessions.Set(ctx, sessionKeyPrefix+s.State, string(data), gateway.OAuthSessionTTL)
}

func (m *Manager) getSession(ctx context.Context, state string) (*gateway.OAuthSession, error) {
	data, err := m.sessions.Get(ctx, sessionKeyPrefix+state)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown or expired state", gateway.ErrOAuthBadCode)
	}
	var s gateway.OAuthSession
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("parse oauth session: %w", err)
	}
	return &s, nil
}

func (m *Manager) dropSession(ctx context.Context, state string) {
	m.sessions.Delete(ctx, sessionKeyPrefix+state) //nolint:errcheck
}

// --- Token storage ---

// storeTokens encrypts the token set and writes it to the account,
// transitioning it to active.
func (m *Manager) storeTokens(ctx context.Context, accountID string, tokens *gateway.TokenSet) error {
	creds := &gateway.Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Scopes:       tokens.Scopes,
	}
	enc, err := EncryptCredentials(creds, m.encKey)
	if err != nil {
		return err
	}
	return m.accounts.UpdateCredentials(ctx, accountID, enc, gateway.StateActive, m.now())
}

// --- Credential codec ---

// EncryptCredentials serializes and encrypts a credential blob for storage.
func EncryptCredentials(c *gateway.Credentials, key []byte) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return crypto.Encrypt(string(data), key)
}

// DecryptCredentials decrypts and parses a stored credential blob.
func DecryptCredentials(enc string, key []byte) (*gateway.Credentials, error) {
	plain, err := crypto.Decrypt(enc, key)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt credentials: %w", gateway.ErrInternal, err)
	}
	var c gateway.Credentials
	if err := json.Unmarshal([]byte(plain), &c); err != nil {
		return nil, fmt.Errorf("%w: parse credentials: %w", gateway.ErrInternal, err)
	}
	return &c, nil
}

// --- PKCE material ---

// generateVerifier returns a PKCE code verifier: 32 random bytes, base64url.
func generateVerifier() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// challengeFor derives the S256 code challenge from a verifier.
func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateState returns a random 256-bit state as hex.
func generateState() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
