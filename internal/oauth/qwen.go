package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	gateway "github.com/eugener/warden/internal"
)

// Device flow status values surfaced to the management API.
const (
	DeviceStatusPending    = "pending"
	DeviceStatusAuthorized = "authorized"
	DeviceStatusExpired    = "expired"
	DeviceStatusError      = "error"
)

// DeviceStart is returned from StartQwen; the UI shows the user code and
// verification URI and polls the status endpoint.
type DeviceStart struct {
	State           string `json:"state"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
}

func (m *Manager) qwenConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: m.qwen.ClientID,
		Scopes:   m.qwen.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: m.qwen.DeviceAuthURL,
			TokenURL:      m.qwen.TokenURL,
		},
	}
}

// StartQwen begins a device-code flow for the account. A background poller
// waits for the user to authorize and stores the tokens when they do; the
// caller polls QwenStatus to track progress.
func (m *Manager) StartQwen(ctx context.Context, accountID string) (*DeviceStart, error) {
	cfg := m.qwenConfig()
	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}

	session := &gateway.OAuthSession{
		State:      generateState(),
		Provider:   gateway.ProviderQwen,
		AccountID:  accountID,
		DeviceCode: da.DeviceCode,
		CreatedAt:  m.now(),
	}
	if err := m.putSession(ctx, session); err != nil {
		return nil, err
	}
	if err := m.setDeviceStatus(ctx, session.State, DeviceStatusPending); err != nil {
		return nil, err
	}

	go m.awaitQwen(session.State, accountID, da)

	expiresIn := int64(time.Until(da.Expiry).Seconds())
	return &DeviceStart{
		State:           session.State,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		ExpiresIn:       expiresIn,
		Interval:        da.Interval,
	}, nil
}

// awaitQwen polls the token endpoint until the user authorizes or the device
// code expires, then records the outcome. Detached from the request context:
// the authorization outlives the HTTP call that started it.
func (m *Manager) awaitQwen(state, accountID string, da *oauth2.DeviceAuthResponse) {
	ctx, cancel := context.WithDeadline(context.Background(), da.Expiry)
	defer cancel()

	tok, err := m.qwenConfig().DeviceAccessToken(ctx, da)
	if err != nil {
		status := DeviceStatusError
		if errors.Is(err, context.DeadlineExceeded) {
			status = DeviceStatusExpired
		}
		m.setDeviceStatus(context.Background(), state, status) //nolint:errcheck
		slog.LogAttrs(ctx, slog.LevelWarn, "qwen device flow failed",
			slog.String("account", accountID),
			slog.String("error", err.Error()),
		)
		return
	}

	tokens := &gateway.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer storeCancel()
	if err := m.storeTokens(storeCtx, accountID, tokens); err != nil {
		m.setDeviceStatus(storeCtx, state, DeviceStatusError) //nolint:errcheck
		slog.LogAttrs(storeCtx, slog.LevelError, "qwen token store failed",
			slog.String("account", accountID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.setDeviceStatus(storeCtx, state, DeviceStatusAuthorized) //nolint:errcheck
	m.dropSession(storeCtx, state)
}

func (m *Manager) setDeviceStatus(ctx context.Context, state, status string) error {
	return m.sessions.Set(ctx, statusKeyPrefix+state, status, gateway.OAuthSessionTTL)
}

// QwenStatus reports the device flow state: pending, authorized, expired,
// or error. Unknown states read as expired.
func (m *Manager) QwenStatus(ctx context.Context, state string) string {
	status, err := m.sessions.Get(ctx, statusKeyPrefix+state)
	if err != nil {
		return DeviceStatusExpired
	}
	return status
}

// refreshQwen trades a refresh token through the standard OAuth2 token
// source.
func (m *Manager) refreshQwen(ctx context.Context, refreshToken string) (*gateway.TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	src := m.qwenConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("qwen refresh: %w", err)
	}
	ts := &gateway.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}
