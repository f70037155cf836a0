package oauth

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// EnsureFresh returns credentials with a valid access token, refreshing
// through the provider when the current token expires within the margin.
// Refresh is serialized per account: concurrent requests hitting the same
// expiring account share a single upstream call and all observe the new
// token.
func (m *Manager) EnsureFresh(ctx context.Context, account *gateway.UpstreamAccount, creds *gateway.Credentials) (*gateway.Credentials, error) {
	if account.AuthMethod != gateway.AuthOAuth {
		return creds, nil
	}
	if creds.AccessToken != "" && !creds.TokenExpiring(m.now(), refreshMargin) {
		return creds, nil
	}

	v, err, _ := m.refreshGroup.Do(account.ID, func() (any, error) {
		// The flight outlives any single caller; detach from the first
		// caller's cancellation but keep a hard bound.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout+5*time.Second)
		defer cancel()
		return m.refreshLocked(fctx, account.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*gateway.Credentials), nil
}

// refreshLocked re-reads the account inside the flight (a concurrent flight
// may have already refreshed), performs the provider refresh, and persists
// the new token set encrypted.
func (m *Manager) refreshLocked(ctx context.Context, accountID string) (*gateway.Credentials, error) {
	account, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	creds, err := DecryptCredentials(account.CredentialsEnc, m.encKey)
	if err != nil {
		return nil, err
	}
	if creds.AccessToken != "" && !creds.TokenExpiring(m.now(), refreshMargin) {
		return creds, nil
	}
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", gateway.ErrUpstreamAuth)
	}

	var tokens *gateway.TokenSet
	switch account.Provider {
	case gateway.ProviderAnthropic:
		tokens, err = m.refreshAnthropic(ctx, creds.RefreshToken)
	case gateway.ProviderQwen:
		tokens, err = m.refreshQwen(ctx, creds.RefreshToken)
	default:
		return nil, fmt.Errorf("provider %s does not support oauth refresh", account.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrUpstreamAuth, err)
	}

	fresh := &gateway.Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Scopes:       tokens.Scopes,
		BaseURL:      creds.BaseURL,
	}
	enc, err := EncryptCredentials(fresh, m.encKey)
	if err != nil {
		return nil, err
	}
	if err := m.accounts.UpdateCredentials(ctx, accountID, enc, "", m.now()); err != nil {
		return nil, err
	}
	return fresh, nil
}
