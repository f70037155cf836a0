package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// Headers mimicking the official CLI; the token endpoint rejects unadorned
// clients.
const (
	cliUserAgent = "claude-cli/1.0.119 (external, cli)"
	cliOrigin    = "https://claude.ai"
)

// StartResult is handed to the caller to complete an authorization in the
// browser. CodeVerifier is included so headless flows can finish the
// exchange out of band.
type StartResult struct {
	AuthURL      string `json:"auth_url"`
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
}

// StartAnthropic begins an authorization-code flow with PKCE for the given
// account and returns the URL the user must visit.
func (m *Manager) StartAnthropic(ctx context.Context, accountID string) (*StartResult, error) {
	verifier := generateVerifier()
	session := &gateway.OAuthSession{
		State:         generateState(),
		CodeVerifier:  verifier,
		CodeChallenge: challengeFor(verifier),
		Provider:      gateway.ProviderAnthropic,
		RedirectURI:   m.anthropic.RedirectURI,
		AccountID:     accountID,
		CreatedAt:     m.now(),
	}
	if err := m.putSession(ctx, session); err != nil {
		return nil, err
	}

	q := url.Values{
		"code":                  {"true"},
		"client_id":             {m.anthropic.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {m.anthropic.RedirectURI},
		"scope":                 {m.anthropic.Scopes},
		"code_challenge":        {session.CodeChallenge},
		"code_challenge_method": {"S256"},
		"state":                 {session.State},
	}
	return &StartResult{
		AuthURL:      m.anthropic.AuthorizeURL + "?" + q.Encode(),
		State:        session.State,
		CodeVerifier: verifier,
	}, nil
}

// ParseCallback extracts the authorization code from either a full redirect
// URL or a raw pasted code. Raw codes must look like codes: URL-safe
// characters only and a minimum length.
func ParseCallback(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty input", gateway.ErrOAuthBadCode)
	}

	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("%w: %v", gateway.ErrOAuthBadCode, err)
		}
		code := u.Query().Get("code")
		if code == "" {
			return "", fmt.Errorf("%w: url has no code parameter", gateway.ErrOAuthBadCode)
		}
		return code, nil
	}

	// Anthropic pastes arrive as "code#state"; keep the code part.
	if code, _, found := strings.Cut(input, "#"); found {
		input = code
	}
	if !validCode(input) {
		return "", fmt.Errorf("%w: malformed code", gateway.ErrOAuthBadCode)
	}
	return input, nil
}

// validCode checks ^[A-Za-z0-9_-]+$ with a minimum length of 10.
func validCode(s string) bool {
	if len(s) < 10 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// tokenResponse is the wire shape of the Anthropic token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (tr *tokenResponse) toTokenSet(now time.Time, prevRefresh string) *gateway.TokenSet {
	ts := &gateway.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	// Providers may omit the refresh token on rotation; keep the old one.
	if ts.RefreshToken == "" {
		ts.RefreshToken = prevRefresh
	}
	if tr.Scope != "" {
		ts.Scopes = strings.Fields(tr.Scope)
	}
	return ts
}

// ExchangeAnthropic trades an authorization code for tokens, stores them
// encrypted on the session's account, and discards the session. The account
// transitions pending -> active.
func (m *Manager) ExchangeAnthropic(ctx context.Context, state, callback string) (*gateway.TokenSet, error) {
	session, err := m.getSession(ctx, state)
	if err != nil {
		return nil, err
	}
	code, err := ParseCallback(callback)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  session.RedirectURI,
		"client_id":     m.anthropic.ClientID,
		"code_verifier": session.CodeVerifier,
		"state":         state,
	}

	tokens, err := m.tokenRequest(ctx, m.exchangeTimeout, body, "")
	if err != nil {
		return nil, fmt.Errorf("%w: exchange failed: %w", gateway.ErrOAuthBadCode, err)
	}

	if session.AccountID != "" {
		if err := m.storeTokens(ctx, session.AccountID, tokens); err != nil {
			return nil, err
		}
	}
	m.dropSession(ctx, state)
	return tokens, nil
}

// refreshAnthropic trades a refresh token for a fresh token set.
func (m *Manager) refreshAnthropic(ctx context.Context, refreshToken string) (*gateway.TokenSet, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.anthropic.ClientID,
	}
	return m.tokenRequest(ctx, m.refreshTimeout, body, refreshToken)
}

// tokenRequest posts a JSON grant to the Anthropic token endpoint with
// CLI-mimicking headers and parses the token response.
func (m *Manager) tokenRequest(ctx context.Context, timeout time.Duration, body map[string]string, prevRefresh string) (*gateway.TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.anthropic.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", cliUserAgent)
	req.Header.Set("Origin", cliOrigin)
	req.Header.Set("Referer", cliOrigin+"/")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return tr.toTokenSet(m.now(), prevRefresh), nil
}
