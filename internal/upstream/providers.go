package upstream

import (
	"context"
	"net/http"

	gateway "github.com/eugener/warden/internal"
)

const anthropicVersion = "2023-06-01"

// cliUserAgent mirrors the official CLI; Anthropic OAuth tokens are scoped
// to it and plain user agents get rejected.
const cliUserAgent = "claude-cli/1.0.119 (external, cli)"

// --- Anthropic ---

// Anthropic speaks the Messages protocol at api.anthropic.com.
type Anthropic struct{}

func (Anthropic) Provider() gateway.Provider { return gateway.ProviderAnthropic }

func (Anthropic) BaseURL(creds *gateway.Credentials) string {
	return baseOrDefault(creds, "https://api.anthropic.com")
}

func (Anthropic) Authorize(r *http.Request, method gateway.AuthMethod, creds *gateway.Credentials) {
	r.Header.Set("anthropic-version", anthropicVersion)
	switch method {
	case gateway.AuthOAuth:
		r.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		r.Header.Set("User-Agent", cliUserAgent)
		r.Header.Set("anthropic-beta", "oauth-2025-04-20")
	default:
		r.Header.Set("x-api-key", creds.APIKey)
	}
}

func (a Anthropic) ProbeRequest(ctx context.Context, creds *gateway.Credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL(creds)+"/v1/models?limit=1", nil)
	if err != nil {
		return nil, err
	}
	method := gateway.AuthAPIKey
	if creds.AccessToken != "" {
		method = gateway.AuthOAuth
	}
	a.Authorize(req, method, creds)
	return req, nil
}

// --- OpenAI ---

// OpenAI speaks the Chat Completions protocol at api.openai.com.
type OpenAI struct{}

func (OpenAI) Provider() gateway.Provider { return gateway.ProviderOpenAI }

func (OpenAI) BaseURL(creds *gateway.Credentials) string {
	return baseOrDefault(creds, "https://api.openai.com")
}

func (OpenAI) Authorize(r *http.Request, _ gateway.AuthMethod, creds *gateway.Credentials) {
	r.Header.Set("Authorization", "Bearer "+creds.APIKey)
}

func (o OpenAI) ProbeRequest(ctx context.Context, creds *gateway.Credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL(creds)+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	o.Authorize(req, gateway.AuthAPIKey, creds)
	return req, nil
}

// --- Gemini ---

// Gemini speaks the generateContent protocol at
// generativelanguage.googleapis.com; credentials travel as a query param.
type Gemini struct{}

func (Gemini) Provider() gateway.Provider { return gateway.ProviderGemini }

func (Gemini) BaseURL(creds *gateway.Credentials) string {
	return baseOrDefault(creds, "https://generativelanguage.googleapis.com")
}

func (Gemini) Authorize(r *http.Request, _ gateway.AuthMethod, creds *gateway.Credentials) {
	q := r.URL.Query()
	q.Set("key", creds.APIKey)
	r.URL.RawQuery = q.Encode()
}

func (g Gemini) ProbeRequest(ctx context.Context, creds *gateway.Credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL(creds)+"/v1beta/models?pageSize=1", nil)
	if err != nil {
		return nil, err
	}
	g.Authorize(req, gateway.AuthAPIKey, creds)
	return req, nil
}

// --- Qwen ---

// Qwen speaks the OpenAI-compatible protocol at dashscope.aliyuncs.com.
type Qwen struct{}

func (Qwen) Provider() gateway.Provider { return gateway.ProviderQwen }

func (Qwen) BaseURL(creds *gateway.Credentials) string {
	return baseOrDefault(creds, "https://dashscope.aliyuncs.com")
}

func (Qwen) Authorize(r *http.Request, method gateway.AuthMethod, creds *gateway.Credentials) {
	token := creds.APIKey
	if method == gateway.AuthOAuth {
		token = creds.AccessToken
	}
	r.Header.Set("Authorization", "Bearer "+token)
}

func (q Qwen) ProbeRequest(ctx context.Context, creds *gateway.Credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.BaseURL(creds)+"/compatible-mode/v1/models", nil)
	if err != nil {
		return nil, err
	}
	method := gateway.AuthAPIKey
	if creds.AccessToken != "" {
		method = gateway.AuthOAuth
	}
	q.Authorize(req, method, creds)
	return req, nil
}
