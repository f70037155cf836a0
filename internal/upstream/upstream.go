// Package upstream adapts outbound traffic to each provider's wire
// conventions: base URLs, credential headers, probe requests, and the raw
// streaming forwarder. Bodies cross the gateway unmodified; only credentials
// and the rewritten model field differ from what the client sent.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/warden/internal"
)

// Upstream is one provider's outbound adapter.
type Upstream interface {
	// Provider returns the protocol this adapter speaks.
	Provider() gateway.Provider
	// BaseURL resolves the upstream origin, honoring a per-account override.
	BaseURL(creds *gateway.Credentials) string
	// Authorize injects the account's credentials into an outbound request.
	Authorize(r *http.Request, method gateway.AuthMethod, creds *gateway.Credentials)
	// ProbeRequest builds the minimal validation request the health prober
	// sends. A 2xx response means the credentials work.
	ProbeRequest(ctx context.Context, creds *gateway.Credentials) (*http.Request, error)
}

// Registry holds the adapter for every supported provider.
type Registry struct {
	upstreams map[gateway.Provider]Upstream
}

// NewRegistry returns a registry with all four provider adapters.
func NewRegistry() *Registry {
	r := &Registry{upstreams: make(map[gateway.Provider]Upstream)}
	for _, u := range []Upstream{
		&Anthropic{},
		&OpenAI{},
		&Gemini{},
		&Qwen{},
	} {
		r.upstreams[u.Provider()] = u
	}
	return r
}

// Get returns the adapter for the provider.
func (r *Registry) Get(p gateway.Provider) (Upstream, error) {
	u, ok := r.upstreams[p]
	if !ok {
		return nil, fmt.Errorf("no upstream adapter for provider %q", p)
	}
	return u, nil
}

// --- Transports ---

const (
	connectTimeout      = 10 * time.Second
	tlsHandshakeTimeout = 5 * time.Second
)

// Transports builds and caches HTTP clients per proxy binding. All clients
// share one DNS cache; deadlines come from request contexts, not the
// client, because streaming responses have no total deadline.
type Transports struct {
	resolver *dnscache.Resolver
	proxies  map[string]*url.URL

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewTransports parses the named proxy URLs and returns a transport pool.
func NewTransports(resolver *dnscache.Resolver, proxies map[string]string) (*Transports, error) {
	parsed := make(map[string]*url.URL, len(proxies))
	for name, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", name, err)
		}
		parsed[name] = u
	}
	return &Transports{
		resolver: resolver,
		proxies:  parsed,
		clients:  make(map[string]*http.Client),
	}, nil
}

// Client returns the shared client for a proxy binding; empty binding means
// a direct connection.
func (t *Transports) Client(binding string) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[binding]; ok {
		return c, nil
	}

	var proxyURL *url.URL
	if binding != "" {
		u, ok := t.proxies[binding]
		if !ok {
			return nil, fmt.Errorf("unknown proxy binding %q", binding)
		}
		proxyURL = u
	}

	c := &http.Client{Transport: t.newTransport(proxyURL)}
	t.clients[binding] = c
	return c, nil
}

// newTransport returns a tuned *http.Transport with connection pooling and
// DNS caching. DNS caching is skipped when a proxy is set; the proxy
// resolves the target itself.
func (t *Transports) newTransport(proxyURL *url.URL) *http.Transport {
	tr := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
	}
	if proxyURL != nil {
		tr.Proxy = http.ProxyURL(proxyURL)
		tr.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
		return tr
	}
	if t.resolver != nil {
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := t.resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			d := net.Dialer{Timeout: connectTimeout}
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	} else {
		tr.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	}
	return tr
}

// baseOrDefault returns the per-account base URL override or the provider
// default, without a trailing slash.
func baseOrDefault(creds *gateway.Credentials, def string) string {
	base := def
	if creds != nil && creds.BaseURL != "" {
		base = creds.BaseURL
	}
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base
}
