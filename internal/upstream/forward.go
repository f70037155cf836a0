package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/warden/internal"
)

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// BuildRequest assembles the outbound request: upstream base + the inbound
// path and query, the (possibly model-rewritten) body, the client's
// non-auth headers, and the account's credentials.
func BuildRequest(ctx context.Context, u Upstream, method gateway.AuthMethod, creds *gateway.Credentials, inbound *http.Request, body []byte) (*http.Request, error) {
	target := u.BaseURL(creds) + inbound.URL.Path
	if inbound.URL.RawQuery != "" {
		target += "?" + inbound.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, inbound.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	// Copy non-hop-by-hop headers. Inbound auth headers are the gateway's
	// own credentials; Authorize injects the upstream's.
	for key, vals := range inbound.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" || lower == "x-goog-api-key" {
			continue
		}
		out.Header[key] = vals
	}
	out.Header.Set("Content-Length", fmt.Sprint(len(body)))
	out.ContentLength = int64(len(body))

	u.Authorize(out, method, creds)
	return out, nil
}

// RelayResult summarizes a relayed response.
type RelayResult struct {
	StatusCode   int
	TokensUsed   int64
	BytesWritten int64
	Streamed     bool
}

// RelayOpts controls the relay loop.
type RelayOpts struct {
	// IdleTimeout bounds the gap between upstream reads during streaming.
	IdleTimeout time.Duration
	// CancelUpstream aborts the outbound request; fired on idle timeout.
	CancelUpstream context.CancelFunc
}

const (
	relayChunkSize = 32 * 1024
	// maxUnaryCapture bounds the side buffer used to extract usage metadata
	// from unary responses. Bodies beyond it still relay; usage reads 0.
	maxUnaryCapture = 1 << 20
	// maxRelayBody caps unary responses to keep a misbehaving upstream from
	// unbounded allocation downstream.
	maxRelayBody = 32 << 20
)

// Relay copies the upstream response to the client verbatim: status,
// headers, then the body. Streaming bodies (SSE, chunked JSON) are flushed
// chunk by chunk with at most one chunk in memory; an incremental parser
// tees usage metadata out of the byte stream as it passes.
func Relay(w http.ResponseWriter, resp *http.Response, provider gateway.Provider, opts RelayOpts) (RelayResult, error) {
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	result := RelayResult{StatusCode: resp.StatusCode}
	ct := resp.Header.Get("Content-Type")
	flusher, canFlush := w.(http.Flusher)
	result.Streamed = canFlush && isStreamingContentType(ct)

	if result.Streamed {
		return relayStream(w, flusher, resp.Body, provider, opts, result)
	}
	return relayUnary(w, resp.Body, provider, result)
}

func isStreamingContentType(ct string) bool {
	return strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json")
}

func relayStream(w io.Writer, flusher http.Flusher, body io.Reader, provider gateway.Provider, opts RelayOpts, result RelayResult) (RelayResult, error) {
	parser := newUsageParser(provider)

	// The idle watchdog cancels the upstream request when no bytes arrive
	// for the idle window; each read rearms it.
	var idle *time.Timer
	if opts.IdleTimeout > 0 && opts.CancelUpstream != nil {
		idle = time.AfterFunc(opts.IdleTimeout, opts.CancelUpstream)
		defer idle.Stop()
	}

	buf := make([]byte, relayChunkSize)
	for {
		n, readErr := body.Read(buf)
		if idle != nil {
			idle.Reset(opts.IdleTimeout)
		}
		if n > 0 {
			parser.feed(buf[:n])
			wn, writeErr := w.Write(buf[:n])
			result.BytesWritten += int64(wn)
			if writeErr != nil {
				result.TokensUsed = parser.total()
				return result, fmt.Errorf("%w: write to client: %w", gateway.ErrCanceled, writeErr)
			}
			flusher.Flush()
		}
		if readErr != nil {
			result.TokensUsed = parser.total()
			if readErr == io.EOF {
				return result, nil
			}
			return result, fmt.Errorf("%w: read upstream stream: %w", gateway.ErrUpstreamTransport, readErr)
		}
	}
}

func relayUnary(w io.Writer, body io.Reader, provider gateway.Provider, result RelayResult) (RelayResult, error) {
	var capture bytes.Buffer
	buf := make([]byte, relayChunkSize)
	limited := io.LimitReader(body, maxRelayBody)
	for {
		n, readErr := limited.Read(buf)
		if n > 0 {
			if capture.Len() < maxUnaryCapture {
				capture.Write(buf[:n])
			}
			wn, writeErr := w.Write(buf[:n])
			result.BytesWritten += int64(wn)
			if writeErr != nil {
				return result, fmt.Errorf("%w: write to client: %w", gateway.ErrCanceled, writeErr)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return result, fmt.Errorf("%w: read upstream response: %w", gateway.ErrUpstreamTransport, readErr)
			}
			break
		}
	}
	if capture.Len() <= maxUnaryCapture {
		result.TokensUsed = unaryUsage(provider, capture.Bytes())
	}
	return result, nil
}

// unaryUsage extracts token usage from a complete response body,
// best-effort: absent fields read as zero.
func unaryUsage(provider gateway.Provider, body []byte) int64 {
	switch provider {
	case gateway.ProviderAnthropic:
		u := gjson.GetBytes(body, "usage")
		return u.Get("input_tokens").Int() + u.Get("output_tokens").Int()
	case gateway.ProviderGemini:
		return gjson.GetBytes(body, "usageMetadata.totalTokenCount").Int()
	default:
		return gjson.GetBytes(body, "usage.total_tokens").Int()
	}
}

// --- Streaming usage extraction ---

const maxParseLine = 64 * 1024

// usageParser incrementally scans the relayed byte stream for usage
// metadata without buffering more than one line. Lines longer than the cap
// are discarded unparsed; the stream itself is unaffected.
type usageParser struct {
	provider gateway.Provider
	partial  []byte
	overflow bool

	inputTokens  int64
	outputTokens int64
	totalTokens  int64
}

func newUsageParser(provider gateway.Provider) *usageParser {
	return &usageParser{provider: provider}
}

func (p *usageParser) feed(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.buffer(chunk)
			return
		}
		p.buffer(chunk[:i])
		if !p.overflow {
			p.line(p.partial)
		}
		p.partial = p.partial[:0]
		p.overflow = false
		chunk = chunk[i+1:]
	}
}

func (p *usageParser) buffer(b []byte) {
	if p.overflow || len(p.partial)+len(b) > maxParseLine {
		p.overflow = true
		return
	}
	p.partial = append(p.partial, b...)
}

func (p *usageParser) line(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if data, found := bytes.CutPrefix(line, []byte("data: ")); found {
		line = data
	} else if p.provider == gateway.ProviderGemini {
		// Gemini's non-SSE stream is a JSON array; usage arrives on the
		// closing chunk. Scan any line mentioning it.
		if !bytes.Contains(line, []byte("usageMetadata")) {
			return
		}
		line = bytes.TrimLeft(line, "[,")
		line = bytes.TrimRight(line, "],")
	} else {
		return
	}
	if len(line) == 0 || line[0] != '{' {
		return
	}

	switch p.provider {
	case gateway.ProviderAnthropic:
		r := gjson.ParseBytes(line)
		switch r.Get("type").String() {
		case "message_start":
			p.inputTokens = r.Get("message.usage.input_tokens").Int()
		case "message_delta":
			if v := r.Get("usage.output_tokens"); v.Exists() {
				p.outputTokens = v.Int()
			}
		}
	case gateway.ProviderGemini:
		if v := gjson.GetBytes(line, "usageMetadata.totalTokenCount"); v.Exists() {
			p.totalTokens = v.Int()
		}
	default:
		if v := gjson.GetBytes(line, "usage.total_tokens"); v.Exists() && v.Int() > 0 {
			p.totalTokens = v.Int()
		}
	}
}

// total returns the tokens observed so far.
func (p *usageParser) total() int64 {
	if p.totalTokens > 0 {
		return p.totalTokens
	}
	return p.inputTokens + p.outputTokens
}
