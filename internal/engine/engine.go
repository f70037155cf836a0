// Package engine implements the proxy control flow: route the requested
// model, select a healthy upstream account, prepare credentials, forward the
// request (unary or streamed), retry once on failure, and record usage.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/balance"
	"github.com/eugener/warden/internal/oauth"
	"github.com/eugener/warden/internal/pool"
	"github.com/eugener/warden/internal/route"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/upstream"
)

// UsageRecorder accepts usage records without blocking the request path.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

const (
	defaultUnaryTimeout = 60 * time.Second
	defaultStreamIdle   = 60 * time.Second

	// maxRetries bounds failover: the first selection plus one alternative.
	maxRetries = 1
)

// Engine forwards inference requests through the account pool.
type Engine struct {
	pool       *pool.Pool
	balancer   *balance.Balancer
	routes     *route.Table
	oauth      *oauth.Manager
	upstreams  *upstream.Registry
	transports *upstream.Transports
	keys       *storage.KeyRepo
	usage      UsageRecorder
	encKey     []byte

	strategy     balance.Strategy
	unaryTimeout time.Duration
	streamIdle   time.Duration
	now          func() time.Time
}

// Opts configures an Engine. Zero values take defaults.
type Opts struct {
	Strategy     balance.Strategy
	UnaryTimeout time.Duration
	StreamIdle   time.Duration
	Now          func() time.Time
}

// New wires an Engine.
func New(p *pool.Pool, b *balance.Balancer, rt *route.Table, om *oauth.Manager,
	ups *upstream.Registry, tr *upstream.Transports, keys *storage.KeyRepo,
	usage UsageRecorder, encKey []byte, opts Opts) *Engine {

	if opts.Strategy == "" {
		opts.Strategy = balance.StrategyAdaptive
	}
	if opts.UnaryTimeout <= 0 {
		opts.UnaryTimeout = defaultUnaryTimeout
	}
	if opts.StreamIdle <= 0 {
		opts.StreamIdle = defaultStreamIdle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		pool:       p,
		balancer:   b,
		routes:     rt,
		oauth:      om,
		upstreams:  ups,
		transports: tr,
		keys:       keys,
		usage:      usage,
		encKey:     encKey,

		strategy:     opts.Strategy,
		unaryTimeout: opts.UnaryTimeout,
		streamIdle:   opts.StreamIdle,
		now:          opts.Now,
	}
}

// Handle forwards an authenticated inference request addressed to the given
// provider protocol. A nil return means the response has been written
// (success or a mirrored upstream error); a non-nil error means nothing was
// written and the transport layer should render it.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request, inferred gateway.Provider, body []byte) error {
	key := gateway.APIKeyFromContext(r.Context())
	if key == nil {
		return gateway.ErrAuthInvalid
	}

	// Classify: model field and streaming mode.
	model := gjson.GetBytes(body, "model").String()
	if model == "" && inferred == gateway.ProviderGemini {
		model = geminiModelFromPath(r.URL.Path)
	}
	if model == "" {
		return fmt.Errorf("%w: model not specified", gateway.ErrBadRequest)
	}
	streaming := gjson.GetBytes(body, "stream").Bool() ||
		strings.Contains(r.URL.Path, ":streamGenerateContent")

	// Route: rewrite the model field when a rule matches. Gemini carries
	// the model in the path, not the body.
	resolution := e.routes.Resolve(key.ID, model, inferred)
	if resolution.Rewritten {
		if inferred == gateway.ProviderGemini {
			r = r.Clone(r.Context())
			r.URL.Path = rewriteGeminiPath(r.URL.Path, resolution.TargetModel)
		} else {
			rewritten, err := rewriteModel(body, resolution.TargetModel)
			if err != nil {
				return fmt.Errorf("%w: %w", gateway.ErrBadRequest, err)
			}
			body = rewritten
		}
	}

	// Select from the owner's healthy accounts for the target provider.
	snapshot, err := e.pool.Snapshot(r.Context(), key.OwnerID, resolution.TargetProvider, false)
	if err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrInternal, err)
	}

	excluded := map[string]bool{}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		account := e.balancer.Select(remaining(snapshot, excluded), e.strategy)
		if account == nil {
			if lastErr != nil {
				return lastErr
			}
			return gateway.ErrNoUpstream
		}

		done, err := e.attempt(w, r, account, resolution.TargetProvider, key, body, streaming)
		if done || err == nil {
			return err
		}
		excluded[account.ID] = true
		lastErr = err
	}
	return lastErr
}

// remaining filters out accounts already tried this request.
func remaining(snapshot []*gateway.UpstreamAccount, excluded map[string]bool) []*gateway.UpstreamAccount {
	if len(excluded) == 0 {
		return snapshot
	}
	out := make([]*gateway.UpstreamAccount, 0, len(snapshot))
	for _, a := range snapshot {
		if !excluded[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// attempt runs one outbound call against one account. done=true means the
// response was written (or the failure is not retryable) and the engine
// must not try another account.
func (e *Engine) attempt(w http.ResponseWriter, r *http.Request, account *gateway.UpstreamAccount,
	provider gateway.Provider, key *gateway.APIKey, body []byte, streaming bool) (done bool, err error) {

	start := e.now()

	// Prepare credentials: decrypt, refresh OAuth tokens nearing expiry.
	creds, err := oauth.DecryptCredentials(account.CredentialsEnc, e.encKey)
	if err != nil {
		return true, err
	}
	creds, err = e.oauth.EnsureFresh(r.Context(), account, creds)
	if err != nil {
		e.finishFailure(r, account, key, 0, start, err)
		return false, err
	}

	ups, err := e.upstreams.Get(provider)
	if err != nil {
		return true, fmt.Errorf("%w: %w", gateway.ErrInternal, err)
	}
	client, err := e.transports.Client(account.ProxyBinding)
	if err != nil {
		return true, fmt.Errorf("%w: %w", gateway.ErrInternal, err)
	}

	// Outbound context: unary calls carry a total deadline; streams run
	// until done or idle, and cancel with the client connection.
	ctx := r.Context()
	var cancel context.CancelFunc
	if streaming {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, e.unaryTimeout)
	}
	defer cancel()

	out, err := upstream.BuildRequest(ctx, ups, account.AuthMethod, creds, r, body)
	if err != nil {
		return true, fmt.Errorf("%w: %w", gateway.ErrInternal, err)
	}

	resp, err := client.Do(out)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away: record and stop, no retry.
			e.recordCanceled(r, account, key, start)
			return true, nil
		}
		transportErr := fmt.Errorf("%w: %w", gateway.ErrUpstreamTransport, err)
		e.finishFailure(r, account, key, 0, start, transportErr)
		return false, transportErr
	}

	if retryable(resp.StatusCode) {
		drain(resp)
		statusErr := statusError(resp.StatusCode)
		e.finishFailure(r, account, key, resp.StatusCode, start, statusErr)
		if resp.StatusCode == http.StatusUnauthorized {
			e.markAuthFailed(r.Context(), account)
		}
		return false, statusErr
	}

	// Success or a mirrored client error: relay verbatim.
	result, relayErr := upstream.Relay(w, resp, provider, upstream.RelayOpts{
		IdleTimeout:    e.streamIdle,
		CancelUpstream: cancel,
	})

	latency := e.now().Sub(start).Milliseconds()
	dctx, dcancel := detached(r)
	defer dcancel()
	switch {
	case relayErr != nil && (errors.Is(relayErr, gateway.ErrCanceled) || r.Context().Err() != nil):
		// Client disconnect: the relay saw a write failure or the inbound
		// context died under it. Record 499, no retry.
		e.recordCanceled(r, account, key, start)
	case relayErr != nil:
		// The stream broke after headers went out; the client sees a
		// truncated body. Record the failure, nothing more to write.
		e.record(r, account, key, result.StatusCode, latency, result.TokensUsed, relayErr.Error())
		e.pool.RecordUsage(dctx, account.ID, false, &latency) //nolint:errcheck
	default:
		success := result.StatusCode < http.StatusBadRequest
		e.record(r, account, key, result.StatusCode, latency, result.TokensUsed, "")
		e.pool.RecordUsage(dctx, account.ID, success, &latency) //nolint:errcheck
		if success {
			e.keys.IncrementRequests(dctx, key.ID, e.now()) //nolint:errcheck
		}
	}
	return true, nil
}

// finishFailure records counters and a usage row for a failed attempt that
// wrote nothing to the client.
func (e *Engine) finishFailure(r *http.Request, account *gateway.UpstreamAccount, key *gateway.APIKey,
	status int, start time.Time, cause error) {

	latency := e.now().Sub(start).Milliseconds()
	dctx, cancel := detached(r)
	defer cancel()
	e.pool.RecordUsage(dctx, account.ID, false, &latency) //nolint:errcheck
	e.record(r, account, key, status, latency, 0, cause.Error())
}

// markAuthFailed demotes an account whose provider rejected its credentials
// and drops the owner's cached snapshots so new requests see the new state.
func (e *Engine) markAuthFailed(ctx context.Context, account *gateway.UpstreamAccount) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.pool.MarkFailed(dctx, account.ID, "token_expired_or_invalid"); err != nil {
		slog.LogAttrs(dctx, slog.LevelWarn, "mark failed errored",
			slog.String("account", account.ID),
			slog.String("error", err.Error()),
		)
	}
	e.pool.Invalidate(account.OwnerID)
}

func (e *Engine) recordCanceled(r *http.Request, account *gateway.UpstreamAccount, key *gateway.APIKey, start time.Time) {
	latency := e.now().Sub(start).Milliseconds()
	e.record(r, account, key, gateway.StatusClientClosed, latency, 0, "client disconnected")
}

// record writes a usage row through the non-blocking recorder.
func (e *Engine) record(r *http.Request, account *gateway.UpstreamAccount, key *gateway.APIKey,
	status int, latencyMs, tokens int64, errMsg string) {

	if e.usage == nil {
		return
	}
	requestID := gateway.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}
	rec := gateway.UsageRecord{
		APIKeyID:       key.ID,
		RequestID:      requestID,
		Method:         r.Method,
		Endpoint:       r.URL.Path,
		StatusCode:     status,
		ResponseTimeMs: latencyMs,
		TokensUsed:     tokens,
		ErrorMessage:   errMsg,
		CreatedAt:      e.now(),
	}
	if account != nil {
		rec.UpstreamAccountID = account.ID
	}
	e.usage.Record(rec)
}

// retryable: transport-adjacent provider failures worth one alternative
// account. Other 4xx mirror straight to the client.
func retryable(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

func statusError(status int) error {
	return &gateway.UpstreamStatusError{Status: status}
}

// drain discards a failed response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024)) //nolint:errcheck
	resp.Body.Close()
}

// detached returns a bounded context that survives client disconnect, for
// counter and usage writes that must land either way.
func detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
}

// rewriteModel replaces the top-level model field, leaving every other field
// untouched.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}

// rewriteGeminiPath swaps the model segment in /v1beta/models/{model}:{action}.
func rewriteGeminiPath(path, model string) string {
	const prefix = "/v1beta/models/"
	rest, found := strings.CutPrefix(path, prefix)
	if !found {
		return path
	}
	_, action, found := strings.Cut(rest, ":")
	if !found {
		return path
	}
	return prefix + model + ":" + action
}

// geminiModelFromPath extracts the model from /v1beta/models/{model}:{action}.
func geminiModelFromPath(path string) string {
	const prefix = "/v1beta/models/"
	rest, found := strings.CutPrefix(path, prefix)
	if !found {
		return ""
	}
	model, _, found := strings.Cut(rest, ":")
	if !found {
		return ""
	}
	return model
}
