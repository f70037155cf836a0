package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/balance"
	"github.com/eugener/warden/internal/crypto"
	"github.com/eugener/warden/internal/health"
	"github.com/eugener/warden/internal/kv"
	"github.com/eugener/warden/internal/oauth"
	"github.com/eugener/warden/internal/pool"
	"github.com/eugener/warden/internal/route"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/storage/sqlite"
	"github.com/eugener/warden/internal/upstream"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUsage struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (f *fakeUsage) Record(r gateway.UsageRecord) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
}

func (f *fakeUsage) all() []gateway.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.UsageRecord(nil), f.records...)
}

type harness struct {
	engine   *Engine
	usage    *fakeUsage
	key      *gateway.APIKey
	encKey   []byte
	accounts *storage.AccountRepo
	keys     *storage.KeyRepo
	routes   *storage.RouteRepo
	table    *route.Table
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := storage.NewUserRepo(s).Create(ctx, &gateway.User{ID: "u1", Name: "u1", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}

	keys := storage.NewKeyRepo(s)
	key := &gateway.APIKey{
		ID: "k1", OwnerID: "u1", Name: "test",
		KeyHash: gateway.HashKey("wdn_testkey"), IsActive: true,
		Permissions: []string{gateway.PermInference},
		CreatedAt:   t0,
	}
	if err := keys.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	encKey, err := crypto.DeriveKey("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}

	accounts := storage.NewAccountRepo(s)
	routes := storage.NewRouteRepo(s)
	table, err := route.New(ctx, routes)
	if err != nil {
		t.Fatal(err)
	}

	p, err := pool.New(accounts, pool.Opts{})
	if err != nil {
		t.Fatal(err)
	}
	scorer, err := health.NewScorer(nil)
	if err != nil {
		t.Fatal(err)
	}
	balancer := balance.New(scorer, balance.Opts{})

	om := oauth.New(kv.NewMemory(), accounts, encKey, oauth.Opts{})
	transports, err := upstream.NewTransports(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	usage := &fakeUsage{}
	eng := New(p, balancer, table, om, upstream.NewRegistry(), transports, keys, usage, encKey, Opts{
		Strategy: balance.StrategyPriorityFirst,
	})

	return &harness{
		engine: eng, usage: usage, key: key, encKey: encKey,
		accounts: accounts, keys: keys, routes: routes, table: table,
	}
}

func (h *harness) addAccount(t *testing.T, id string, provider gateway.Provider, priority int, creds *gateway.Credentials) {
	t.Helper()
	enc, err := oauth.EncryptCredentials(creds, h.encKey)
	if err != nil {
		t.Fatal(err)
	}
	err = h.accounts.Create(context.Background(), &gateway.UpstreamAccount{
		ID: id, OwnerID: "u1", Name: id, Provider: provider,
		AuthMethod: gateway.AuthAPIKey, CredentialsEnc: enc,
		State: gateway.StateActive, Priority: priority, Weight: 100,
		CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) request(method, path, body string) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	ctx := gateway.ContextWithRequestID(r.Context(), "req-test-1")
	ctx = gateway.ContextWithAPIKey(ctx, h.key)
	return r.WithContext(ctx)
}

func TestUnaryAnthropicPassthrough(t *testing.T) {
	t.Parallel()

	var gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","usage":{"input_tokens":8,"output_tokens":4}}`)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addAccount(t, "a1", gateway.ProviderAnthropic, 1, &gateway.Credentials{APIKey: "sk-real", BaseURL: srv.URL})

	body := `{"model":"claude-3-5-sonnet","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if err != nil {
		t.Fatal(err)
	}

	if gotKey != "sk-real" {
		t.Errorf("upstream x-api-key = %q, want decrypted key", gotKey)
	}
	if gotBody != body {
		t.Errorf("upstream body = %q, want unchanged", gotBody)
	}
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "msg_01") {
		t.Errorf("client response = %d %q", rec.Code, rec.Body.String())
	}

	records := h.usage.all()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	if records[0].StatusCode != 200 || records[0].TokensUsed != 12 {
		t.Errorf("usage record = %+v", records[0])
	}

	account, _ := h.accounts.Get(context.Background(), "a1")
	if account.RequestCount != 1 || account.SuccessCount != 1 {
		t.Errorf("account counters = %d/%d", account.RequestCount, account.SuccessCount)
	}
	key, _ := h.keys.Get(context.Background(), "k1")
	if key.RequestCount != 1 {
		t.Errorf("key request_count = %d, want 1", key.RequestCount)
	}
}

func TestModelRouteRewrite(t *testing.T) {
	t.Parallel()

	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var fields map[string]any
		json.Unmarshal(b, &fields)
		gotModel, _ = fields["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_02"}`)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addAccount(t, "anth", gateway.ProviderAnthropic, 1, &gateway.Credentials{APIKey: "sk-a", BaseURL: srv.URL})

	ctx := context.Background()
	if err := h.routes.Create(ctx, &gateway.ModelRoute{
		ID: "r1", APIKeyID: "k1", SourceModel: "gpt-4o",
		TargetModel: "claude-3-5-sonnet", TargetProvider: gateway.ProviderAnthropic,
		Priority: 1, Enabled: true, CreatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.table.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	body := `{"model":"gpt-4o","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if gotModel != "claude-3-5-sonnet" {
		t.Errorf("forwarded model = %q, want rewritten target", gotModel)
	}
}

func TestFailoverOn401(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("x-api-key") == "sk-stale" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid api key"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_ok"}`)
	}))
	defer srv.Close()

	h := newHarness(t)
	// Priority-first selection tries the stale account first.
	h.addAccount(t, "stale", gateway.ProviderAnthropic, 1, &gateway.Credentials{APIKey: "sk-stale", BaseURL: srv.URL})
	h.addAccount(t, "valid", gateway.ProviderAnthropic, 2, &gateway.Credentials{APIKey: "sk-valid", BaseURL: srv.URL})

	body := `{"model":"claude-3-5-sonnet","max_tokens":16,"messages":[]}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if err != nil {
		t.Fatal(err)
	}

	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "msg_ok") {
		t.Errorf("client response = %d %q, want the failover account's 200", rec.Code, rec.Body.String())
	}
	if calls.Load() != 2 {
		t.Errorf("outbound calls = %d, want 2", calls.Load())
	}

	// The stale account is demoted with the failure recorded.
	stale, _ := h.accounts.Get(context.Background(), "stale")
	if stale.State != gateway.StateError {
		t.Errorf("stale state = %s, want error", stale.State)
	}
	if stale.LastHealth == nil || stale.LastHealth.Error == "" {
		t.Errorf("stale health = %+v, want failure reason", stale.LastHealth)
	}

	// Two usage records: the failure and the success.
	records := h.usage.all()
	if len(records) != 2 {
		t.Fatalf("usage records = %d, want 2", len(records))
	}
	if records[0].StatusCode != http.StatusUnauthorized || records[0].UpstreamAccountID != "stale" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].StatusCode != 200 || records[1].UpstreamAccountID != "valid" {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestRetryBoundedToOneAlternative(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addAccount(t, "a1", gateway.ProviderAnthropic, 1, &gateway.Credentials{APIKey: "k1", BaseURL: srv.URL})
	h.addAccount(t, "a2", gateway.ProviderAnthropic, 2, &gateway.Credentials{APIKey: "k2", BaseURL: srv.URL})
	h.addAccount(t, "a3", gateway.ProviderAnthropic, 3, &gateway.Credentials{APIKey: "k3", BaseURL: srv.URL})

	body := `{"model":"claude-3-5-sonnet"}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if !errors.Is(err, gateway.ErrUpstreamStatus) {
		t.Fatalf("err = %v, want ErrUpstreamStatus", err)
	}
	if calls.Load() != 2 {
		t.Errorf("outbound calls = %d, want exactly 2 (initial + one retry)", calls.Load())
	}
}

func TestEmptyPool(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t)
	// Only an OpenAI account exists; the request targets Anthropic.
	h.addAccount(t, "oai", gateway.ProviderOpenAI, 1, &gateway.Credentials{APIKey: "k", BaseURL: srv.URL})

	body := `{"model":"claude-3-5-sonnet"}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if !errors.Is(err, gateway.ErrNoUpstream) {
		t.Fatalf("err = %v, want ErrNoUpstream", err)
	}
	if calls.Load() != 0 {
		t.Errorf("outbound calls = %d, want 0", calls.Load())
	}
}

func TestNonRetryableStatusMirrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addAccount(t, "a1", gateway.ProviderAnthropic, 1, &gateway.Credentials{APIKey: "k1", BaseURL: srv.URL})
	h.addAccount(t, "a2", gateway.ProviderAnthropic, 2, &gateway.Credentials{APIKey: "k2", BaseURL: srv.URL})

	body := `{"model":"claude-3-5-sonnet","max_tokens":0}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want provider 400 mirrored", rec.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("outbound calls = %d, want 1 (client errors do not fail over)", calls.Load())
	}
}

func TestStreamingPassthrough(t *testing.T) {
	t.Parallel()

	sse := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"m1","usage":{"input_tokens":5,"output_tokens":1}}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":7}}` + "\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addAccount(t, "a1", gateway.ProviderAnthropic, 1, &gateway.Credentials{APIKey: "k", BaseURL: srv.URL})

	body := `{"model":"claude-3-5-sonnet","stream":true}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Body.String() != sse {
		t.Error("stream must reach the client verbatim")
	}

	records := h.usage.all()
	if len(records) != 1 || records[0].TokensUsed != 12 {
		t.Errorf("usage = %+v, want 12 tokens from the stream tee", records)
	}
}

func TestMissingModelRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	body := `{"messages":[]}`
	rec := httptest.NewRecorder()
	err := h.engine.Handle(rec, h.request(http.MethodPost, "/v1/messages", body), gateway.ProviderAnthropic, []byte(body))
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}
