// Package testutil provides a wired gateway fixture for integration-style
// tests: real sqlite storage, the in-memory KV cache, and every core
// component constructed the way cmd/warden wires them.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/balance"
	"github.com/eugener/warden/internal/crypto"
	"github.com/eugener/warden/internal/engine"
	"github.com/eugener/warden/internal/health"
	"github.com/eugener/warden/internal/kv"
	"github.com/eugener/warden/internal/oauth"
	"github.com/eugener/warden/internal/pool"
	"github.com/eugener/warden/internal/route"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/storage/sqlite"
	"github.com/eugener/warden/internal/upstream"
)

// T0 is the fixed clock all fixtures start at.
var T0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// CapturedUsage is a UsageRecorder that collects records in memory.
type CapturedUsage struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

// Record implements engine.UsageRecorder.
func (c *CapturedUsage) Record(r gateway.UsageRecord) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// Records returns a copy of everything recorded so far.
func (c *CapturedUsage) Records() []gateway.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.UsageRecord(nil), c.records...)
}

// Fixture is a fully wired gateway core over in-memory backends.
type Fixture struct {
	Store    *sqlite.Store
	Accounts *storage.AccountRepo
	Keys     *storage.KeyRepo
	Routes   *storage.RouteRepo
	Usage    *storage.UsageRepo
	Users    *storage.UserRepo
	KV       kv.Cache
	EncKey   []byte

	Pool     *pool.Pool
	Balancer *balance.Balancer
	Table    *route.Table
	OAuth    *oauth.Manager
	Engine   *engine.Engine
	Auth     *auth.APIKeyAuth
	Admin    *auth.AdminAuth
	Captured *CapturedUsage

	// APIKeyPlain authenticates as the fixture's seeded key.
	APIKeyPlain string
	APIKey      *gateway.APIKey
}

// NewFixture builds the full core with one seeded user ("u1") and one
// active API key.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	users := storage.NewUserRepo(s)
	if err := users.Create(ctx, &gateway.User{ID: "u1", Name: "u1", CreatedAt: T0}); err != nil {
		t.Fatal(err)
	}

	encKey, err := crypto.DeriveKey("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}

	keys := storage.NewKeyRepo(s)
	apiKeyAuth, err := auth.NewAPIKeyAuth(keys, nil)
	if err != nil {
		t.Fatal(err)
	}
	plaintext, key, err := apiKeyAuth.Issue(ctx, auth.IssueOpts{OwnerID: "u1", Name: "fixture"})
	if err != nil {
		t.Fatal(err)
	}

	accounts := storage.NewAccountRepo(s)
	routeRepo := storage.NewRouteRepo(s)
	table, err := route.New(ctx, routeRepo)
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

	cache := kv.NewMemory()
	om := oauth.New(cache, accounts, encKey, oauth.Opts{})
	transports, err := upstream.NewTransports(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	captured := &CapturedUsage{}
	eng := engine.New(p, balance.New(scorer, balance.Opts{}), table, om,
		upstream.NewRegistry(), transports, keys, captured, encKey,
		engine.Opts{Strategy: balance.StrategyPriorityFirst})

	return &Fixture{
		Store:    s,
		Accounts: accounts,
		Keys:     keys,
		Routes:   routeRepo,
		Usage:    storage.NewUsageRepo(s),
		Users:    users,
		KV:       cache,
		EncKey:   encKey,

		Pool:     p,
		Balancer: balance.New(scorer, balance.Opts{}),
		Table:    table,
		OAuth:    om,
		Engine:   eng,
		Auth:     apiKeyAuth,
		Admin:    auth.NewAdminAuth([]byte("fedcba9876543210fedcba9876543210"), nil),
		Captured: captured,

		APIKeyPlain: plaintext,
		APIKey:      key,
	}
}

// AddAccount seeds an active upstream account whose base URL points at a
// test server.
func (f *Fixture) AddAccount(t *testing.T, id string, provider gateway.Provider, priority int, creds *gateway.Credentials) {
	t.Helper()
	enc, err := oauth.EncryptCredentials(creds, f.EncKey)
	if err != nil {
		t.Fatal(err)
	}
	err = f.Accounts.Create(context.Background(), &gateway.UpstreamAccount{
		ID: id, OwnerID: "u1", Name: id, Provider: provider,
		AuthMethod: gateway.AuthAPIKey, CredentialsEnc: enc,
		State: gateway.StateActive, Priority: priority, Weight: 100,
		CreatedAt: T0, UpdatedAt: T0,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.Pool.Invalidate("u1")
}
