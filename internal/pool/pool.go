// Package pool maintains the in-memory index of upstream accounts: TTL-bound
// snapshots filtered by owner and provider, usage counters, and failure
// marking. Snapshots are immutable once built; counter writers go straight
// to the store without invalidating them, so snapshot counters may be
// slightly stale by design of the concurrency model.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

const (
	// DefaultSnapshotTTL is how long a cached snapshot serves reads before
	// the next call rebuilds it from the store.
	DefaultSnapshotTTL = 60 * time.Second

	// cacheRetention is when unused entries get swept regardless of reads.
	cacheRetention = 10 * time.Minute

	cacheMaxLen = 4096
)

// snapshotEntry pairs a built snapshot with its build time for the
// freshness check on read.
type snapshotEntry struct {
	accounts []*gateway.UpstreamAccount
	takenAt  time.Time
}

// Pool is the upstream account index.
type Pool struct {
	accounts *storage.AccountRepo
	cache    *otter.Cache[string, snapshotEntry]
	ttl      time.Duration
	now      func() time.Time
}

// Opts configures a Pool. Zero values take defaults.
type Opts struct {
	SnapshotTTL time.Duration
	Now         func() time.Time
}

// New returns a Pool over the given account repo.
func New(accounts *storage.AccountRepo, opts Opts) (*Pool, error) {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = DefaultSnapshotTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := otter.New(&otter.Options[string, snapshotEntry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, snapshotEntry](cacheRetention),
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	return &Pool{accounts: accounts, cache: cache, ttl: opts.SnapshotTTL, now: opts.Now}, nil
}

func cacheKey(ownerID string, provider gateway.Provider, includeInactive bool) string {
	k := ownerID + "|" + string(provider)
	if includeInactive {
		return k + "|all"
	}
	return k + "|active"
}

// Snapshot returns the owner's accounts matching the provider filter,
// ordered by (priority ASC, weight DESC, created_at ASC). Results come from
// cache when fresh; otherwise the snapshot is rebuilt from the store.
func (p *Pool) Snapshot(ctx context.Context, ownerID string, provider gateway.Provider, includeInactive bool) ([]*gateway.UpstreamAccount, error) {
	key := cacheKey(ownerID, provider, includeInactive)
	now := p.now()

	if entry, ok := p.cache.GetIfPresent(key); ok && now.Sub(entry.takenAt) < p.ttl {
		return entry.accounts, nil
	}

	accounts, err := p.accounts.ListByOwner(ctx, ownerID, provider, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	p.cache.Set(key, snapshotEntry{accounts: accounts, takenAt: now})
	return accounts, nil
}

// Invalidate drops every cached snapshot for the owner. Cache keys are
// deterministic per (provider, filter), so the sweep enumerates the combos
// instead of scanning the cache.
func (p *Pool) Invalidate(ownerID string) {
	providers := []gateway.Provider{
		gateway.ProviderAny,
		gateway.ProviderAnthropic,
		gateway.ProviderOpenAI,
		gateway.ProviderGemini,
		gateway.ProviderQwen,
	}
	for _, provider := range providers {
		p.cache.Invalidate(cacheKey(ownerID, provider, false))
		p.cache.Invalidate(cacheKey(ownerID, provider, true))
	}
}

// RecordUsage atomically bumps the account's request counter and one of
// success/error. When a latency observation is present, the health status
// is updated too: success recovers an errored account to active, failure
// records the observation but leaves state to the failover policy.
func (p *Pool) RecordUsage(ctx context.Context, accountID string, success bool, latencyMs *int64) error {
	now := p.now()
	if err := p.accounts.IncrementUsage(ctx, accountID, success, now); err != nil {
		return err
	}
	if latencyMs == nil {
		return nil
	}

	status := "fail"
	if success {
		status = "ok"
	}
	hs := &gateway.HealthStatus{Status: status, LatencyMs: *latencyMs, CheckedAt: now}
	if err := p.accounts.SetHealthOutcome(ctx, accountID, hs); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "health outcome write failed",
			slog.String("account", accountID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// MarkFailed transitions the account to error immediately (the proxy
// failover policy; the prober uses its own consecutive-failure rule).
func (p *Pool) MarkFailed(ctx context.Context, accountID, reason string) error {
	return p.accounts.MarkFailed(ctx, accountID, reason, p.now())
}
