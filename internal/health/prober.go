package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

const (
	// errorThreshold: a failing probe only demotes the account to error
	// after the previous check also failed and this many errors accumulated.
	// Transient blips keep the account in its current state.
	errorThreshold = 3
)

// ProbeFunc issues a minimal provider-specific validation request for the
// account and returns the observed latency. A nil error means HTTP 2xx.
type ProbeFunc func(ctx context.Context, account *gateway.UpstreamAccount) (latencyMs int64, err error)

// Invalidator drops cached pool snapshots for an owner after the prober
// changes account state.
type Invalidator interface {
	Invalidate(ownerID string)
}

// Prober periodically validates every account in states active, pending, or
// error against its upstream, in bounded parallel batches.
type Prober struct {
	accounts    *storage.AccountRepo
	probe       ProbeFunc
	scorer      *Scorer
	invalidator Invalidator

	interval    time.Duration
	concurrency int
	timeout     time.Duration
	now         func() time.Time
}

// ProberOpts configures a Prober. Zero values take defaults
// (5 min interval, 5 concurrent, 10 s per-probe timeout).
type ProberOpts struct {
	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration
	Scorer      *Scorer
	Invalidator Invalidator
	Now         func() time.Time
}

// NewProber returns a Prober over the given account repo and probe function.
func NewProber(accounts *storage.AccountRepo, probe ProbeFunc, opts ProberOpts) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Prober{
		accounts:    accounts,
		probe:       probe,
		scorer:      opts.Scorer,
		invalidator: opts.Invalidator,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		now:         opts.Now,
	}
}

// Name returns the worker identifier.
func (p *Prober) Name() string { return "health_prober" }

// Run probes all eligible accounts on the configured interval until ctx is
// cancelled. The first sweep runs immediately.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.ProbeAll(ctx); err != nil && ctx.Err() == nil {
			slog.LogAttrs(ctx, slog.LevelError, "probe sweep failed",
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// ProbeAll probes every account in states active, pending, or error with
// bounded parallelism.
func (p *Prober) ProbeAll(ctx context.Context) error {
	accounts, err := p.accounts.ListByStates(ctx,
		gateway.StateActive, gateway.StatePending, gateway.StateError)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, a := range accounts {
		g.Go(func() error {
			p.ProbeAccount(ctx, a)
			return nil
		})
	}
	return g.Wait()
}

// ProbeAccount probes one account and applies the result. It never returns
// an error: probe failures are account state, not prober failures.
func (p *Prober) ProbeAccount(ctx context.Context, a *gateway.UpstreamAccount) *gateway.HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	latency, err := p.probe(probeCtx, a)
	now := p.now()

	var hs *gateway.HealthStatus
	var state gateway.AccountState
	if err == nil {
		hs = &gateway.HealthStatus{Status: "ok", LatencyMs: latency, CheckedAt: now}
		// A healthy probe recovers pending and error accounts.
		if a.State == gateway.StatePending || a.State == gateway.StateError {
			state = gateway.StateActive
		}
	} else {
		hs = &gateway.HealthStatus{Status: "fail", LatencyMs: latency, Error: err.Error(), CheckedAt: now}
		// Only demote after consecutive failures with a real error history.
		prevFailed := a.LastHealth != nil && !a.LastHealth.OK()
		if a.State != gateway.StateError && prevFailed && a.ErrorCount >= errorThreshold {
			state = gateway.StateError
		}
	}

	if uerr := p.accounts.SetHealth(ctx, a.ID, hs, state); uerr != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "probe result write failed",
			slog.String("account", a.ID),
			slog.String("error", uerr.Error()),
		)
		return hs
	}
	if p.scorer != nil {
		p.scorer.Invalidate(a.ID)
	}
	if p.invalidator != nil && state != "" {
		p.invalidator.Invalidate(a.OwnerID)
	}

	slog.LogAttrs(ctx, slog.LevelDebug, "account probed",
		slog.String("account", a.ID),
		slog.String("provider", string(a.Provider)),
		slog.String("status", hs.Status),
		slog.Int64("latency_ms", hs.LatencyMs),
	)
	return hs
}
