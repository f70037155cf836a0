package balance

import (
	"math"
	"math/rand"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/health"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testBalancer(t *testing.T, seed int64) *Balancer {
	t.Helper()
	scorer, err := health.NewScorer(func() time.Time { return t0 })
	if err != nil {
		t.Fatal(err)
	}
	return New(scorer, Opts{
		Rand: rand.New(rand.NewSource(seed)),
		Now:  func() time.Time { return t0 },
	})
}

func acct(id string, prio, weight int) *gateway.UpstreamAccount {
	return &gateway.UpstreamAccount{
		ID:       id,
		State:    gateway.StateActive,
		Priority: prio,
		Weight:   weight,
	}
}

func TestSelectEmptySnapshot(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 1)
	if got := b.Select(nil, StrategyPriorityFirst); got != nil {
		t.Errorf("Select(nil) = %v, want nil", got)
	}
}

func TestPriorityFirstPrefersLowestPriority(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 1)
	snapshot := []*gateway.UpstreamAccount{
		acct("p1-a", 1, 100),
		acct("p1-b", 1, 100),
		acct("p5", 5, 10000),
	}

	for i := 0; i < 100; i++ {
		got := b.Select(snapshot, StrategyPriorityFirst)
		if got.ID == "p5" {
			t.Fatal("priority 5 account selected while priority 1 accounts exist")
		}
	}
}

func TestLeastConnections(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 1)
	a1 := acct("busy", 1, 100)
	a1.RequestCount = 500
	a2 := acct("idle", 2, 100)
	a2.RequestCount = 3

	if got := b.Select([]*gateway.UpstreamAccount{a1, a2}, StrategyLeastConnections); got.ID != "idle" {
		t.Errorf("Select = %s, want idle", got.ID)
	}

	// Tie on request count: priority wins.
	a2.RequestCount = 500
	if got := b.Select([]*gateway.UpstreamAccount{a2, a1}, StrategyLeastConnections); got.ID != "busy" {
		t.Errorf("tie Select = %s, want busy (lower priority number)", got.ID)
	}
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 42)
	snapshot := []*gateway.UpstreamAccount{
		acct("a", 1, 100),
		acct("b", 1, 300),
		acct("c", 1, 600),
	}

	const draws = 10_000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[b.Select(snapshot, StrategyWeightedRoundRobin).ID]++
	}

	// Empirical frequency within 3 sigma of weight_i / total.
	total := 1000.0
	for _, a := range snapshot {
		p := float64(a.Weight) / total
		want := p * draws
		sigma := math.Sqrt(draws * p * (1 - p))
		got := float64(counts[a.ID])
		if math.Abs(got-want) > 3*sigma {
			t.Errorf("account %s: %v draws, want %v +/- %v", a.ID, got, want, 3*sigma)
		}
	}
}

func TestWeightedRoundRobinZeroWeights(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 7)
	snapshot := []*gateway.UpstreamAccount{
		acct("a", 1, 0),
		acct("b", 1, 0),
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[b.Select(snapshot, StrategyWeightedRoundRobin).ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("zero-weight selection not uniform: %v", seen)
	}
}

func TestFilterDropsErrorAccounts(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 1)
	bad := acct("bad", 1, 1000)
	bad.State = gateway.StateError
	good := acct("good", 5, 1)

	for i := 0; i < 50; i++ {
		if got := b.Select([]*gateway.UpstreamAccount{bad, good}, StrategyWeightedRoundRobin); got.ID != "good" {
			t.Fatalf("Select = %s, want good (error accounts filtered)", got.ID)
		}
	}
}

func TestFilterFallsBackToMostRecentlyUsed(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 1)
	older := acct("older", 1, 100)
	older.State = gateway.StateError
	usedOld := t0.Add(-time.Hour)
	older.LastUsedAt = &usedOld

	newer := acct("newer", 1, 100)
	newer.State = gateway.StateError
	usedNew := t0.Add(-time.Minute)
	newer.LastUsedAt = &usedNew

	got := b.Select([]*gateway.UpstreamAccount{older, newer}, StrategyPriorityFirst)
	if got == nil || got.ID != "newer" {
		t.Errorf("all-error fallback = %v, want newer", got)
	}
}

func TestFilterDropsRecentFailedProbe(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 1)
	flaky := acct("flaky", 1, 1000)
	flaky.LastHealth = &gateway.HealthStatus{Status: "fail", CheckedAt: t0.Add(-time.Minute)}
	steady := acct("steady", 5, 1)
	steady.LastHealth = &gateway.HealthStatus{Status: "ok", CheckedAt: t0.Add(-time.Minute)}

	for i := 0; i < 50; i++ {
		if got := b.Select([]*gateway.UpstreamAccount{flaky, steady}, StrategyWeightedRoundRobin); got.ID != "steady" {
			t.Fatalf("Select = %s, want steady (recent probe failure filtered)", got.ID)
		}
	}

	// A failure outside the window no longer filters.
	flaky.LastHealth.CheckedAt = t0.Add(-time.Hour)
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		seen[b.Select([]*gateway.UpstreamAccount{flaky, steady}, StrategyWeightedRoundRobin).ID] = true
	}
	if !seen["flaky"] {
		t.Error("stale probe failure should not filter the account")
	}
}

func TestAdaptivePrefersHealthier(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 99)

	strong := acct("strong", 1, 100)
	strong.RequestCount, strong.SuccessCount = 100, 100
	strong.LastHealth = &gateway.HealthStatus{Status: "ok", LatencyMs: 100, CheckedAt: t0}

	weak := acct("weak", 1, 100)
	weak.RequestCount, weak.SuccessCount, weak.ErrorCount = 100, 55, 45
	weak.LastHealth = &gateway.HealthStatus{Status: "ok", LatencyMs: 4000, CheckedAt: t0}

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[b.Select([]*gateway.UpstreamAccount{weak, strong}, StrategyAdaptive).ID]++
	}
	if counts["strong"] <= counts["weak"] {
		t.Errorf("adaptive counts = %v, want strong favored", counts)
	}
}

func TestAdaptiveDropsLowScores(t *testing.T) {
	t.Parallel()

	b := testBalancer(t, 3)

	dying := acct("dying", 1, 100)
	dying.RequestCount, dying.ErrorCount = 100, 95
	dying.SuccessCount = 5
	dying.LastHealth = &gateway.HealthStatus{Status: "ok", LatencyMs: 9000, CheckedAt: t0.Add(-time.Hour)}

	fine := acct("fine", 1, 100)
	fine.RequestCount, fine.SuccessCount = 100, 100
	fine.LastHealth = &gateway.HealthStatus{Status: "ok", LatencyMs: 100, CheckedAt: t0}

	for i := 0; i < 100; i++ {
		if got := b.Select([]*gateway.UpstreamAccount{dying, fine}, StrategyAdaptive); got.ID != "fine" {
			t.Fatalf("Select = %s, want fine (score floor)", got.ID)
		}
	}
}

func TestDeterministicWithFixedSeed(t *testing.T) {
	t.Parallel()

	snapshot := []*gateway.UpstreamAccount{
		acct("a", 1, 100),
		acct("b", 1, 200),
		acct("c", 1, 300),
	}

	run := func() []string {
		b := testBalancer(t, 1234)
		out := make([]string, 50)
		for i := range out {
			out[i] = b.Select(snapshot, StrategyWeightedRoundRobin).ID
		}
		return out
	}

	first, second := run(), run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("selection diverged at %d: %s vs %s", i, first[i], second[i])
		}
	}
}
