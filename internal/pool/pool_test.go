package pool

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/storage/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPool(t *testing.T, now *time.Time) (*Pool, *storage.AccountRepo) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if err := storage.NewUserRepo(s).Create(context.Background(), &gateway.User{
		ID: "u1", Name: "u1", CreatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}

	repo := storage.NewAccountRepo(s)
	p, err := New(repo, Opts{Now: func() time.Time { return *now }})
	if err != nil {
		t.Fatal(err)
	}
	return p, repo
}

func seed(t *testing.T, repo *storage.AccountRepo, id string, provider gateway.Provider, state gateway.AccountState, prio, weight int) {
	t.Helper()
	err := repo.Create(context.Background(), &gateway.UpstreamAccount{
		ID: id, OwnerID: "u1", Provider: provider,
		AuthMethod: gateway.AuthAPIKey, CredentialsEnc: "x",
		State: state, Priority: prio, Weight: weight,
		CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotFiltersProvider(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "anth", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)
	seed(t, repo, "oai", gateway.ProviderOpenAI, gateway.StateActive, 1, 100)

	snap, err := p.Snapshot(context.Background(), "u1", gateway.ProviderAnthropic, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || snap[0].ID != "anth" {
		t.Errorf("snapshot = %v", ids(snap))
	}

	all, err := p.Snapshot(context.Background(), "u1", gateway.ProviderAny, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("any-provider snapshot = %v", ids(all))
	}
}

func TestSnapshotExcludesInactive(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "on", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)
	seed(t, repo, "off", gateway.ProviderAnthropic, gateway.StateInactive, 1, 100)

	snap, _ := p.Snapshot(context.Background(), "u1", gateway.ProviderAnthropic, false)
	if len(snap) != 1 || snap[0].ID != "on" {
		t.Errorf("active-only snapshot = %v", ids(snap))
	}

	snap, _ = p.Snapshot(context.Background(), "u1", gateway.ProviderAnthropic, true)
	if len(snap) != 2 {
		t.Errorf("include-inactive snapshot = %v", ids(snap))
	}
}

func TestSnapshotOrderTotal(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "b-light", gateway.ProviderAnthropic, gateway.StateActive, 2, 50)
	seed(t, repo, "a-heavy", gateway.ProviderAnthropic, gateway.StateActive, 1, 500)
	seed(t, repo, "a-light", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)

	snap, err := p.Snapshot(context.Background(), "u1", gateway.ProviderAnthropic, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a-heavy", "a-light", "b-light"}
	got := ids(snap)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSnapshotCachedUntilTTL(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "a1", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)

	ctx := context.Background()
	if snap, _ := p.Snapshot(ctx, "u1", gateway.ProviderAnthropic, false); len(snap) != 1 {
		t.Fatalf("initial snapshot = %d accounts", len(snap))
	}

	// A new account inside the TTL window stays invisible.
	seed(t, repo, "a2", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)
	if snap, _ := p.Snapshot(ctx, "u1", gateway.ProviderAnthropic, false); len(snap) != 1 {
		t.Error("cached snapshot should not see the new account yet")
	}

	// Past the TTL the snapshot rebuilds.
	now = t0.Add(2 * time.Minute)
	if snap, _ := p.Snapshot(ctx, "u1", gateway.ProviderAnthropic, false); len(snap) != 2 {
		t.Error("stale snapshot should have been rebuilt")
	}
}

func TestInvalidateDropsOwnerSnapshots(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "a1", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)

	ctx := context.Background()
	p.Snapshot(ctx, "u1", gateway.ProviderAnthropic, false)

	seed(t, repo, "a2", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)
	p.Invalidate("u1")

	if snap, _ := p.Snapshot(ctx, "u1", gateway.ProviderAnthropic, false); len(snap) != 2 {
		t.Error("invalidated snapshot should rebuild immediately")
	}
}

func TestRecordUsageCountersAndRecovery(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "a1", gateway.ProviderAnthropic, gateway.StateError, 1, 100)

	ctx := context.Background()
	latency := int64(150)
	if err := p.RecordUsage(ctx, "a1", true, &latency); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestCount != 1 || got.SuccessCount != 1 {
		t.Errorf("counters = %d/%d", got.RequestCount, got.SuccessCount)
	}
	if got.State != gateway.StateActive {
		t.Errorf("state = %s, want active (success recovers error)", got.State)
	}
	if !got.LastHealth.OK() || got.LastHealth.LatencyMs != 150 {
		t.Errorf("health = %+v", got.LastHealth)
	}
}

func TestRecordUsageFailureKeepsState(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "a1", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)

	ctx := context.Background()
	latency := int64(900)
	if err := p.RecordUsage(ctx, "a1", false, &latency); err != nil {
		t.Fatal(err)
	}

	got, _ := repo.Get(ctx, "a1")
	if got.State != gateway.StateActive {
		t.Errorf("state = %s, want active (live failure alone does not demote)", got.State)
	}
	if got.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1", got.ErrorCount)
	}
	if got.LastHealth.OK() {
		t.Error("health status should record the failure")
	}
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()

	now := t0
	p, repo := testPool(t, &now)
	seed(t, repo, "a1", gateway.ProviderAnthropic, gateway.StateActive, 1, 100)

	if err := p.MarkFailed(context.Background(), "a1", "token_expired_or_invalid"); err != nil {
		t.Fatal(err)
	}

	got, _ := repo.Get(context.Background(), "a1")
	if got.State != gateway.StateError {
		t.Errorf("state = %s, want error", got.State)
	}
	if got.LastHealth == nil || got.LastHealth.Error != "token_expired_or_invalid" {
		t.Errorf("health = %+v", got.LastHealth)
	}
}

func ids(accounts []*gateway.UpstreamAccount) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}
