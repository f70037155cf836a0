package route

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/storage/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testTable(t *testing.T, rules ...*gateway.ModelRoute) (*Table, *storage.RouteRepo) {
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
	if err := storage.NewKeyRepo(s).Create(ctx, &gateway.APIKey{
		ID: "k1", OwnerID: "u1", KeyHash: "h1", IsActive: true, CreatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}

	repo := storage.NewRouteRepo(s)
	for _, r := range rules {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	table, err := New(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	return table, repo
}

func rule(id, keyID, source, target string, provider gateway.Provider, priority int, enabled bool, created time.Time) *gateway.ModelRoute {
	return &gateway.ModelRoute{
		ID: id, APIKeyID: keyID, SourceModel: source, TargetModel: target,
		TargetProvider: provider, Priority: priority, Enabled: enabled, CreatedAt: created,
	}
}

func TestResolvePassthrough(t *testing.T) {
	t.Parallel()

	table, _ := testTable(t)
	got := table.Resolve("k1", "claude-3-5-sonnet", gateway.ProviderAnthropic)
	if got.Rewritten {
		t.Error("no rules should be a passthrough")
	}
	if got.TargetModel != "claude-3-5-sonnet" || got.TargetProvider != gateway.ProviderAnthropic {
		t.Errorf("passthrough = %+v", got)
	}
}

func TestResolvePerKeyBeatsGlobal(t *testing.T) {
	t.Parallel()

	table, _ := testTable(t,
		rule("global", "", "gpt-4o", "qwen-max", gateway.ProviderQwen, 1, true, t0),
		rule("perkey", "k1", "gpt-4o", "claude-3-5-sonnet", gateway.ProviderAnthropic, 9, true, t0),
	)

	got := table.Resolve("k1", "gpt-4o", gateway.ProviderOpenAI)
	if got.RouteID != "perkey" {
		t.Errorf("resolved %s, want perkey (per-key scope wins even at lower priority)", got.RouteID)
	}
	if got.TargetProvider != gateway.ProviderAnthropic {
		t.Errorf("provider = %s", got.TargetProvider)
	}

	// A different key only sees the global rule.
	got = table.Resolve("k2", "gpt-4o", gateway.ProviderOpenAI)
	if got.RouteID != "global" {
		t.Errorf("resolved %s, want global", got.RouteID)
	}
}

func TestResolvePriorityOrder(t *testing.T) {
	t.Parallel()

	table, _ := testTable(t,
		rule("later", "k1", "gpt-4o", "b", gateway.ProviderOpenAI, 5, true, t0),
		rule("winner", "k1", "gpt-4o", "a", gateway.ProviderAnthropic, 1, true, t0),
	)

	got := table.Resolve("k1", "gpt-4o", gateway.ProviderOpenAI)
	if got.RouteID != "winner" {
		t.Errorf("resolved %s, want winner (lowest priority fires first)", got.RouteID)
	}
}

func TestResolvePriorityTieByCreation(t *testing.T) {
	t.Parallel()

	table, _ := testTable(t,
		rule("second", "k1", "gpt-4o", "b", gateway.ProviderOpenAI, 1, true, t0.Add(time.Hour)),
		rule("first", "k1", "gpt-4o", "a", gateway.ProviderAnthropic, 1, true, t0),
	)

	got := table.Resolve("k1", "gpt-4o", gateway.ProviderOpenAI)
	if got.RouteID != "first" {
		t.Errorf("resolved %s, want first (ties broken by creation order)", got.RouteID)
	}
}

func TestResolveIgnoresDisabled(t *testing.T) {
	t.Parallel()

	table, _ := testTable(t,
		rule("off", "k1", "gpt-4o", "a", gateway.ProviderAnthropic, 1, false, t0),
	)

	got := table.Resolve("k1", "gpt-4o", gateway.ProviderOpenAI)
	if got.Rewritten {
		t.Error("disabled rules must not match")
	}
}

func TestResolveExactMatchOnly(t *testing.T) {
	t.Parallel()

	table, _ := testTable(t,
		rule("r1", "k1", "gpt-4o", "a", gateway.ProviderAnthropic, 1, true, t0),
	)

	got := table.Resolve("k1", "gpt-4o-mini", gateway.ProviderOpenAI)
	if got.Rewritten {
		t.Error("source model match is exact, not a prefix")
	}
}

func TestReloadPicksUpMutations(t *testing.T) {
	t.Parallel()

	table, repo := testTable(t)
	ctx := context.Background()

	if got := table.Resolve("k1", "gpt-4o", gateway.ProviderOpenAI); got.Rewritten {
		t.Fatal("unexpected rewrite before mutation")
	}

	if err := repo.Create(ctx, rule("r1", "k1", "gpt-4o", "claude-3-5-sonnet", gateway.ProviderAnthropic, 1, true, t0)); err != nil {
		t.Fatal(err)
	}
	if err := table.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	if got := table.Resolve("k1", "gpt-4o", gateway.ProviderOpenAI); !got.Rewritten {
		t.Error("reloaded table should apply the new rule")
	}
}
