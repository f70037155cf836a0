package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id string) {
	t.Helper()
	err := storage.NewUserRepo(s).Create(context.Background(), &gateway.User{
		ID: id, Name: id, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRowStoreCRUD(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	if err := s.Create(ctx, storage.TableAPIKeys, storage.Row{
		"id": "k1", "owner_id": "u1", "name": "test", "key_hash": "h1",
		"is_active": 1, "request_count": 0, "created_at": "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	row, err := s.FindOne(ctx, storage.TableAPIKeys, storage.Where{"key_hash": "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if row["id"] != "k1" {
		t.Errorf("id = %v, want k1", row["id"])
	}

	n, err := s.Update(ctx, storage.TableAPIKeys, storage.Where{"id": "k1"}, storage.Row{"name": "renamed"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("update affected = %d, want 1", n)
	}

	exists, err := s.Exists(ctx, storage.TableAPIKeys, storage.Where{"name": "renamed"})
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("updated row should exist")
	}

	// Delete reports the true affected-row count from the driver.
	n, err = s.Delete(ctx, storage.TableAPIKeys, storage.Where{"id": "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("delete affected = %d, want 1", n)
	}
	n, err = s.Delete(ctx, storage.TableAPIKeys, storage.Where{"id": "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second delete affected = %d, want 0", n)
	}

	if _, err := s.FindOne(ctx, storage.TableAPIKeys, storage.Where{"id": "k1"}); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("FindOne after delete = %v, want ErrNotFound", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx storage.RowStore) error {
		if err := tx.Create(ctx, storage.TableAPIKeys, storage.Row{
			"id": "k1", "owner_id": "u1", "name": "t", "key_hash": "h1",
			"is_active": 1, "request_count": 0, "created_at": "2026-01-01T00:00:00Z",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transaction error = %v, want boom", err)
	}

	exists, err := s.Exists(ctx, storage.TableAPIKeys, storage.Where{"id": "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("rolled-back insert should not be visible")
	}
}

func TestAccountRepoRoundTrip(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	repo := storage.NewAccountRepo(s)

	now := time.Now().UTC().Truncate(time.Second)
	acct := &gateway.UpstreamAccount{
		ID:             "a1",
		OwnerID:        "u1",
		Name:           "primary",
		Provider:       gateway.ProviderAnthropic,
		AuthMethod:     gateway.AuthAPIKey,
		CredentialsEnc: "enc:blob",
		State:          gateway.StateActive,
		Priority:       1,
		Weight:         100,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.Create(ctx, acct); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Provider != gateway.ProviderAnthropic || got.State != gateway.StateActive {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.CredentialsEnc != "enc:blob" {
		t.Errorf("credentials = %q", got.CredentialsEnc)
	}
}

func TestAccountRepoOrdering(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	repo := storage.NewAccountRepo(s)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	add := func(id string, prio, weight int, created time.Time) {
		t.Helper()
		err := repo.Create(ctx, &gateway.UpstreamAccount{
			ID: id, OwnerID: "u1", Provider: gateway.ProviderAnthropic,
			AuthMethod: gateway.AuthAPIKey, CredentialsEnc: "x",
			State: gateway.StateActive, Priority: prio, Weight: weight,
			CreatedAt: created, UpdatedAt: created,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add("low-prio", 5, 500, base)
	add("heavy", 1, 200, base.Add(2*time.Hour))
	add("light", 1, 50, base.Add(time.Hour))
	add("first", 1, 200, base)

	accts, err := repo.ListByOwner(ctx, "u1", gateway.ProviderAnthropic, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "heavy", "light", "low-prio"}
	if len(accts) != len(want) {
		t.Fatalf("got %d accounts, want %d", len(accts), len(want))
	}
	for i, id := range want {
		if accts[i].ID != id {
			t.Errorf("order[%d] = %s, want %s", i, accts[i].ID, id)
		}
	}
}

func TestAccountRepoIncrementUsage(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	repo := storage.NewAccountRepo(s)

	now := time.Now().UTC()
	if err := repo.Create(ctx, &gateway.UpstreamAccount{
		ID: "a1", OwnerID: "u1", Provider: gateway.ProviderOpenAI,
		AuthMethod: gateway.AuthAPIKey, CredentialsEnc: "x",
		State: gateway.StateActive, Priority: 1, Weight: 100,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := repo.IncrementUsage(ctx, "a1", true, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.IncrementUsage(ctx, "a1", false, now); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestCount != 4 || got.SuccessCount != 3 || got.ErrorCount != 1 {
		t.Errorf("counters = %d/%d/%d, want 4/3/1", got.RequestCount, got.SuccessCount, got.ErrorCount)
	}
	if got.SuccessCount+got.ErrorCount > got.RequestCount {
		t.Error("success + error must not exceed request count")
	}
}

func TestAccountRepoMarkFailed(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	repo := storage.NewAccountRepo(s)

	now := time.Now().UTC()
	if err := repo.Create(ctx, &gateway.UpstreamAccount{
		ID: "a1", OwnerID: "u1", Provider: gateway.ProviderAnthropic,
		AuthMethod: gateway.AuthOAuth, CredentialsEnc: "x",
		State: gateway.StateActive, Priority: 1, Weight: 100,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := repo.MarkFailed(ctx, "a1", "token_expired_or_invalid", now); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != gateway.StateError {
		t.Errorf("state = %s, want error", got.State)
	}
	if got.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1", got.ErrorCount)
	}
	if got.LastHealth == nil || got.LastHealth.Error != "token_expired_or_invalid" {
		t.Errorf("health_status = %+v", got.LastHealth)
	}
}

func TestRouteRepoReplaceForKey(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	keys := storage.NewKeyRepo(s)
	routes := storage.NewRouteRepo(s)

	now := time.Now().UTC()
	if err := keys.Create(ctx, &gateway.APIKey{
		ID: "k1", OwnerID: "u1", KeyHash: "h1", IsActive: true, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	first := []*gateway.ModelRoute{
		{ID: "r1", SourceModel: "gpt-4o", TargetModel: "claude-3-5-sonnet", TargetProvider: gateway.ProviderAnthropic, Priority: 1, Enabled: true},
	}
	if err := routes.ReplaceForKey(ctx, "k1", first, now); err != nil {
		t.Fatal(err)
	}

	second := []*gateway.ModelRoute{
		{ID: "r2", SourceModel: "gpt-4o", TargetModel: "qwen-max", TargetProvider: gateway.ProviderQwen, Priority: 1, Enabled: true},
		{ID: "r3", SourceModel: "o3", TargetModel: "claude-3-5-sonnet", TargetProvider: gateway.ProviderAnthropic, Priority: 2, Enabled: true},
	}
	if err := routes.ReplaceForKey(ctx, "k1", second, now); err != nil {
		t.Fatal(err)
	}

	got, err := routes.ListByKey(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d routes, want 2", len(got))
	}
	if got[0].ID != "r2" {
		t.Errorf("first route = %s, want r2 (old set replaced)", got[0].ID)
	}
}

func TestUsageRepoInsertAndStats(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	keys := storage.NewKeyRepo(s)
	usage := storage.NewUsageRepo(s)

	now := time.Now().UTC()
	if err := keys.Create(ctx, &gateway.APIKey{
		ID: "k1", OwnerID: "u1", KeyHash: "h1", IsActive: true, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	records := []gateway.UsageRecord{
		{ID: "ur1", APIKeyID: "k1", RequestID: "req1", Method: "POST", Endpoint: "/v1/messages", StatusCode: 200, ResponseTimeMs: 120, TokensUsed: 50, Cost: 0.01, CreatedAt: now},
		{ID: "ur2", APIKeyID: "k1", RequestID: "req2", Method: "POST", Endpoint: "/v1/messages", StatusCode: 502, ResponseTimeMs: 80, CreatedAt: now},
	}
	if err := usage.Insert(ctx, records); err != nil {
		t.Fatal(err)
	}

	stats, err := usage.StatsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Requests != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TokensUsed != 50 {
		t.Errorf("tokens = %d, want 50", stats.TokensUsed)
	}
}
