package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/storage"
	"github.com/eugener/warden/internal/storage/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testAuth(t *testing.T) (*APIKeyAuth, *storage.KeyRepo) {
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

	keys := storage.NewKeyRepo(s)
	a, err := NewAPIKeyAuth(keys, func() time.Time { return t0 })
	if err != nil {
		t.Fatal(err)
	}
	return a, keys
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestIssueAndAuthenticate(t *testing.T) {
	t.Parallel()

	a, _ := testAuth(t)
	ctx := context.Background()

	plaintext, key, err := a.Issue(ctx, IssueOpts{OwnerID: "u1", Name: "ci"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, gateway.APIKeyPrefix) {
		t.Errorf("plaintext = %q, want %s prefix", plaintext, gateway.APIKeyPrefix)
	}
	if key.KeyHash != gateway.HashKey(plaintext) {
		t.Error("stored hash should match HashKey(plaintext)")
	}
	if !key.HasPermission(gateway.PermInference) {
		t.Error("default permission set should include inference")
	}

	got, err := a.Authenticate(ctx, bearerRequest(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != key.ID || got.OwnerID != "u1" {
		t.Errorf("authenticated key = %+v", got)
	}

	// Second hit comes from cache.
	if _, err := a.Authenticate(ctx, bearerRequest(plaintext)); err != nil {
		t.Errorf("cached authenticate = %v", err)
	}
}

func TestAuthenticateRejectsMissingOrForeign(t *testing.T) {
	t.Parallel()

	a, _ := testAuth(t)
	ctx := context.Background()

	cases := []string{
		"",
		"not-a-bearer",
		"sk-ant-someotherprovider",
		gateway.APIKeyPrefix + "unknownunknownunknown",
	}
	for _, token := range cases {
		if _, err := a.Authenticate(ctx, bearerRequest(token)); !errors.Is(err, gateway.ErrAuthInvalid) {
			t.Errorf("Authenticate(%q) = %v, want ErrAuthInvalid", token, err)
		}
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	t.Parallel()

	a, _ := testAuth(t)
	ctx := context.Background()

	expired := t0.Add(-time.Hour)
	plaintext, _, err := a.Issue(ctx, IssueOpts{OwnerID: "u1", ExpiresAt: &expired})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(ctx, bearerRequest(plaintext)); !errors.Is(err, gateway.ErrAuthExpired) {
		t.Errorf("expired key = %v, want ErrAuthExpired", err)
	}
}

func TestAuthenticateDisabledKey(t *testing.T) {
	t.Parallel()

	a, keys := testAuth(t)
	ctx := context.Background()

	plaintext, key, err := a.Issue(ctx, IssueOpts{OwnerID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	key.IsActive = false
	if err := keys.Update(ctx, key); err != nil {
		t.Fatal(err)
	}
	a.InvalidateByKeyID(key.ID)

	if _, err := a.Authenticate(ctx, bearerRequest(plaintext)); !errors.Is(err, gateway.ErrAuthExpired) {
		t.Errorf("disabled key = %v, want ErrAuthExpired", err)
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	a := NewAdminAuth(secret, func() time.Time { return t0 })

	token, err := a.MintToken("ops@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	sub, err := a.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if sub != "ops@example.com" {
		t.Errorf("subject = %q", sub)
	}
}

func TestAdminTokenExpiry(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	minter := NewAdminAuth(secret, func() time.Time { return t0.Add(-2 * time.Hour) })
	token, err := minter.MintToken("ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	verifier := NewAdminAuth(secret, func() time.Time { return t0 })
	if _, err := verifier.Verify(token); !errors.Is(err, gateway.ErrAuthInvalid) {
		t.Errorf("expired token = %v, want ErrAuthInvalid", err)
	}
}

func TestAdminTokenWrongSecret(t *testing.T) {
	t.Parallel()

	a := NewAdminAuth([]byte("0123456789abcdef0123456789abcdef"), func() time.Time { return t0 })
	token, err := a.MintToken("ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	other := NewAdminAuth([]byte("ffffffffffffffffffffffffffffffff"), func() time.Time { return t0 })
	if _, err := other.Verify(token); !errors.Is(err, gateway.ErrAuthInvalid) {
		t.Errorf("foreign token = %v, want ErrAuthInvalid", err)
	}
}
