package crypto

import (
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	plain := `{"api_key":"sk-ant-xxxx","base_url":"https://api.anthropic.com"}`

	enc, err := Encrypt(plain, key)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(enc, "enc:") {
		t.Errorf("encrypted value missing prefix: %q", enc)
	}
	if enc == plain {
		t.Error("ciphertext equals plaintext")
	}

	dec, err := Decrypt(enc, key)
	if err != nil {
		t.Fatal(err)
	}
	if dec != plain {
		t.Errorf("round trip = %q, want %q", dec, plain)
	}
}

func TestEncryptEmptyPassthrough(t *testing.T) {
	t.Parallel()

	enc, err := Encrypt("", testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if enc != "" {
		t.Errorf("empty plaintext should pass through, got %q", enc)
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	t.Parallel()

	got, err := Decrypt("not-encrypted", testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if got != "not-encrypted" {
		t.Errorf("plaintext should pass through, got %q", got)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()

	enc, err := Encrypt("secret", testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	other, err := DeriveKey("ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(enc, other); err == nil {
		t.Error("decrypt with wrong key should fail")
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	a, err := Encrypt("same", key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt("same", key)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
}

func TestDeriveKeyTooShort(t *testing.T) {
	t.Parallel()

	if _, err := DeriveKey("short"); err == nil {
		t.Error("short master key should be rejected")
	}
}
