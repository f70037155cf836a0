package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/warden/internal"
)

// AdminAuth validates HS256 admin tokens for the management API. Tokens are
// minted out of band (or via MintToken in tooling) from the configured
// secret.
type AdminAuth struct {
	secret []byte
	now    func() time.Time
}

// NewAdminAuth returns an AdminAuth over the shared secret. now may be nil
// for time.Now.
func NewAdminAuth(secret []byte, now func() time.Time) *AdminAuth {
	if now == nil {
		now = time.Now
	}
	return &AdminAuth{secret: secret, now: now}
}

// Verify parses and validates a token, returning its subject.
func (a *AdminAuth) Verify(token string) (subject string, err error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", gateway.ErrAuthInvalid, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", gateway.ErrAuthInvalid
	}
	return sub, nil
}

// MintToken signs an admin token for the subject with the given lifetime.
func (a *AdminAuth) MintToken(subject string, lifetime time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
