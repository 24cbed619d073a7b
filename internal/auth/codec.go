package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind distinguishes the two expiry horizons a token can carry.
type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

const (
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// ErrTokenMalformed covers tokens that cannot be parsed or whose signature
// does not verify. Expired tokens are NOT malformed.
var ErrTokenMalformed = errors.New("invalid JWT token")

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	Type  string   `json:"type,omitempty"`
}

// TokenCodec issues and validates HMAC-signed bearer tokens. A single
// server-wide secret signs both access and refresh tokens; the two are told
// apart by the "type" claim, not by separate key material.
type TokenCodec struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenCodec(secret string, accessTTL, refreshTTL time.Duration) *TokenCodec {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}

	return &TokenCodec{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue signs a token for principal. Refresh tokens get the longer expiry
// horizon and the "refresh" type marker.
func (c *TokenCodec) Issue(principal Principal, kind TokenKind) (string, error) {
	now := c.now().UTC()

	ttl := c.accessTTL
	if kind == RefreshToken {
		ttl = c.refreshTTL
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.Identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: principal.Roles,
	}
	if kind == RefreshToken {
		claims.Type = "refresh"
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	return signed, nil
}

// Validate reports whether token is a well-formed, unexpired token whose
// subject matches principal. All failure modes collapse to false; callers
// never see an error.
func (c *TokenCodec) Validate(token string, principal Principal) bool {
	claims, err := c.parse(token)
	if err != nil {
		return false
	}
	if claims.Subject != principal.Identity {
		return false
	}

	return !c.expired(claims)
}

// ExtractIdentity returns the subject claim, expired tokens included. It
// fails with ErrTokenMalformed only when the token cannot be parsed or its
// signature is invalid.
func (c *TokenCodec) ExtractIdentity(token string) (string, error) {
	claims, err := c.parse(token)
	if err != nil {
		return "", err
	}

	return claims.Subject, nil
}

// IsRefreshKind reports whether token carries the refresh marker. A token
// that cannot be parsed is simply not a refresh token.
func (c *TokenCodec) IsRefreshKind(token string) bool {
	claims, err := c.parse(token)
	if err != nil {
		return false
	}

	return claims.Type == "refresh"
}

// parse verifies structure and signature but skips claim validation, so the
// claims of an expired token stay extractable. Expiry is checked separately
// by expired.
func (c *TokenCodec) parse(token string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

func (c *TokenCodec) expired(claims *tokenClaims) bool {
	if claims.ExpiresAt == nil {
		return true
	}

	return claims.ExpiresAt.Time.Before(c.now().UTC())
}
