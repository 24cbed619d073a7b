package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Principal is the resolved identity plus role set attached to an
// authenticated request. Immutable once constructed.
type Principal struct {
	Identity string
	Roles    []string
}

// Credentials exists only for the duration of one login attempt and is never
// persisted.
type Credentials struct {
	Username string
	Password string
}

// CredentialStore resolves a username to a stored principal and records
// successful logins. Implementations must be safe for concurrent use.
type CredentialStore interface {
	Lookup(ctx context.Context, username string) (Principal, error)
	VerifyPassword(ctx context.Context, username, password string) error
	StampLastLogin(ctx context.Context, username string) error
}

var (
	ErrPrincipalNotFound  = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// unknownIdentity marks attempts whose body could not be parsed; such
// attempts never consume lockout slots.
const unknownIdentity = "unknown"

var identityStrip = regexp.MustCompile(`[^a-zA-Z0-9@._-]`)

// NormalizeIdentity trims the username and strips characters outside
// [A-Za-z0-9@._-] so lockout tracking and token subjects cannot be bypassed
// by cosmetic variation of the same username.
func NormalizeIdentity(username string) string {
	return identityStrip.ReplaceAllString(strings.TrimSpace(username), "")
}
