package auth

import (
	"errors"
	"time"
)

// ErrInvalidToken indicates a missing, malformed, revoked or expired
// API token. Callers get no more detail than that.
var ErrInvalidToken = errors.New("auth: invalid token")

// Token is an API credential for the admin surface. Only the bcrypt hash
// of the secret half is stored; the plaintext is shown once at issue
// time.
type Token struct {
	ID         string
	MemberID   string
	SecretHash []byte
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Revoked    bool
}

// Valid reports whether the token is usable at the given instant.
func (t Token) Valid(now time.Time) bool {
	if t.Revoked {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}
