package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// Users is the in-memory credential store backing the interactive Login
// path. It is populated once at startup from configuration and never
// mutated afterwards, so no locking is needed.
type Users struct {
	passwords map[string]string
}

// NewUsers parses "email:password" pairs. Malformed entries are an error so
// a typo in configuration fails fast at startup.
func NewUsers(pairs []string) (*Users, error) {
	u := &Users{passwords: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		email, pass, ok := strings.Cut(p, ":")
		if !ok || email == "" {
			return nil, fmt.Errorf("auth: malformed user entry %q, want email:password", p)
		}
		u.passwords[email] = pass
	}
	return u, nil
}

// Check reports whether the email/password pair is accepted.
func (u *Users) Check(email, password string) bool {
	want, ok := u.passwords[email]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// Emails lists known account emails, for the observability API.
func (u *Users) Emails() []string {
	out := make([]string, 0, len(u.passwords))
	for e := range u.passwords {
		out = append(out, e)
	}
	return out
}
