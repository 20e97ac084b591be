package domain

import (
	"encoding/json"
	"fmt"
)

// TriState is a boolean that may not be known yet
type TriState int8

const (
	Unknown TriState = iota
	False
	True
)

// Bool converts a plain bool
func Bool(v bool) TriState {
	if v {
		return True
	}
	return False
}

// IsTrue reports whether the value is known to be true
func (t TriState) IsTrue() bool { return t == True }

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Unknown as null
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false and null
func (t *TriState) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("tristate: %w", err)
	}
	if v == nil {
		*t = Unknown
		return nil
	}
	*t = Bool(*v)
	return nil
}

// AuthSnapshot is the durable record of authentication status.
//
// A user is never logged in while their email is unverified: a provider
// session for an unverified account is reported as IsLoggedIn=false until
// the OTP challenge completes.
type AuthSnapshot struct {
	IsLoggedIn      TriState `json:"isLoggedIn"`
	IsEmailVerified TriState `json:"isEmailVerified"`
}

// NewSnapshot builds a snapshot that always satisfies the login invariant
func NewSnapshot(loggedIn, verified bool) AuthSnapshot {
	return AuthSnapshot{
		IsLoggedIn:      Bool(loggedIn && verified),
		IsEmailVerified: Bool(verified),
	}
}

// SignedOut is the safe default used on every failure path
func SignedOut() AuthSnapshot {
	return NewSnapshot(false, false)
}

// Valid reports whether the login invariant holds
func (s AuthSnapshot) Valid() bool {
	return !s.IsLoggedIn.IsTrue() || s.IsEmailVerified.IsTrue()
}

// Known reports whether both fields have been resolved
func (s AuthSnapshot) Known() bool {
	return s.IsLoggedIn != Unknown && s.IsEmailVerified != Unknown
}

// AuthState is the in-memory view the navigation layer reads. While Ready is
// false the snapshot is unknown and there is no user.
type AuthState struct {
	Ready    bool
	Snapshot AuthSnapshot
	User     *UserProfile
}

// LoggedIn reports whether the user is past the auth gate
func (s AuthState) LoggedIn() bool {
	return s.Ready && s.Snapshot.IsLoggedIn.IsTrue()
}

// NeedsVerification reports whether a provider session exists for an
// account whose email still has to be verified
func (s AuthState) NeedsVerification() bool {
	return s.Ready && s.User != nil && !s.Snapshot.IsEmailVerified.IsTrue()
}
