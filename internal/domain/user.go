package domain

import (
	"strings"
	"time"
)

// UserProfile is the identity of the authenticated principal as reported by
// the identity provider.
type UserProfile struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	Image         *string   `json:"image,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can't mutate controller-owned state
func (u *UserProfile) Clone() *UserProfile {
	if u == nil {
		return nil
	}
	out := *u
	if u.Image != nil {
		image := *u.Image
		out.Image = &image
	}
	return &out
}

// MaskedEmail returns the email with most of the local part hidden, for logs
func (u *UserProfile) MaskedEmail() string {
	if u == nil {
		return ""
	}
	return MaskEmail(u.Email)
}

// MaskEmail hides all but the first character of the local part
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
