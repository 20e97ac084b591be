package devprovider

import (
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"cyconnect/internal/domain"
)

var (
	errAccountExists   = stderrors.New("account already exists")
	errBadCredentials  = stderrors.New("invalid email or password")
	errAccountNotFound = stderrors.New("account not found")
)

type account struct {
	profile      domain.UserProfile
	passwordHash []byte
}

// Accounts is the in-memory user table
type Accounts struct {
	mu      sync.RWMutex
	byEmail map[string]*account
	byID    map[string]*account
	cost    int
	now     func() time.Time
}

// NewAccounts creates an empty table. cost is the bcrypt cost; zero means bcrypt.DefaultCost.
func NewAccounts(cost int) *Accounts {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Accounts{
		byEmail: make(map[string]*account),
		byID:    make(map[string]*account),
		cost:    cost,
		now:     time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create registers an unverified password account
func (a *Accounts) Create(name, email, password string) (domain.UserProfile, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return domain.UserProfile{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := normalizeEmail(email)
	if _, ok := a.byEmail[key]; ok {
		return domain.UserProfile{}, errAccountExists
	}
	now := a.now().UTC()
	acc := &account{
		profile: domain.UserProfile{
			ID:        uuid.NewString(),
			Name:      strings.TrimSpace(name),
			Email:     key,
			CreatedAt: now,
			UpdatedAt: now,
		},
		passwordHash: hash,
	}
	a.byEmail[key] = acc
	a.byID[acc.profile.ID] = acc
	return acc.profile, nil
}

// Authenticate checks a password. Unknown emails and wrong passwords look the same.
func (a *Accounts) Authenticate(email, password string) (domain.UserProfile, error) {
	a.mu.RLock()
	acc, ok := a.byEmail[normalizeEmail(email)]
	a.mu.RUnlock()
	if !ok || acc.passwordHash == nil {
		return domain.UserProfile{}, errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)); err != nil {
		return domain.UserProfile{}, errBadCredentials
	}
	return acc.profile, nil
}

// ByEmail looks an account up by address
func (a *Accounts) ByEmail(email string) (domain.UserProfile, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.byEmail[normalizeEmail(email)]
	if !ok {
		return domain.UserProfile{}, errAccountNotFound
	}
	return acc.profile, nil
}

// ByID looks an account up by id
func (a *Accounts) ByID(id string) (domain.UserProfile, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.byID[id]
	if !ok {
		return domain.UserProfile{}, errAccountNotFound
	}
	return acc.profile, nil
}

// MarkVerified flags the address as confirmed
func (a *Accounts) MarkVerified(email string) (domain.UserProfile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.byEmail[normalizeEmail(email)]
	if !ok {
		return domain.UserProfile{}, errAccountNotFound
	}
	acc.profile.EmailVerified = true
	acc.profile.UpdatedAt = a.now().UTC()
	return acc.profile, nil
}

// UpsertSocial returns the account for a social identity, creating a
// verified one on first sign-in. Social sign-in also verifies an existing
// password account with the same address.
func (a *Accounts) UpsertSocial(name, email string) domain.UserProfile {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := normalizeEmail(email)
	now := a.now().UTC()
	if acc, ok := a.byEmail[key]; ok {
		if !acc.profile.EmailVerified {
			acc.profile.EmailVerified = true
			acc.profile.UpdatedAt = now
		}
		return acc.profile
	}
	acc := &account{profile: domain.UserProfile{
		ID:            uuid.NewString(),
		Name:          name,
		Email:         key,
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}
	a.byEmail[key] = acc
	a.byID[acc.profile.ID] = acc
	return acc.profile
}
