package useridp

import (
	"context"
	"time"

	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/storage"
)

// Authenticator is the User Authenticator of spec §4.2.
type Authenticator struct {
	store  storage.Store
	target Params
	now    func() time.Time
}

func New(store storage.Store, target Params) *Authenticator {
	return &Authenticator{store: store, target: target, now: time.Now}
}

// FindByEmail looks up a user, returning the spec's fixed credentials
// message on a miss so a caller cannot distinguish "no such user" from
// "wrong password" (spec §4.2, §7).
func (a *Authenticator) FindByEmail(ctx context.Context, email string) (storage.User, error) {
	u, err := a.store.GetUserByEmail(ctx, email)
	if err == storage.ErrNotFound {
		return storage.User{}, idperr.InvalidUserCredentials(err)
	}
	if err != nil {
		return storage.User{}, idperr.Internalf("could not load user", err)
	}
	return u, nil
}

// FindByID looks up a user by id, used where the caller already has an
// authenticated subject (auth-code redemption, refresh) and enumeration
// timing no longer applies.
func (a *Authenticator) FindByID(ctx context.Context, id string) (storage.User, error) {
	u, err := a.store.GetUserByID(ctx, id)
	if err == storage.ErrNotFound {
		return storage.User{}, idperr.NotFoundf("unknown user", err)
	}
	if err != nil {
		return storage.User{}, idperr.Internalf("could not load user", err)
	}
	return u, nil
}

// CheckEnabled and CheckExpired produce the same fixed message on
// failure, per spec §4.2.
func (a *Authenticator) CheckEnabled(u storage.User) error {
	if !u.Enabled {
		return idperr.InvalidUserCredentials(nil)
	}
	return nil
}

func (a *Authenticator) CheckExpired(u storage.User) error {
	if u.Expiry != nil && a.now().After(*u.Expiry) {
		return idperr.InvalidUserCredentials(nil)
	}
	return nil
}

// ValidatePassword verifies plain against the user's stored Argon2id hash,
// upgrading the hash in place when it was hashed with weaker-than-target
// parameters, per spec §4.2. A New account (spec §3), or any account with
// no stored password hash, can never authenticate this way.
func (a *Authenticator) ValidatePassword(ctx context.Context, u storage.User, plain string) error {
	if u.AccountType == storage.AccountNew || len(u.PasswordHash) == 0 {
		return idperr.InvalidUserCredentials(nil)
	}
	ok, err := Verify(plain, string(u.PasswordHash))
	if err != nil || !ok {
		return idperr.InvalidUserCredentials(err)
	}

	if NeedsUpgrade(string(u.PasswordHash), a.target) {
		newHash, err := Hash(plain, a.target)
		if err == nil {
			_ = a.store.UpdateUser(ctx, u.ID, func(cur storage.User) (storage.User, error) {
				cur.PasswordHash = []byte(newHash)
				return cur, nil
			})
			// A failure to persist the upgraded hash is local recovery that
			// must not fail the login (spec §7: "password-hash parameter
			// upgrade" is one of the three permitted local recoveries).
		}
	}
	return nil
}

// RecordLoginSuccess updates LastLogin and resets FailedAttempts, per
// spec §4.3 step 3 ("Update last-login counters").
func (a *Authenticator) RecordLoginSuccess(ctx context.Context, userID string) error {
	now := a.now()
	return a.store.UpdateUser(ctx, userID, func(u storage.User) (storage.User, error) {
		u.LastLogin = &now
		u.FailedAttempts = 0
		return u, nil
	})
}

// RecordLoginFailure updates LastFailedLogin and increments FailedAttempts.
func (a *Authenticator) RecordLoginFailure(ctx context.Context, userID string) error {
	now := a.now()
	return a.store.UpdateUser(ctx, userID, func(u storage.User) (storage.User, error) {
		u.LastFailedLogin = &now
		u.FailedAttempts++
		return u, nil
	})
}
