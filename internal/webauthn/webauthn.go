// Package webauthn models the external WebAuthn collaborator at the
// interface spec §1 and §4.3 specify: a black-box challenge/response
// ceremony that, on success, resolves a pending login request back into
// the stored redirect Location. The ceremony internals themselves (device
// registration, attestation, assertion verification) are out of scope per
// spec §1 and are not implemented here.
package webauthn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/metrics"
)

// LoginReq is the record minted when an authorization-code login branches
// into the webauthn ceremony, per spec §4.3 step 8.
type LoginReq struct {
	Code          string
	UserID        string
	SessionID     string
	Expiry        time.Time
	HeaderLoc     string // the redirect Location to resolve to on success
	HeaderOrigin  string
	CSRFHeader    string
}

// Store persists pending LoginReqs, keyed by their random Code. A cache
// with TTL matching Expiry is sufficient (spec §4.3/§4.9 "WEBAUTHN_REQ_EXP").
type Store interface {
	Create(ctx context.Context, r LoginReq) error
	Find(ctx context.Context, code string) (LoginReq, error)
	Delete(ctx context.Context, code string) error
}

// NewCode returns a fresh 48-char random code used to key a LoginReq, per
// spec §4.3 ("a fresh 48-char random code").
func NewCode() string {
	b := make([]byte, 36) // base64url-encodes to 48 chars
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Collaborator is the black-box ceremony the IdP hands off to once a login
// has been marked AwaitWebauthn. It reports only a verdict: which LoginReq
// code completed successfully.
type Collaborator interface {
	// Complete is called by the external ceremony handler once the device
	// response has been verified. It resolves the pending LoginReq and
	// returns the stored Location the caller should redirect to.
	Complete(ctx context.Context, code string) (LoginReq, error)
}

// DefaultCollaborator implements Collaborator against a Store; real
// deployments wire an actual WebAuthn verification library in front of
// this (out of scope per spec §1) and call Complete only after the
// device's assertion has been verified.
type DefaultCollaborator struct {
	store Store
}

func NewDefaultCollaborator(store Store) *DefaultCollaborator {
	return &DefaultCollaborator{store: store}
}

func (c *DefaultCollaborator) Complete(ctx context.Context, code string) (LoginReq, error) {
	req, err := c.store.Find(ctx, code)
	if err != nil {
		metrics.WebauthnCeremonies.WithLabelValues("unknown").Inc()
		return LoginReq{}, idperr.Unauthorizedf("unknown or expired webauthn login request", err)
	}
	if time.Now().After(req.Expiry) {
		_ = c.store.Delete(ctx, code)
		metrics.WebauthnCeremonies.WithLabelValues("expired").Inc()
		return LoginReq{}, idperr.SessionExpiredf("webauthn login request expired", nil)
	}
	_ = c.store.Delete(ctx, code)
	metrics.WebauthnCeremonies.WithLabelValues("success").Inc()
	return req, nil
}
