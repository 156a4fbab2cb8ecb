// Package authsm implements the Authorization State Machine of spec §4.3:
// it advances a login attempt through credential check, optional
// second-factor ceremony, and authorization-code issuance. Grounded on
// rauthy's post_authorize handler
// (original_source/rauthy-service/src/auth.rs) for the exact step
// ordering, and on dexidp/dex's server/authorizationhandlers.go for the
// idiomatic Go shape of an authorize handler's inputs/outputs.
package authsm

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/metrics"
	"github.com/gepbird/rauthy/internal/storage"
	"github.com/gepbird/rauthy/internal/store"
	"github.com/gepbird/rauthy/internal/timing"
	"github.com/gepbird/rauthy/internal/useridp"
	"github.com/gepbird/rauthy/internal/webauthn"
)

// Request is the input to Authorize, per spec §6's authorize form.
type Request struct {
	Email               string
	Password            string // optional
	ClientID            string
	RedirectURI         string
	Scopes              []string
	Nonce               string
	State               string
	CodeChallenge       string // optional
	CodeChallengeMethod string // optional
	Origin              string // Origin header, for CORS
	MFACookie           string // optional, raw cookie value
	SessionID           string // optional, existing browser session
}

// LoggedIn is returned when the login completed without a second factor,
// per spec §4.3 step 8.
type LoggedIn struct {
	HeaderLocation     string
	CSRFHeader         string
	HeaderOrigin       string
	PasswordWasHashed  bool
}

// AwaitWebauthn is returned when the login must complete a device
// ceremony before the redirect is handed back, per spec §4.3 step 8.
type AwaitWebauthn struct {
	Code         string
	UserID       string
	Expiry       time.Time
	SessionID    string
	HeaderOrigin string
	CSRFHeader   string
}

// Result is the outcome of Authorize: exactly one of LoggedIn or
// AwaitWebauthn is non-nil.
type Result struct {
	LoggedIn      *LoggedIn
	AwaitWebauthn *AwaitWebauthn
}

// SM is the Authorization State Machine.
type SM struct {
	clients       *clientreg.Registry
	users         *useridp.Authenticator
	sessions      *store.SessionStore
	authCodes     *store.AuthCodeStore
	webauthnStore webauthn.Store
	timing        *timing.Equalizer
	mfaCookieKey  []byte

	webauthnReqExpiry time.Duration

	now func() time.Time
}

func New(
	clients *clientreg.Registry,
	users *useridp.Authenticator,
	sessions *store.SessionStore,
	authCodes *store.AuthCodeStore,
	webauthnStore webauthn.Store,
	eq *timing.Equalizer,
	mfaCookieKey []byte,
	webauthnReqExpiry time.Duration,
) *SM {
	return &SM{
		clients: clients, users: users, sessions: sessions, authCodes: authCodes,
		webauthnStore: webauthnStore, timing: eq, mfaCookieKey: mfaCookieKey,
		webauthnReqExpiry: webauthnReqExpiry, now: time.Now,
	}
}

// Authorize runs the login state machine of spec §4.3.
func (sm *SM) Authorize(ctx context.Context, req Request) (Result, error) {
	start := sm.timing.Start()

	result, passwordWasHashed, err := sm.authorize(ctx, req)
	if err != nil {
		sm.timing.Failure(ctx, start)
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		return Result{}, err
	}
	sm.timing.Success(ctx, start, passwordWasHashed)
	outcome := "logged_in"
	if result.AwaitWebauthn != nil {
		outcome = "await_webauthn"
	}
	metrics.LoginAttempts.WithLabelValues(outcome).Inc()
	return result, nil
}

func (sm *SM) authorize(ctx context.Context, req Request) (Result, bool, error) {
	client, err := sm.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return Result{}, false, err
	}

	// Step 1: look up and validate user; check the MFA cookie.
	user, err := sm.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return Result{}, false, err
	}
	if err := sm.users.CheckEnabled(user); err != nil {
		return Result{}, false, err
	}
	if err := sm.users.CheckExpired(user); err != nil {
		return Result{}, false, err
	}

	mfaCookieValid := false
	if req.MFACookie != "" && user.HasWebauthn() {
		if cookie, ok := ParseMFACookie(req.MFACookie, sm.mfaCookieKey); ok && cookie.Email == user.Email {
			mfaCookieValid = true
		}
	}

	// Step 2: reject if there is nothing to authenticate with.
	if req.Password == "" && user.AccountType != storage.AccountPasskey && !mfaCookieValid {
		return Result{}, false, idperr.InvalidUserCredentials(nil)
	}

	// Step 3: password verification, if supplied.
	passwordWasHashed := false
	if req.Password != "" {
		if err := sm.users.ValidatePassword(ctx, user, req.Password); err != nil {
			_ = sm.users.RecordLoginFailure(ctx, user.ID)
			return Result{}, false, err
		}
		passwordWasHashed = true
		if err := sm.users.RecordLoginSuccess(ctx, user.ID); err != nil {
			return Result{}, passwordWasHashed, idperr.Internalf("could not record login", err)
		}
	}

	// Step 4: origin + PKCE method validation.
	headerOrigin, err := sm.clients.ValidateOrigin(client, req.Origin)
	if err != nil {
		return Result{}, passwordWasHashed, err
	}
	method := storage.PKCEMethod(req.CodeChallengeMethod)
	if req.CodeChallenge != "" {
		if method == "" {
			method = storage.PKCEPlain
		}
		if err := sm.clients.ValidateChallengeMethod(client, method); err != nil {
			return Result{}, passwordWasHashed, err
		}
	} else {
		method = ""
	}
	if err := sm.clients.ValidateRedirectURI(client, req.RedirectURI); err != nil {
		return Result{}, passwordWasHashed, err
	}
	scopes := sm.clients.SanitizeLoginScopes(client, req.Scopes)

	webauthnEnabled := user.HasWebauthn()

	// Step 5: code lifetime.
	codeLifetime := client.AuthCodeLifetime
	if webauthnEnabled {
		codeLifetime += sm.webauthnReqExpiry
	}

	// Step 6: mint and persist the auth code.
	code := storage.AuthCode{
		ID:            newCodeID(),
		UserID:        user.ID,
		ClientID:      client.ID,
		SessionID:     req.SessionID,
		PKCEChallenge: req.CodeChallenge,
		PKCEMethod:    method,
		Nonce:         req.Nonce,
		Scopes:        scopes,
		Expiry:        sm.now().Add(codeLifetime),
	}
	if err := sm.authCodes.Create(ctx, code); err != nil {
		return Result{}, passwordWasHashed, idperr.Internalf("could not persist auth code", err)
	}

	// Step 7: assemble the redirect location.
	loc := req.RedirectURI + "?code=" + url.QueryEscape(code.ID)
	if req.State != "" {
		loc += "&state=" + url.QueryEscape(req.State)
	}

	csrf := newCSRFToken()

	// Step 8: branch on webauthn.
	if webauthnEnabled {
		if req.SessionID != "" {
			if _, err := sm.sessions.Update(ctx, req.SessionID, func(s storage.Session) (storage.Session, error) {
				s.IsMFA = true
				return s, nil
			}); err != nil {
				return Result{}, passwordWasHashed, idperr.Internalf("could not mark session mfa", err)
			}
		}

		waCode := webauthn.NewCode()
		waExpiry := sm.now().Add(sm.webauthnReqExpiry)
		loginReq := webauthn.LoginReq{
			Code:         waCode,
			UserID:       user.ID,
			SessionID:    req.SessionID,
			Expiry:       waExpiry,
			HeaderLoc:    loc,
			HeaderOrigin: headerOrigin,
			CSRFHeader:   csrf,
		}
		if err := sm.webauthnStore.Create(ctx, loginReq); err != nil {
			return Result{}, passwordWasHashed, idperr.Internalf("could not persist webauthn login request", err)
		}

		return Result{AwaitWebauthn: &AwaitWebauthn{
			Code: waCode, UserID: user.ID, Expiry: waExpiry,
			SessionID: req.SessionID, HeaderOrigin: headerOrigin, CSRFHeader: csrf,
		}}, passwordWasHashed, nil
	}

	return Result{LoggedIn: &LoggedIn{
		HeaderLocation: loc, CSRFHeader: csrf, HeaderOrigin: headerOrigin,
		PasswordWasHashed: passwordWasHashed,
	}}, passwordWasHashed, nil
}

func newCodeID() string {
	return randToken(24)
}

func newCSRFToken() string {
	return randToken(24)
}

func randToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("generate random token: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
