// Package grant is the Token Endpoint's grant-type logic of spec §4.5,
// §4.6, and §4.7: redeeming an authorization code, client_credentials,
// password, and refresh_token. Transport (form parsing, JSON responses)
// lives in internal/server; this package takes already-parsed requests and
// returns a tokens.TokenSet or an idperr.Error. Grounded on
// dexidp/dex's server/tokenhandlers.go dispatch and
// server/passwordgranthandlers.go grant shape, and on rauthy's
// grant_type_* handlers in original_source/rauthy-service/src/auth.rs for
// the exact step ordering.
package grant

import (
	"context"
	"time"

	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/metrics"
	"github.com/gepbird/rauthy/internal/storage"
	"github.com/gepbird/rauthy/internal/store"
	"github.com/gepbird/rauthy/internal/timing"
	"github.com/gepbird/rauthy/internal/tokens"
	"github.com/gepbird/rauthy/internal/useridp"
)

// Dispatcher handles the four grant types of spec §4.5.
type Dispatcher struct {
	clients   *clientreg.Registry
	authCodes *store.AuthCodeStore
	sessions  *store.SessionStore
	refresh   *store.RefreshStore
	engine    *tokens.Engine
	users     *useridp.Authenticator
	timing    *timing.Equalizer

	refreshGraceTime time.Duration
	now              func() time.Time
}

func New(
	clients *clientreg.Registry,
	authCodes *store.AuthCodeStore,
	sessions *store.SessionStore,
	refresh *store.RefreshStore,
	engine *tokens.Engine,
	users *useridp.Authenticator,
	eq *timing.Equalizer,
	refreshGraceTime time.Duration,
) *Dispatcher {
	return &Dispatcher{
		clients: clients, authCodes: authCodes, sessions: sessions, refresh: refresh,
		engine: engine, users: users, timing: eq,
		refreshGraceTime: refreshGraceTime, now: time.Now,
	}
}

func (d *Dispatcher) accessLifetime(c storage.Client) time.Duration {
	if c.AccessTokenLifetime > 0 {
		return c.AccessTokenLifetime
	}
	return 10 * time.Minute
}

// mintFullSet mints access + (optional) id + refresh tokens for user, the
// shared tail of authorization_code, password, and refresh_token grants.
func (d *Dispatcher) mintFullSet(ctx context.Context, grantName string, client storage.Client, user storage.User, scopes []string, nonce string, webauthnUsed, isMFA bool) (tokens.TokenSet, storage.RefreshToken, error) {
	lifetime := d.accessLifetime(client)

	access, exp, err := d.engine.MintAccess(ctx, tokens.AccessTokenInput{
		Client: client, User: &user, Scopes: scopes, Lifetime: lifetime,
	})
	if err != nil {
		return tokens.TokenSet{}, storage.RefreshToken{}, err
	}

	idToken, err := d.engine.MintID(ctx, tokens.IDTokenInput{
		Client: client, User: user, Scopes: scopes, Nonce: nonce,
		WebauthnUsed: webauthnUsed, Lifetime: lifetime,
	})
	if err != nil {
		return tokens.TokenSet{}, storage.RefreshToken{}, err
	}

	refreshJWT, rec, err := d.engine.MintRefresh(ctx, tokens.RefreshTokenInput{
		Client: client, User: user, Scopes: scopes, IsMFA: isMFA, AccessTokenLifetime: lifetime,
	})
	if err != nil {
		return tokens.TokenSet{}, storage.RefreshToken{}, err
	}

	metrics.TokensMinted.WithLabelValues("access", grantName).Inc()
	metrics.TokensMinted.WithLabelValues("id", grantName).Inc()
	metrics.TokensMinted.WithLabelValues("refresh", grantName).Inc()

	scopeStr := joinScopes(scopes, client)
	return tokens.TokenSet{
		AccessToken: access, IDToken: idToken, RefreshToken: refreshJWT,
		ExpiresIn: int64(time.Until(exp).Seconds()), Scope: scopeStr,
	}, rec, nil
}

func joinScopes(scopes []string, client storage.Client) string {
	if len(scopes) == 0 {
		scopes = client.DefaultScopes
	}
	s := ""
	for i, sc := range scopes {
		if i > 0 {
			s += " "
		}
		s += sc
	}
	return s
}

// AuthorizationCodeRequest is the token-endpoint form for grant_type=authorization_code.
type AuthorizationCodeRequest struct {
	ClientID     string
	ClientSecret string // optional, confidential clients
	Code         string
	CodeVerifier string // optional, required iff the code carries a challenge
}

// AuthorizationCode redeems an authorization code for a token set, per
// spec §4.5.
func (d *Dispatcher) AuthorizationCode(ctx context.Context, req AuthorizationCodeRequest) (tokens.TokenSet, error) {
	client, err := d.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.clients.ValidateFlow(client, storage.GrantAuthorizationCode); err != nil {
		return tokens.TokenSet{}, err
	}
	if client.Confidential {
		if err := d.clients.ValidateSecret(client, req.ClientSecret); err != nil {
			return tokens.TokenSet{}, err
		}
	}

	code, err := d.authCodes.Find(ctx, req.Code)
	if err != nil {
		return tokens.TokenSet{}, idperr.Unauthorizedf("invalid or expired authorization code", err)
	}
	if code.ClientID != client.ID {
		return tokens.TokenSet{}, idperr.Unauthorizedf("authorization code was issued to a different client", nil)
	}
	if d.now().After(code.Expiry) {
		_, _ = d.authCodes.Redeem(ctx, req.Code)
		return tokens.TokenSet{}, idperr.SessionExpiredf("authorization code expired", nil)
	}

	var pkceErr error
	if code.PKCEChallenge != "" {
		if req.CodeVerifier == "" {
			pkceErr = idperr.Unauthorizedf("'code_verifier' is required", nil)
		} else if !verifyPKCE(code.PKCEMethod, req.CodeVerifier, code.PKCEChallenge) {
			pkceErr = idperr.Unauthorizedf("'code_verifier' does not match the challenge", nil)
		}
	}

	// The code is deleted regardless of what happens next (PKCE failure,
	// session-update failure): spec §4.5/§4.10 require single-use
	// consumption and propagation of the session error, in that order.
	alreadyRedeemed, delErr := d.authCodes.Redeem(ctx, req.Code)
	if delErr != nil {
		return tokens.TokenSet{}, idperr.Internalf("could not redeem authorization code", delErr)
	}
	if alreadyRedeemed {
		return tokens.TokenSet{}, idperr.Unauthorizedf("authorization code already redeemed", nil)
	}
	if pkceErr != nil {
		return tokens.TokenSet{}, pkceErr
	}

	u, err := d.users.FindByID(ctx, code.UserID)
	if err != nil {
		return tokens.TokenSet{}, err
	}

	webauthnUsed := u.HasWebauthn()

	if code.SessionID != "" {
		if err := d.users.CheckEnabled(u); err != nil {
			return tokens.TokenSet{}, err
		}
		if err := d.users.CheckExpired(u); err != nil {
			return tokens.TokenSet{}, err
		}
		if _, err := d.sessions.Update(ctx, code.SessionID, func(s storage.Session) (storage.Session, error) {
			if d.now().After(s.Expiry) {
				return storage.Session{}, idperr.Internalf("session expired before authorization code redemption", nil)
			}
			s.State = storage.SessionAuth
			s.UserID = u.ID
			s.Roles = u.Roles
			s.Groups = u.Groups
			s.LastSeen = d.now()
			return s, nil
		}); err != nil {
			return tokens.TokenSet{}, err
		}
	}

	set, rec, err := d.mintFullSet(ctx, "authorization_code", client, u, code.Scopes, code.Nonce, webauthnUsed, webauthnUsed)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.refresh.Create(ctx, rec); err != nil {
		return tokens.TokenSet{}, idperr.Internalf("could not persist refresh token", err)
	}
	return set, nil
}

func (d *Dispatcher) usersByID(ctx context.Context, id string) (storage.User, error) {
	return d.users.FindByID(ctx, id)
}

// ClientCredentialsRequest is the token-endpoint form for
// grant_type=client_credentials.
type ClientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// ClientCredentials mints a userless access token, per spec §4.5: only for
// confidential clients whose secret validates and whose permitted flows
// include client_credentials; no refresh token. The client record carries
// no enabled flag, so no enabled check is made.
func (d *Dispatcher) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (tokens.TokenSet, error) {
	client, err := d.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if !client.Confidential {
		return tokens.TokenSet{}, idperr.BadRequestf("client_credentials requires a confidential client", nil)
	}
	if err := d.clients.ValidateSecret(client, req.ClientSecret); err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.clients.ValidateFlow(client, storage.GrantClientCredentials); err != nil {
		return tokens.TokenSet{}, err
	}

	scopes := d.clients.SanitizeLoginScopes(client, req.Scopes)
	access, exp, err := d.engine.MintAccess(ctx, tokens.AccessTokenInput{
		Client: client, User: nil, Scopes: scopes, Lifetime: d.accessLifetime(client),
	})
	if err != nil {
		return tokens.TokenSet{}, err
	}
	metrics.TokensMinted.WithLabelValues("access", "client_credentials").Inc()
	return tokens.TokenSet{
		AccessToken: access, ExpiresIn: int64(time.Until(exp).Seconds()),
		Scope: joinScopes(scopes, client),
	}, nil
}

// PasswordRequest is the token-endpoint form for grant_type=password.
type PasswordRequest struct {
	ClientID     string
	ClientSecret string // required iff the client is confidential
	Email        string
	Password     string
	Scopes       []string
}

// Password validates client and user (equalized against failure) and
// mints a full token set, per spec §4.5.
func (d *Dispatcher) Password(ctx context.Context, req PasswordRequest) (tokens.TokenSet, error) {
	start := d.timing.Start()
	set, err := d.password(ctx, req)
	if err != nil {
		d.timing.Failure(ctx, start)
		return tokens.TokenSet{}, err
	}
	d.timing.Success(ctx, start, true)
	return set, nil
}

func (d *Dispatcher) password(ctx context.Context, req PasswordRequest) (tokens.TokenSet, error) {
	client, err := d.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if client.Confidential {
		if err := d.clients.ValidateSecret(client, req.ClientSecret); err != nil {
			return tokens.TokenSet{}, err
		}
	}
	if err := d.clients.ValidateFlow(client, storage.GrantPassword); err != nil {
		return tokens.TokenSet{}, err
	}

	user, err := d.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.users.CheckEnabled(user); err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.users.CheckExpired(user); err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.users.ValidatePassword(ctx, user, req.Password); err != nil {
		_ = d.users.RecordLoginFailure(ctx, user.ID)
		return tokens.TokenSet{}, err
	}
	if err := d.users.RecordLoginSuccess(ctx, user.ID); err != nil {
		return tokens.TokenSet{}, idperr.Internalf("could not record login", err)
	}

	scopes := d.clients.SanitizeLoginScopes(client, req.Scopes)
	set, rec, err := d.mintFullSet(ctx, "password", client, user, scopes, "", false, false)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.refresh.Create(ctx, rec); err != nil {
		return tokens.TokenSet{}, idperr.Internalf("could not persist refresh token", err)
	}
	return set, nil
}

// RefreshTokenRequest is the token-endpoint form for grant_type=refresh_token.
type RefreshTokenRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// RefreshToken validates and redeems a refresh token, per spec §4.7,
// including misuse detection and the grace-window shortening rule.
func (d *Dispatcher) RefreshToken(ctx context.Context, req RefreshTokenRequest) (tokens.TokenSet, error) {
	client, err := d.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if client.Confidential {
		if err := d.clients.ValidateSecret(client, req.ClientSecret); err != nil {
			return tokens.TokenSet{}, err
		}
	}
	if err := d.clients.ValidateFlow(client, storage.GrantRefreshToken); err != nil {
		return tokens.TokenSet{}, err
	}

	claims, err := d.engine.ValidateRefresh(ctx, req.RefreshToken)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if claims.AuthorizingParty != client.ID {
		return tokens.TokenSet{}, idperr.BadRequestf("'client_id' does not match", nil)
	}

	handle := tokens.HandleOf(req.RefreshToken)
	rt, err := d.refresh.Find(ctx, handle)
	if err != nil {
		return tokens.TokenSet{}, idperr.Unauthorizedf("unknown refresh token", err)
	}

	now := d.now()
	if rt.Expiry.Before(now) {
		_ = d.refresh.InvalidateAllForUser(ctx, rt.UserID)
		metrics.RefreshMisuseDetected.Inc()
		return tokens.TokenSet{}, idperr.BadRequestf(
			"Refresh token has expired already. All other refresh tokens for this user have been invalidated now because of misuse.", nil)
	}

	user, err := d.usersByID(ctx, rt.UserID)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.users.CheckEnabled(user); err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.users.CheckExpired(user); err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.users.RecordLoginSuccess(ctx, user.ID); err != nil {
		return tokens.TokenSet{}, idperr.Internalf("could not record login", err)
	}

	// Grace rule: only shorten the persisted expiry, never extend it, and
	// only when it is still further out than the grace window allows
	// (+1s slack, per spec §4.7/§9).
	expAtGrace := now.Add(d.refreshGraceTime)
	if rt.Expiry.After(expAtGrace.Add(1 * time.Second)) {
		if _, err := d.refresh.Update(ctx, handle, func(r storage.RefreshToken) (storage.RefreshToken, error) {
			r.Expiry = expAtGrace
			return r, nil
		}); err != nil {
			return tokens.TokenSet{}, idperr.Internalf("could not shorten refresh token grace window", err)
		}
	}

	set, rec, err := d.mintFullSet(ctx, "refresh_token", client, user, rt.Scopes, "", rt.IsMFA, rt.IsMFA)
	if err != nil {
		return tokens.TokenSet{}, err
	}
	if err := d.refresh.Create(ctx, rec); err != nil {
		return tokens.TokenSet{}, idperr.Internalf("could not persist refresh token", err)
	}
	return set, nil
}
