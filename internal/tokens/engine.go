package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/keystore"
	"github.com/gepbird/rauthy/internal/storage"
)

// ScopeCatalog resolves which custom user attributes a scope exposes on
// access and ID tokens (spec §4.6: "attr_include_access" / "attr_include_id").
// Out of scope here is how the catalog itself is administered (admin CRUD
// is an external collaborator per spec §1); internal/clientreg owns an
// implementation.
type ScopeCatalog interface {
	AccessAttributes(scope string) []string
	IDAttributes(scope string) []string
}

// Engine is the Token Engine of spec §4.6/§4.8.
type Engine struct {
	keys    *keystore.Store
	issuer  string
	scopes  ScopeCatalog
	now     func() time.Time
}

func New(keys *keystore.Store, issuer string, scopes ScopeCatalog) *Engine {
	return &Engine{keys: keys, issuer: issuer, scopes: scopes, now: time.Now}
}

func jti() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b))
}

func hasScope(scopes []string, name string) bool {
	for _, s := range scopes {
		if s == name {
			return true
		}
	}
	return false
}

// defaultScopeString joins a client's default scopes (stored
// comma-separated, held here as a slice) into the space-separated form the
// rest of the token engine expects, per spec §4.6.
func defaultScopeString(client storage.Client) string {
	return strings.Join(client.DefaultScopes, " ")
}

func customAttrs(user *storage.User, names []string) map[string]string {
	if user == nil || len(names) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, n := range names {
		if v, ok := user.CustomAttributes[n]; ok {
			out[n] = string(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sign produces a compact JWS over claims using the latest key pair for
// alg, the single dispatch point design note 9.1 calls for.
func (e *Engine) sign(ctx context.Context, alg storage.SigAlg, claims any) (string, error) {
	kp, err := e.keys.Latest(ctx, alg)
	if err != nil {
		return "", fmt.Errorf("load signing key: %w", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: kp.SignatureAlgorithm(), Key: kp.Signer()}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{"kid": kp.Kid},
	})
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}
	payload, err := marshalClaims(claims)
	if err != nil {
		return "", err
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return jws.CompactSerialize()
}

// AccessTokenInput is the set of facts needed to mint an access token,
// per spec §4.6.
type AccessTokenInput struct {
	Client   storage.Client
	User     *storage.User // nil for client_credentials
	Scopes   []string      // if empty, client.default_scopes is used
	Lifetime time.Duration
}

// MintAccess builds and signs an access token per spec §4.6.
func (e *Engine) MintAccess(ctx context.Context, in AccessTokenInput) (string, time.Time, error) {
	now := e.now()
	exp := now.Add(in.Lifetime)

	scopeStr := strings.Join(in.Scopes, " ")
	if scopeStr == "" {
		scopeStr = defaultScopeString(in.Client)
	}
	scopes := strings.Fields(scopeStr)

	claims := AccessClaims{
		commonClaims: commonClaims{
			Issuer: e.issuer, Audience: in.Client.ID, Expiry: exp.Unix(),
			NotBefore: now.Unix(), IssuedAt: now.Unix(), JTI: jti(),
		},
		Type:             TypeBearer,
		AuthorizingParty: in.Client.ID,
		Scope:            scopeStr,
	}
	if in.User != nil {
		claims.commonClaims.Subject = in.User.Email
		claims.UID = in.User.ID
		claims.PreferredUsername = in.User.Email
		claims.Roles = in.User.Roles
		if hasScope(scopes, "groups") {
			claims.Groups = in.User.Groups
		}
		var attrs []string
		for _, s := range scopes {
			attrs = append(attrs, e.scopes.AccessAttributes(s)...)
		}
		claims.Custom = customAttrs(in.User, attrs)
	}

	jws, err := e.sign(ctx, in.Client.AccessTokenAlg, claims)
	if err != nil {
		return "", time.Time{}, idperr.Internalf("could not mint access token", err)
	}
	return jws, exp, nil
}

// IDTokenInput is the set of facts needed to mint an ID token, per spec §4.6.
type IDTokenInput struct {
	Client       storage.Client
	User         storage.User
	Scopes       []string
	Nonce        string
	WebauthnUsed bool // true iff auth-code flow completed via webauthn
	Lifetime     time.Duration
}

// MintID builds and signs an ID token per spec §4.6.
func (e *Engine) MintID(ctx context.Context, in IDTokenInput) (string, error) {
	now := e.now()
	amr := []string{"pwd"}
	if in.WebauthnUsed {
		amr = []string{"mfa"}
	}

	claims := IDClaims{
		commonClaims: commonClaims{
			Issuer: e.issuer, Audience: in.Client.ID, Subject: in.User.ID,
			Expiry: now.Add(in.Lifetime).Unix(), NotBefore: now.Unix(),
			IssuedAt: now.Unix(), JTI: jti(),
		},
		Type:             TypeID,
		AuthorizingParty: in.Client.ID,
		AMR:              amr,
		Nonce:            in.Nonce,
	}
	if hasScope(in.Scopes, "email") {
		claims.Email = in.User.Email
		v := true
		claims.EmailVerified = &v
	}
	if hasScope(in.Scopes, "profile") {
		claims.GivenName, claims.FamilyName = splitName(in.User)
	}
	if hasScope(in.Scopes, "groups") {
		claims.Groups = in.User.Groups
	}
	var attrs []string
	for _, s := range in.Scopes {
		attrs = append(attrs, e.scopes.IDAttributes(s)...)
	}
	claims.Custom = customAttrs(&in.User, attrs)

	jws, err := e.sign(ctx, in.Client.IDTokenAlg, claims)
	if err != nil {
		return "", idperr.Internalf("could not mint id token", err)
	}
	return jws, nil
}

func splitName(u storage.User) (given, family string) {
	if v, ok := u.CustomAttributes["given_name"]; ok {
		given = string(v)
	}
	if v, ok := u.CustomAttributes["family_name"]; ok {
		family = string(v)
	}
	return given, family
}

// RefreshTokenLifetime is the fixed 48h lifetime of spec §4.6.
const RefreshTokenLifetime = 48 * time.Hour

// RefreshTokenInput is the set of facts needed to mint a refresh token.
type RefreshTokenInput struct {
	Client             storage.Client
	User               storage.User
	Scopes             []string
	IsMFA              bool
	AccessTokenLifetime time.Duration
}

// MintRefresh builds and signs a refresh token, always EdDSA, per spec
// §4.6, and returns both the JWT and the storage.RefreshToken record ready
// to be persisted by internal/store.RefreshStore.
func (e *Engine) MintRefresh(ctx context.Context, in RefreshTokenInput) (jwt string, rec storage.RefreshToken, err error) {
	now := e.now()
	nbf := now.Add(in.AccessTokenLifetime).Add(-60 * time.Second)
	exp := nbf.Add(RefreshTokenLifetime)

	claims := RefreshClaims{
		commonClaims: commonClaims{
			Issuer: e.issuer, Audience: in.Client.ID, Subject: in.User.Email,
			Expiry: exp.Unix(), NotBefore: nbf.Unix(), IssuedAt: now.Unix(), JTI: jti(),
		},
		Type:             TypeRefresh,
		AuthorizingParty: in.Client.ID,
		UID:              in.User.ID,
	}
	jwt, err = e.sign(ctx, storage.AlgEdDSA, claims)
	if err != nil {
		return "", storage.RefreshToken{}, idperr.Internalf("could not mint refresh token", err)
	}
	rec = storage.RefreshToken{
		Handle:    HandleOf(jwt),
		UserID:    in.User.ID,
		NotBefore: nbf,
		Expiry:    exp,
		Scopes:    in.Scopes,
		IsMFA:     in.IsMFA,
	}
	return jwt, rec, nil
}

// TokenSet is the response shape of spec §6's token endpoint.
type TokenSet struct {
	AccessToken  string
	RefreshToken string // optional
	IDToken      string // optional
	ExpiresIn    int64
	Scope        string
}
