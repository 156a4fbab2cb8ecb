// Package tokens is the Token Engine of spec §4.6/§4.8: it mints access,
// ID, and refresh tokens, and validates bearer tokens presented by
// clients. Per design note 9.1, the four signing algorithms share one
// signer contract dispatched on the key pair's algorithm tag
// (internal/keystore.KeyPair); this package never branches on algorithm
// itself beyond picking which KeyPair to use.
package tokens

// commonClaims holds the fields every token type carries, per spec §3.
type commonClaims struct {
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	Subject   string `json:"sub"`
	Expiry    int64  `json:"exp"`
	NotBefore int64  `json:"nbf"`
	IssuedAt  int64  `json:"iat"`
	JTI       string `json:"jti"`
}

// AccessClaims is the claim set of an access token (spec §3).
type AccessClaims struct {
	commonClaims
	Type              string            `json:"typ"`
	AuthorizingParty  string            `json:"azp"`
	Scope             string            `json:"scope"`
	UID               string            `json:"uid,omitempty"`
	PreferredUsername string            `json:"preferred_username,omitempty"`
	Roles             []string          `json:"roles,omitempty"`
	Groups            []string          `json:"groups,omitempty"`
	Custom            map[string]string `json:"custom,omitempty"`
}

// IDClaims is the claim set of an ID token (spec §3).
type IDClaims struct {
	commonClaims
	Type              string            `json:"typ"`
	AuthorizingParty  string            `json:"azp"`
	AMR               []string          `json:"amr"`
	Nonce             string            `json:"nonce,omitempty"`
	Email             string            `json:"email,omitempty"`
	EmailVerified     *bool             `json:"email_verified,omitempty"`
	GivenName         string            `json:"given_name,omitempty"`
	FamilyName        string            `json:"family_name,omitempty"`
	Groups            []string          `json:"groups,omitempty"`
	Custom            map[string]string `json:"custom,omitempty"`
}

// RefreshClaims is the claim set embedded in a refresh token JWT (spec §3).
type RefreshClaims struct {
	commonClaims
	Type             string `json:"typ"`
	AuthorizingParty string `json:"azp"`
	UID              string `json:"uid"`
}

const (
	TypeBearer  = "Bearer"
	TypeID      = "Id"
	TypeRefresh = "Refresh"
)

// RefreshHandleLen is the length of the persisted validation handle: the
// trailing 49 characters of the issued JWT (spec §3, §4.7).
const RefreshHandleLen = 49

// HandleOf returns the persisted validation handle for an issued refresh
// JWT: its trailing RefreshHandleLen characters.
func HandleOf(jwt string) string {
	if len(jwt) <= RefreshHandleLen {
		return jwt
	}
	return jwt[len(jwt)-RefreshHandleLen:]
}
