// Package storage defines the persistence-tier types and interface for the
// identity provider core: clients, users, sessions, auth codes, refresh
// token handles, and encrypted signing key material. It mirrors
// dexidp/dex's storage.Storage split between a single interface and
// swappable backends (memory, sql), except here the database is always the
// authority of record — liveness/TTL is layered on top by internal/cache
// (see internal/store's fallthrough store).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when a resource does not exist.
var ErrNotFound = errors.New("not found")

// GrantType enumerates the OAuth2 grant types a client may be permitted.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
)

// PKCEMethod enumerates supported PKCE code_challenge_methods.
type PKCEMethod string

const (
	PKCEPlain PKCEMethod = "plain"
	PKCES256  PKCEMethod = "S256"
)

// SigAlg enumerates the token signing algorithms a client may be assigned.
type SigAlg string

const (
	AlgRS256 SigAlg = "RS256"
	AlgRS384 SigAlg = "RS384"
	AlgRS512 SigAlg = "RS512"
	AlgEdDSA SigAlg = "EdDSA"
)

// SupportedAlgs is the complete set of signing algorithms the key store
// rotates and the client registry may assign.
var SupportedAlgs = []SigAlg{AlgRS256, AlgRS384, AlgRS512, AlgEdDSA}

// Client is an OAuth2/OIDC relying party registered with the IdP.
type Client struct {
	ID                string
	Confidential      bool
	SecretHash        []byte // bcrypt hash; nil iff !Confidential
	GrantTypes        []GrantType
	RedirectURIs      []string // exact, or wildcard-suffix "prefix*"
	PostLogoutURIs    []string
	AllowedOrigins    []string
	PKCEMethods       []PKCEMethod
	AccessTokenAlg      SigAlg
	IDTokenAlg          SigAlg
	DefaultScopes       []string
	AuthCodeLifetime    time.Duration
	AccessTokenLifetime time.Duration
}

// AccountType enumerates how a user may authenticate.
type AccountType string

const (
	AccountNew             AccountType = "new"
	AccountPassword        AccountType = "password"
	AccountPasskey         AccountType = "passkey"
	AccountPasswordPasskey AccountType = "password_passkey"
)

// User is an end user able to authenticate against the IdP.
type User struct {
	ID               string
	Email            string
	PasswordHash     []byte // nil iff AccountType == AccountPasskey
	AccountType       AccountType
	Enabled          bool
	Expiry           *time.Time
	LastLogin        *time.Time
	LastFailedLogin  *time.Time
	FailedAttempts   int
	Roles            []string
	Groups           []string
	CustomAttributes map[string][]byte
	WebauthnEnabled  bool
}

// HasWebauthn reports whether the user has a registered device credential.
func (u User) HasWebauthn() bool { return u.WebauthnEnabled }

// SessionState enumerates the session lifecycle states of spec §3.
type SessionState string

const (
	SessionInit     SessionState = "init"
	SessionAuth     SessionState = "auth"
	SessionLoggedOut SessionState = "logged_out"
	SessionUnknown  SessionState = "unknown"
)

// Session is a browser-bound login session.
type Session struct {
	ID       string
	CSRF     string
	State    SessionState
	IsMFA    bool
	UserID   string // empty until State == SessionAuth
	Roles    []string
	Groups   []string
	LastSeen time.Time
	Expiry   time.Time
}

// AuthCode is a short-lived, single-use authorization code.
type AuthCode struct {
	ID               string
	UserID           string
	ClientID         string
	SessionID        string // optional
	PKCEChallenge    string
	PKCEMethod       PKCEMethod
	Nonce            string
	Scopes           []string
	Expiry           time.Time
}

// RefreshToken is the persisted handle (last 49 chars of the issued JWT)
// plus the bookkeeping needed to validate and rotate it.
type RefreshToken struct {
	Handle string
	UserID string
	NotBefore time.Time
	Expiry    time.Time
	Scopes    []string
	IsMFA     bool
}

// JWK is one persisted signing key pair, identified by its kid; a rotation
// writes one JWK per supported algorithm.
type JWK struct {
	Kid        string
	Alg        SigAlg
	CreatedAt  time.Time
	Ciphertext []byte // DER-encoded key pair, encrypted under EncKeyID
	EncKeyID   string
}

// Store is the persistence interface the core depends on. Each
// implementation (memory, Postgres) is the database tier; TTL/liveness is layered on
// top by internal/store, not here (see design note 9.3, cache/DB duality).
type Store interface {
	Close() error

	// Clients
	GetClient(ctx context.Context, id string) (Client, error)

	// Users
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	UpdateUser(ctx context.Context, id string, updater func(User) (User, error)) error

	// Sessions
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, updater func(Session) (Session, error)) error

	// Auth codes
	CreateAuthCode(ctx context.Context, c AuthCode) error
	GetAuthCode(ctx context.Context, id string) (AuthCode, error)
	DeleteAuthCode(ctx context.Context, id string) error

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, rt RefreshToken) error
	GetRefreshToken(ctx context.Context, handle string) (RefreshToken, error)
	UpdateRefreshToken(ctx context.Context, handle string, updater func(RefreshToken) (RefreshToken, error)) error
	DeleteRefreshToken(ctx context.Context, handle string) error
	InvalidateAllRefreshTokensForUser(ctx context.Context, userID string) error

	// Keys
	GetKeys(ctx context.Context) ([]JWK, error)
	PutKeys(ctx context.Context, keys []JWK) error
}
