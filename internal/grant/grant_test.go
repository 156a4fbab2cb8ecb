package grant

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/keystore"
	"github.com/gepbird/rauthy/internal/storage"
	"github.com/gepbird/rauthy/internal/store"
	"github.com/gepbird/rauthy/internal/timing"
	"github.com/gepbird/rauthy/internal/tokens"
	"github.com/gepbird/rauthy/internal/useridp"
)

type fixture struct {
	dispatcher *Dispatcher
	db         storage.Store
	mem        interface {
		SeedClient(storage.Client)
		SeedUser(storage.User)
	}
	authCodes *store.AuthCodeStore
	sessions  *store.SessionStore
	refresh   *store.RefreshStore
	engine    *tokens.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storage.NewMemory(slog.Default())
	c := cache.NewMemory()

	keys := keystore.New(db, c, keystore.EncKeys{
		Keys:   map[string][]byte{"k1": make([]byte, 32)},
		Active: "k1",
	}, slog.Default())
	require.NoError(t, keys.Rotate(context.Background()))

	scopes := clientreg.NewScopeCatalog([]clientreg.ScopeDef{{Name: "openid"}, {Name: "profile"}})
	clients := clientreg.New(db, scopes)
	users := useridp.New(db, useridp.DefaultParams)
	engine := tokens.New(keys, "https://idp.example.com", scopes)

	authCodes := store.NewAuthCodeStore(db, c)
	sessions := store.NewSessionStore(db, c)
	refresh := store.NewRefreshStore(db, c)
	eq := timing.New(c)

	dispatcher := New(clients, authCodes, sessions, refresh, engine, users, eq, 5*time.Minute)

	return fixture{
		dispatcher: dispatcher, db: db, mem: storage.AsMemory(db),
		authCodes: authCodes, sessions: sessions, refresh: refresh, engine: engine,
	}
}

func confidentialClient(t *testing.T, id, secret string) storage.Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	require.NoError(t, err)
	return storage.Client{
		ID: id, Confidential: true, SecretHash: hash,
		GrantTypes: []storage.GrantType{
			storage.GrantAuthorizationCode, storage.GrantClientCredentials,
			storage.GrantPassword, storage.GrantRefreshToken,
		},
		AccessTokenAlg: storage.AlgRS256, IDTokenAlg: storage.AlgRS256,
		DefaultScopes: []string{"openid"}, PKCEMethods: []storage.PKCEMethod{storage.PKCES256, storage.PKCEPlain},
	}
}

func TestAuthorizationCode_PKCES256_Success(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: true}
	f.mem.SeedClient(client)
	f.mem.SeedUser(user)

	verifier := "a-fixed-code-verifier-long-enough-for-pkce"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	require.NoError(t, f.authCodes.Create(context.Background(), storage.AuthCode{
		ID: "code1", UserID: "u1", ClientID: "c1",
		PKCEChallenge: challenge, PKCEMethod: storage.PKCES256,
		Expiry: time.Now().Add(time.Minute),
	}))

	set, err := f.dispatcher.AuthorizationCode(context.Background(), AuthorizationCodeRequest{
		ClientID: "c1", ClientSecret: "s3cret", Code: "code1", CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, set.AccessToken)
	assert.NotEmpty(t, set.IDToken)
	assert.NotEmpty(t, set.RefreshToken)
}

// TestAuthorizationCode_WrongVerifier_StillDeletesCode exercises spec §8's
// single-use invariant: a PKCE failure must not leave the code redeemable.
func TestAuthorizationCode_WrongVerifier_StillDeletesCode(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: true}
	f.mem.SeedClient(client)
	f.mem.SeedUser(user)

	sum := sha256.Sum256([]byte("correct-verifier"))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	require.NoError(t, f.authCodes.Create(context.Background(), storage.AuthCode{
		ID: "code1", UserID: "u1", ClientID: "c1",
		PKCEChallenge: challenge, PKCEMethod: storage.PKCES256,
		Expiry: time.Now().Add(time.Minute),
	}))

	_, err := f.dispatcher.AuthorizationCode(context.Background(), AuthorizationCodeRequest{
		ClientID: "c1", ClientSecret: "s3cret", Code: "code1", CodeVerifier: "wrong-verifier",
	})
	require.Error(t, err)

	_, err = f.authCodes.Find(context.Background(), "code1")
	assert.Equal(t, storage.ErrNotFound, err)

	_, err = f.dispatcher.AuthorizationCode(context.Background(), AuthorizationCodeRequest{
		ClientID: "c1", ClientSecret: "s3cret", Code: "code1", CodeVerifier: "correct-verifier",
	})
	require.Error(t, err)
	assert.Equal(t, idperr.Unauthorized, idperr.KindOf(err))
}

// TestAuthorizationCode_DisabledUser_RejectsEvenWithValidSession exercises
// spec §4.10: a user disabled after their auth code was issued must not
// receive a token set, even though the session itself is still unexpired.
func TestAuthorizationCode_DisabledUser_RejectsEvenWithValidSession(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: false}
	f.mem.SeedClient(client)
	f.mem.SeedUser(user)

	require.NoError(t, f.sessions.Create(context.Background(), storage.Session{
		ID: "sess1", State: storage.SessionInit, Expiry: time.Now().Add(time.Hour),
	}))
	require.NoError(t, f.authCodes.Create(context.Background(), storage.AuthCode{
		ID: "code1", UserID: "u1", ClientID: "c1", SessionID: "sess1",
		Expiry: time.Now().Add(time.Minute),
	}))

	_, err := f.dispatcher.AuthorizationCode(context.Background(), AuthorizationCodeRequest{
		ClientID: "c1", ClientSecret: "s3cret", Code: "code1",
	})
	require.Error(t, err)
	assert.Equal(t, idperr.Unauthorized, idperr.KindOf(err))

	// single-use invariant still holds: the code was consumed regardless.
	_, err = f.authCodes.Find(context.Background(), "code1")
	assert.Equal(t, storage.ErrNotFound, err)
}

func TestClientCredentials_NoUserFacts(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	f.mem.SeedClient(client)

	set, err := f.dispatcher.ClientCredentials(context.Background(), ClientCredentialsRequest{
		ClientID: "c1", ClientSecret: "s3cret", Scopes: []string{"openid"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, set.AccessToken)
	assert.Empty(t, set.RefreshToken)
	assert.Empty(t, set.IDToken)

	claims, err := f.engine.ValidateAccess(context.Background(), set.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, claims.UID)
}

func TestClientCredentials_RejectsPublicClient(t *testing.T) {
	f := newFixture(t)
	client := storage.Client{ID: "public", Confidential: false}
	f.mem.SeedClient(client)

	_, err := f.dispatcher.ClientCredentials(context.Background(), ClientCredentialsRequest{ClientID: "public"})
	require.Error(t, err)
	assert.Equal(t, idperr.BadRequest, idperr.KindOf(err))
}

func TestRefreshToken_Rotation(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: true}
	f.mem.SeedClient(client)
	f.mem.SeedUser(user)

	_, rec, err := f.engine.MintRefresh(context.Background(), tokens.RefreshTokenInput{
		Client: client, User: user, AccessTokenLifetime: time.Minute,
	})
	require.NoError(t, err)
	jwt, rec2, err := f.engine.MintRefresh(context.Background(), tokens.RefreshTokenInput{
		Client: client, User: user, AccessTokenLifetime: time.Minute,
	})
	require.NoError(t, err)
	_ = rec
	require.NoError(t, f.refresh.Create(context.Background(), rec2))

	set, err := f.dispatcher.RefreshToken(context.Background(), RefreshTokenRequest{
		ClientID: "c1", ClientSecret: "s3cret", RefreshToken: jwt,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, set.AccessToken)
	assert.NotEmpty(t, set.RefreshToken)
}

// TestRefreshToken_ExpiredHandle_InvalidatesAllAndReportsMisuse exercises
// spec §4.7's misuse-detection rule.
func TestRefreshToken_ExpiredHandle_InvalidatesAllAndReportsMisuse(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: true}
	f.mem.SeedClient(client)
	f.mem.SeedUser(user)

	jwt, rec, err := f.engine.MintRefresh(context.Background(), tokens.RefreshTokenInput{
		Client: client, User: user, AccessTokenLifetime: time.Minute,
	})
	require.NoError(t, err)
	rec.Expiry = time.Now().Add(-time.Hour)
	require.NoError(t, f.refresh.Create(context.Background(), rec))

	otherJWT, otherRec, err := f.engine.MintRefresh(context.Background(), tokens.RefreshTokenInput{
		Client: client, User: user, AccessTokenLifetime: time.Minute,
	})
	require.NoError(t, err)
	// Inserted directly into the database tier, bypassing the cache, so the
	// post-invalidation lookup below is forced to consult the (now empty)
	// database rather than a stale cache entry.
	require.NoError(t, f.db.CreateRefreshToken(context.Background(), otherRec))

	_, err = f.dispatcher.RefreshToken(context.Background(), RefreshTokenRequest{
		ClientID: "c1", ClientSecret: "s3cret", RefreshToken: jwt,
	})
	require.Error(t, err)
	assert.Equal(t, idperr.BadRequest, idperr.KindOf(err))

	_, err = f.dispatcher.RefreshToken(context.Background(), RefreshTokenRequest{
		ClientID: "c1", ClientSecret: "s3cret", RefreshToken: otherJWT,
	})
	require.Error(t, err)
}

func TestPassword_WrongPassword_Fails(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	hash, err := useridp.Hash("correct-password", useridp.DefaultParams)
	require.NoError(t, err)
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPassword, PasswordHash: []byte(hash),
	}
	f.mem.SeedClient(client)
	f.mem.SeedUser(user)

	_, err = f.dispatcher.Password(context.Background(), PasswordRequest{
		ClientID: "c1", ClientSecret: "s3cret", Email: "user@example.com", Password: "wrong",
	})
	require.Error(t, err)
	assert.Equal(t, "Invalid user credentials", err.Error())
}

func TestPassword_Success(t *testing.T) {
	f := newFixture(t)
	client := confidentialClient(t, "c1", "s3cret")
	hash, err := useridp.Hash("correct-password", useridp.DefaultParams)
	require.NoError(t, err)
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPassword, PasswordHash: []byte(hash),
	}
	f.mem.SeedClient(client)
	f.mem.SeedUser(user)

	set, err := f.dispatcher.Password(context.Background(), PasswordRequest{
		ClientID: "c1", ClientSecret: "s3cret", Email: "user@example.com", Password: "correct-password",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, set.AccessToken)
	assert.NotEmpty(t, set.RefreshToken)
}
