package authsm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/storage"
	"github.com/gepbird/rauthy/internal/store"
	"github.com/gepbird/rauthy/internal/timing"
	"github.com/gepbird/rauthy/internal/useridp"
	"github.com/gepbird/rauthy/internal/webauthn"
)

type fixture struct {
	sm        *SM
	db        storage.Store
	authCodes *store.AuthCodeStore
}

func newFixture(t *testing.T, client storage.Client, user storage.User) fixture {
	t.Helper()
	db := storage.NewMemory(slog.Default())
	mem := storage.AsMemory(db)
	mem.SeedClient(client)
	mem.SeedUser(user)

	c := cache.NewMemory()
	scopes := clientreg.NewScopeCatalog([]clientreg.ScopeDef{{Name: "openid"}})
	clients := clientreg.New(db, scopes)
	users := useridp.New(db, useridp.DefaultParams)
	sessions := store.NewSessionStore(db, c)
	authCodes := store.NewAuthCodeStore(db, c)
	waStore := webauthn.NewCacheStore(c)
	eq := timing.New(c)

	sm := New(clients, users, sessions, authCodes, waStore, eq, []byte("mfa-cookie-key-0123456789012345"), time.Minute)
	return fixture{sm: sm, db: db, authCodes: authCodes}
}

func baseClient() storage.Client {
	return storage.Client{
		ID:             "client1",
		RedirectURIs:   []string{"https://app.example.com/cb"},
		AllowedOrigins: []string{"https://app.example.com"},
		DefaultScopes:  []string{"openid"},
		AuthCodeLifetime: time.Minute,
	}
}

func TestAuthorize_PasswordLogin_Success(t *testing.T) {
	hash, err := useridp.Hash("hunter2", useridp.DefaultParams)
	require.NoError(t, err)
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPassword, PasswordHash: []byte(hash),
	}
	f := newFixture(t, baseClient(), user)

	result, err := f.sm.Authorize(context.Background(), Request{
		Email: "user@example.com", Password: "hunter2",
		ClientID: "client1", RedirectURI: "https://app.example.com/cb",
		Scopes: []string{"openid"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.LoggedIn)
	assert.Nil(t, result.AwaitWebauthn)
	assert.Contains(t, result.LoggedIn.HeaderLocation, "code=")
	assert.True(t, result.LoggedIn.PasswordWasHashed)
}

func TestAuthorize_WrongPassword_FixedMessage(t *testing.T) {
	hash, err := useridp.Hash("hunter2", useridp.DefaultParams)
	require.NoError(t, err)
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPassword, PasswordHash: []byte(hash),
	}
	f := newFixture(t, baseClient(), user)

	_, err = f.sm.Authorize(context.Background(), Request{
		Email: "user@example.com", Password: "wrong",
		ClientID: "client1", RedirectURI: "https://app.example.com/cb",
	})
	require.Error(t, err)
	assert.Equal(t, "Invalid user credentials", err.Error())
}

func TestAuthorize_UnknownUser_SameMessageAsWrongPassword(t *testing.T) {
	f := newFixture(t, baseClient(), storage.User{ID: "other", Email: "someone-else@example.com", Enabled: true})

	_, err := f.sm.Authorize(context.Background(), Request{
		Email: "nobody@example.com", Password: "whatever",
		ClientID: "client1", RedirectURI: "https://app.example.com/cb",
	})
	require.Error(t, err)
	assert.Equal(t, "Invalid user credentials", err.Error())
}

func TestAuthorize_WebauthnUser_AwaitsCeremony(t *testing.T) {
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPasskey, WebauthnEnabled: true,
	}
	f := newFixture(t, baseClient(), user)

	result, err := f.sm.Authorize(context.Background(), Request{
		Email: "user@example.com",
		ClientID: "client1", RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)
	require.NotNil(t, result.AwaitWebauthn)
	assert.Nil(t, result.LoggedIn)
	assert.Equal(t, "u1", result.AwaitWebauthn.UserID)
	assert.NotEmpty(t, result.AwaitWebauthn.Code)
}

func TestAuthorize_InvalidRedirectURI(t *testing.T) {
	hash, err := useridp.Hash("hunter2", useridp.DefaultParams)
	require.NoError(t, err)
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPassword, PasswordHash: []byte(hash),
	}
	f := newFixture(t, baseClient(), user)

	_, err = f.sm.Authorize(context.Background(), Request{
		Email: "user@example.com", Password: "hunter2",
		ClientID: "client1", RedirectURI: "https://evil.example.com/cb",
	})
	assert.Error(t, err)
}

func TestAuthorize_DisabledUser(t *testing.T) {
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: false}
	f := newFixture(t, baseClient(), user)

	_, err := f.sm.Authorize(context.Background(), Request{
		Email: "user@example.com", Password: "anything",
		ClientID: "client1", RedirectURI: "https://app.example.com/cb",
	})
	require.Error(t, err)
	assert.Equal(t, "Invalid user credentials", err.Error())
}

func TestMFACookie_SkipsPasswordWhenDeviceTrusted(t *testing.T) {
	key := []byte("mfa-cookie-key-0123456789012345")
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPasswordPasskey, WebauthnEnabled: true,
	}
	f := newFixture(t, baseClient(), user)

	cookie := SignMFACookie("user@example.com", key)
	result, err := f.sm.Authorize(context.Background(), Request{
		Email: "user@example.com",
		ClientID: "client1", RedirectURI: "https://app.example.com/cb",
		MFACookie: cookie,
	})
	// WebauthnEnabled is still true, so the ceremony still runs; the MFA
	// cookie only waives the requirement for a password, not the ceremony.
	require.NoError(t, err)
	require.NotNil(t, result.AwaitWebauthn)
}

func TestAuthorize_NoPasswordNoCookie_Rejected(t *testing.T) {
	user := storage.User{
		ID: "u1", Email: "user@example.com", Enabled: true,
		AccountType: storage.AccountPassword, PasswordHash: []byte(mustHash(t)),
	}
	f := newFixture(t, baseClient(), user)

	_, err := f.sm.Authorize(context.Background(), Request{
		Email: "user@example.com",
		ClientID: "client1", RedirectURI: "https://app.example.com/cb",
	})
	require.Error(t, err)
	assert.Equal(t, "Invalid user credentials", err.Error())
}

func mustHash(t *testing.T) string {
	t.Helper()
	h, err := useridp.Hash("hunter2", useridp.DefaultParams)
	require.NoError(t, err)
	return h
}
