package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gepbird/rauthy/internal/authsm"
	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/grant"
	"github.com/gepbird/rauthy/internal/keystore"
	"github.com/gepbird/rauthy/internal/storage"
	"github.com/gepbird/rauthy/internal/store"
	"github.com/gepbird/rauthy/internal/timing"
	"github.com/gepbird/rauthy/internal/tokens"
	"github.com/gepbird/rauthy/internal/useridp"
	"github.com/gepbird/rauthy/internal/webauthn"
)

type testFixture struct {
	srv    *Server
	db     storage.Store
	engine *tokens.Engine
}

func newTestFixture(t *testing.T) testFixture {
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

	grants := grant.New(clients, authCodes, sessions, refresh, engine, users, eq, 5*time.Minute)
	waStore := webauthn.NewCacheStore(c)
	sm := authsm.New(clients, users, sessions, authCodes, waStore, eq, []byte("mfa-cookie-key-0123456789012345"), time.Minute)
	collab := webauthn.NewDefaultCollaborator(waStore)

	srv := New(Config{Issuer: "https://idp.example.com"}, sm, grants, engine, keys, sessions, collab, clients, slog.Default())

	return testFixture{srv: srv, db: db, engine: engine}
}

func TestHandleIntrospect_ActiveToken(t *testing.T) {
	f := newTestFixture(t)
	storage.AsMemory(f.db).SeedClient(storage.Client{
		ID: "c1", Confidential: false,
		AccessTokenAlg: storage.AlgRS256, IDTokenAlg: storage.AlgRS256,
		DefaultScopes: []string{"openid"},
	})
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: true}

	jwt, _, err := f.engine.MintAccess(context.Background(), tokens.AccessTokenInput{
		Client: storage.Client{ID: "c1", AccessTokenAlg: storage.AlgRS256},
		User:   &user, Scopes: []string{"openid"}, Lifetime: time.Minute,
	})
	require.NoError(t, err)

	body := url.Values{"client_id": {"c1"}, "token": {jwt}}.Encode()
	r := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	f.srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp introspectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Active)
	assert.Equal(t, "c1", resp.ClientID)
	assert.Equal(t, "user@example.com", resp.Username)
}

func TestHandleIntrospect_InactiveToken(t *testing.T) {
	f := newTestFixture(t)
	storage.AsMemory(f.db).SeedClient(storage.Client{ID: "c1", Confidential: false})

	body := url.Values{"client_id": {"c1"}, "token": {"not-a-real-token"}}.Encode()
	r := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	f.srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp introspectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Active)
}

// TestHandleUserInfo_MergesSessionAndTokenRoles exercises design note
// 9.2's principal composition: a session cookie present alongside the
// bearer token unions roles from both sources for the same subject.
func TestHandleUserInfo_MergesSessionAndTokenRoles(t *testing.T) {
	f := newTestFixture(t)
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: true, Roles: []string{"token-role"}}

	jwt, _, err := f.engine.MintAccess(context.Background(), tokens.AccessTokenInput{
		Client: storage.Client{ID: "c1", AccessTokenAlg: storage.AlgRS256},
		User:   &user, Scopes: []string{"openid"}, Lifetime: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, f.db.CreateSession(context.Background(), storage.Session{
		ID: "sess1", State: storage.SessionAuth, UserID: "u1",
		Roles: []string{"session-role"}, Expiry: time.Now().Add(time.Hour),
	}))

	r := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	r.Header.Set("Authorization", "Bearer "+jwt)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess1"})
	w := httptest.NewRecorder()

	f.srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	roles, _ := resp["roles"].([]any)
	var roleNames []string
	for _, r := range roles {
		roleNames = append(roleNames, r.(string))
	}
	assert.ElementsMatch(t, []string{"token-role", "session-role"}, roleNames)
	assert.Equal(t, "u1", resp["uid"])
}

// TestHandleUserInfo_SessionDisagreesWithToken_SessionWins asserts that a
// session bound to a different user than the bearer token wins outright,
// per Merge's disagreement rule.
func TestHandleUserInfo_SessionDisagreesWithToken_SessionWins(t *testing.T) {
	f := newTestFixture(t)
	user := storage.User{ID: "u1", Email: "user@example.com", Enabled: true, Roles: []string{"token-role"}}

	jwt, _, err := f.engine.MintAccess(context.Background(), tokens.AccessTokenInput{
		Client: storage.Client{ID: "c1", AccessTokenAlg: storage.AlgRS256},
		User:   &user, Scopes: []string{"openid"}, Lifetime: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, f.db.CreateSession(context.Background(), storage.Session{
		ID: "sess1", State: storage.SessionAuth, UserID: "u2",
		Roles: []string{"other-role"}, Expiry: time.Now().Add(time.Hour),
	}))

	r := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	r.Header.Set("Authorization", "Bearer "+jwt)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess1"})
	w := httptest.NewRecorder()

	f.srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "u2", resp["uid"])
	roles, _ := resp["roles"].([]any)
	assert.Len(t, roles, 1)
	assert.Equal(t, "other-role", roles[0])
}

func TestHandleIntrospect_UnknownClient(t *testing.T) {
	f := newTestFixture(t)

	body := url.Values{"client_id": {"nope"}, "token": {"whatever"}}.Encode()
	r := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	f.srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
