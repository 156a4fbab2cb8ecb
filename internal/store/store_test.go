package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/storage"
)

func TestAuthCodeStore_CreateFind(t *testing.T) {
	db := storage.NewMemory(slog.Default())
	s := NewAuthCodeStore(db, cache.NewMemory())
	ctx := context.Background()

	code := storage.AuthCode{ID: "code1", UserID: "u1", ClientID: "c1", Expiry: time.Now().Add(time.Minute)}
	require.NoError(t, s.Create(ctx, code))

	got, err := s.Find(ctx, "code1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

// TestAuthCodeStore_Redeem_SingleUse exercises design note 9.4: a second
// redemption of the same code must be reported as already-redeemed rather
// than as a fresh NotFound error.
func TestAuthCodeStore_Redeem_SingleUse(t *testing.T) {
	db := storage.NewMemory(slog.Default())
	s := NewAuthCodeStore(db, cache.NewMemory())
	ctx := context.Background()

	code := storage.AuthCode{ID: "code1", UserID: "u1", ClientID: "c1", Expiry: time.Now().Add(time.Minute)}
	require.NoError(t, s.Create(ctx, code))

	alreadyRedeemed, err := s.Redeem(ctx, "code1")
	require.NoError(t, err)
	assert.False(t, alreadyRedeemed)

	alreadyRedeemed, err = s.Redeem(ctx, "code1")
	require.NoError(t, err)
	assert.True(t, alreadyRedeemed)

	_, err = s.Find(ctx, "code1")
	assert.Equal(t, storage.ErrNotFound, err)
}

func TestSessionStore_Update(t *testing.T) {
	db := storage.NewMemory(slog.Default())
	s := NewSessionStore(db, cache.NewMemory())
	ctx := context.Background()

	sess := storage.Session{ID: "sess1", State: storage.SessionInit, Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, s.Create(ctx, sess))

	updated, err := s.Update(ctx, "sess1", func(cur storage.Session) (storage.Session, error) {
		cur.State = storage.SessionAuth
		cur.UserID = "u1"
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, storage.SessionAuth, updated.State)

	got, err := s.Get(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestRefreshStore_InvalidateAllForUser(t *testing.T) {
	db := storage.NewMemory(slog.Default())
	s := NewRefreshStore(db, cache.NewMemory())
	ctx := context.Background()

	rt := storage.RefreshToken{Handle: "h1", UserID: "u1", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, s.Create(ctx, rt))

	require.NoError(t, s.InvalidateAllForUser(ctx, "u1"))

	_, err := db.GetRefreshToken(ctx, "h1")
	assert.Equal(t, storage.ErrNotFound, err)
}
