package keystore

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := storage.NewMemory(slog.Default())
	return New(db, cache.NewMemory(), EncKeys{
		Keys:   map[string][]byte{"k1": make([]byte, 32)},
		Active: "k1",
	}, slog.Default())
}

func TestRotate_GeneratesOneKeyPerAlgorithm(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Rotate(ctx))

	for _, alg := range storage.SupportedAlgs {
		kp, err := s.Latest(ctx, alg)
		require.NoError(t, err)
		assert.Equal(t, alg, kp.Alg)
		assert.Len(t, kp.Kid, 24)
	}
}

func TestRotate_Twice_KeepsOldKeysVerifiable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Rotate(ctx))

	first, err := s.Latest(ctx, storage.AlgRS256)
	require.NoError(t, err)

	require.NoError(t, s.Rotate(ctx))
	second, err := s.Latest(ctx, storage.AlgRS256)
	require.NoError(t, err)
	assert.NotEqual(t, first.Kid, second.Kid)

	// the old key must still resolve by kid, per spec: old keys stay
	// verifiable until the tokens they signed expire.
	old, err := s.ByKid(ctx, first.Kid)
	require.NoError(t, err)
	assert.Equal(t, first.Kid, old.Kid)
}

func TestJWKS_ContainsEveryAlgorithm(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Rotate(ctx))

	set, err := s.JWKS(ctx)
	require.NoError(t, err)
	assert.Len(t, set.Keys, len(storage.SupportedAlgs))
}

func TestLatest_NoKeys_Errors(t *testing.T) {
	s := testStore(t)
	_, err := s.Latest(context.Background(), storage.AlgRS256)
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	s := testStore(t)
	plaintext := []byte("super secret der bytes")

	ct, err := s.encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := s.decrypt(ct, "k1")
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestDecrypt_UnknownEncKey(t *testing.T) {
	s := testStore(t)
	_, err := s.decrypt([]byte("whatever"), "missing-key")
	assert.Error(t, err)
}
