// Package keystore implements the Key Store of spec §4.9: generation,
// encryption at rest, and rotation of the four signing key pairs
// (RS256/2048, RS384/3072, RS512/4096, EdDSA), plus JWKS export. Old keys
// are retained indefinitely so tokens they signed keep verifying until
// their own exp, per spec.
//
// Key material is encrypted under one of several named symmetric
// encryption keys (ENC_KEYS / ENC_KEY_ACTIVE), the way
// rauthy's rotate_jwks encrypts the DER-encoded key pair before
// persisting it; dexidp/dex's server/rotation.go is the structural model
// for the rotation loop and "retain old verification keys" invariant.
package keystore

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/gepbird/rauthy/internal/cache"
	"github.com/gepbird/rauthy/internal/metrics"
	"github.com/gepbird/rauthy/internal/storage"
)

const (
	cacheName      = "jwk_latest"
	cacheKeyJWKS   = "jwks"
	cacheLatestTTL = 12 * time.Hour
)

// rsaBits maps each RSA algorithm to its generated key size, per spec §4.9.
var rsaBits = map[storage.SigAlg]int{
	storage.AlgRS256: 2048,
	storage.AlgRS384: 3072,
	storage.AlgRS512: 4096,
}

// KeyPair is a decrypted signing key pair usable by internal/tokens.
type KeyPair struct {
	Kid string
	Alg storage.SigAlg
	RSA *rsa.PrivateKey
	Ed  ed25519.PrivateKey
}

// SignatureAlgorithm maps Alg onto the go-jose algorithm identifier.
func (k KeyPair) SignatureAlgorithm() jose.SignatureAlgorithm {
	switch k.Alg {
	case storage.AlgRS256:
		return jose.RS256
	case storage.AlgRS384:
		return jose.RS384
	case storage.AlgRS512:
		return jose.RS512
	case storage.AlgEdDSA:
		return jose.EdDSA
	}
	return ""
}

// Signer returns the crypto.Signer half of the key pair, as required by
// go-jose's NewSigner.
func (k KeyPair) Signer() crypto.Signer {
	if k.Alg == storage.AlgEdDSA {
		return k.Ed
	}
	return k.RSA
}

// Public returns the public JWK (no private material), for JWKS export.
func (k KeyPair) Public() jose.JSONWebKey {
	var pub crypto.PublicKey
	if k.Alg == storage.AlgEdDSA {
		pub = k.Ed.Public()
	} else {
		pub = k.RSA.Public()
	}
	return jose.JSONWebKey{
		Key:       pub,
		KeyID:     k.Kid,
		Algorithm: string(k.Alg),
		Use:       "sig",
	}
}

// EncKeys names the symmetric keys config supplies (ENC_KEYS/ENC_KEY_ACTIVE).
type EncKeys struct {
	Keys   map[string][]byte // name -> 32-byte key
	Active string
}

// Store is the Key Store itself.
type Store struct {
	db      storage.Store
	cache   cache.Cache
	enc     EncKeys
	logger  *slog.Logger
	idAlpha *base32.Encoding

	mu      sync.Mutex
	decoded map[string]KeyPair // kid -> decrypted key pair, memoized
}

func New(db storage.Store, c cache.Cache, enc EncKeys, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		cache:   c,
		enc:     enc,
		logger:  logger,
		idAlpha: base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding),
		decoded: make(map[string]KeyPair),
	}
}

func randKid(enc *base32.Encoding) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return strings.ToLower(enc.EncodeToString(b))[:24]
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	key, ok := s.enc.Keys[s.enc.Active]
	if !ok {
		return nil, fmt.Errorf("active encryption key %q not configured", s.enc.Active)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte, encKeyID string) ([]byte, error) {
	key, ok := s.enc.Keys[encKeyID]
	if !ok {
		return nil, fmt.Errorf("encryption key %q not configured", encKeyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// Rotate generates a fresh key pair for every supported algorithm, encrypts
// and persists them, and invalidates the four latest-by-algorithm cache
// entries plus the combined JWKS entry, per spec §4.9.
func (s *Store) Rotate(ctx context.Context) error {
	var fresh []storage.JWK
	for _, alg := range storage.SupportedAlgs {
		der, err := generateDER(alg)
		if err != nil {
			return fmt.Errorf("generate %s key: %w", alg, err)
		}
		kid := randKid(s.idAlpha)
		ct, err := s.encrypt(der)
		if err != nil {
			return fmt.Errorf("encrypt %s key: %w", alg, err)
		}
		fresh = append(fresh, storage.JWK{
			Kid:        kid,
			Alg:        alg,
			CreatedAt:  time.Now(),
			Ciphertext: ct,
			EncKeyID:   s.enc.Active,
		})
	}
	if err := s.db.PutKeys(ctx, fresh); err != nil {
		return fmt.Errorf("persist keys: %w", err)
	}
	for _, alg := range storage.SupportedAlgs {
		_ = s.cache.Delete(ctx, cacheName, string(alg))
	}
	_ = s.cache.Delete(ctx, cacheName, cacheKeyJWKS)
	for _, alg := range storage.SupportedAlgs {
		metrics.KeyRotations.WithLabelValues(string(alg)).Inc()
	}
	s.logger.InfoContext(ctx, "rotated signing keys", "algorithms", len(fresh))
	return nil
}

func generateDER(alg storage.SigAlg) ([]byte, error) {
	if alg == storage.AlgEdDSA {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	}
	bits, ok := rsaBits[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm %s", alg)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKCS1PrivateKey(key), nil
}

// Latest returns the most recently created key pair for alg, the one that
// signs new tokens. Results are cached per spec §5's "JWK-latest indices".
func (s *Store) Latest(ctx context.Context, alg storage.SigAlg) (KeyPair, error) {
	var kid string
	hit, err := s.cache.Get(ctx, cacheName, string(alg), &kid)
	if err != nil {
		return KeyPair{}, err
	}
	if hit {
		return s.byKid(ctx, kid)
	}

	keys, err := s.db.GetKeys(ctx)
	if err != nil {
		return KeyPair{}, err
	}
	var latest *storage.JWK
	for i := range keys {
		k := &keys[i]
		if k.Alg != alg {
			continue
		}
		if latest == nil || k.CreatedAt.After(latest.CreatedAt) {
			latest = k
		}
	}
	if latest == nil {
		return KeyPair{}, fmt.Errorf("no key material for algorithm %s: rotate the key store first", alg)
	}
	_ = s.cache.Set(ctx, cacheName, string(alg), latest.Kid, cacheLatestTTL)
	return s.decodeJWK(*latest)
}

// ByKid fetches and decrypts the key pair for kid, used by token validation
// (spec §4.8: "extract kid from the JWS header; fetch the key pair").
func (s *Store) ByKid(ctx context.Context, kid string) (KeyPair, error) {
	return s.byKid(ctx, kid)
}

func (s *Store) byKid(ctx context.Context, kid string) (KeyPair, error) {
	s.mu.Lock()
	if kp, ok := s.decoded[kid]; ok {
		s.mu.Unlock()
		return kp, nil
	}
	s.mu.Unlock()

	keys, err := s.db.GetKeys(ctx)
	if err != nil {
		return KeyPair{}, err
	}
	for _, k := range keys {
		if k.Kid == kid {
			return s.decodeJWK(k)
		}
	}
	return KeyPair{}, fmt.Errorf("unknown key id %q", kid)
}

func (s *Store) decodeJWK(j storage.JWK) (KeyPair, error) {
	der, err := s.decrypt(j.Ciphertext, j.EncKeyID)
	if err != nil {
		return KeyPair{}, fmt.Errorf("decrypt key %s: %w", j.Kid, err)
	}
	kp := KeyPair{Kid: j.Kid, Alg: j.Alg}
	if j.Alg == storage.AlgEdDSA {
		priv, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return KeyPair{}, fmt.Errorf("parse ed25519 key: %w", err)
		}
		edKey, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return KeyPair{}, errors.New("decoded key is not ed25519")
		}
		kp.Ed = edKey
	} else {
		rsaKey, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return KeyPair{}, fmt.Errorf("parse rsa key: %w", err)
		}
		kp.RSA = rsaKey
	}
	s.mu.Lock()
	s.decoded[j.Kid] = kp
	s.mu.Unlock()
	return kp, nil
}

// JWKS returns the public JWK Set: the union of every live key entry,
// cached as a single combined entity per spec §6.
func (s *Store) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	var cached jose.JSONWebKeySet
	hit, err := s.cache.Get(ctx, cacheName, cacheKeyJWKS, &cached)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if hit {
		return cached, nil
	}

	keys, err := s.db.GetKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set := jose.JSONWebKeySet{}
	for _, j := range keys {
		kp, err := s.decodeJWK(j)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		set.Keys = append(set.Keys, kp.Public())
	}
	_ = s.cache.Set(ctx, cacheName, cacheKeyJWKS, set, cacheLatestTTL)
	return set, nil
}

// RotateEvery runs Rotate immediately and then on the given interval until
// ctx is canceled, mirroring dexidp/dex's startKeyRotation background loop.
func (s *Store) RotateEvery(ctx context.Context, interval time.Duration) {
	if err := s.Rotate(ctx); err != nil {
		s.logger.ErrorContext(ctx, "initial key rotation failed", "err", err)
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.Rotate(ctx); err != nil {
					s.logger.ErrorContext(ctx, "key rotation failed", "err", err)
				}
			}
		}
	}()
}
