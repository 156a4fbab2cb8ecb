// Package config loads the identity provider's environment configuration,
// per spec §6: named AES-GCM encryption keys, the accepted issuer, the
// refresh grace window, the webauthn request expiry, and Argon2id target
// parameters. Grounded on dexidp/dex's cmd/dex/config.go for the
// "parse once at startup, exit non-zero on failure" shape, adapted here
// from YAML-plus-flags to plain os.Getenv since the teacher has no
// third-party config-loading dependency for this layer.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gepbird/rauthy/internal/keystore"
	"github.com/gepbird/rauthy/internal/useridp"
)

// Config is the fully parsed process configuration.
type Config struct {
	Issuer           string
	EncKeys          keystore.EncKeys
	RefreshGraceTime time.Duration
	WebauthnReqExp   time.Duration
	Argon2           useridp.Params
	MFACookieKey     []byte

	ListenAddr  string
	DatabaseDSN string
	RedisAddr   string
	LogLevel    string
}

// Load reads and validates configuration from the process environment.
// A returned error should cause the caller to exit non-zero, per spec §6.
func Load() (Config, error) {
	var cfg Config
	var err error

	cfg.Issuer = os.Getenv("ISSUER")
	if cfg.Issuer == "" {
		return Config{}, fmt.Errorf("ISSUER is required")
	}

	cfg.EncKeys, err = parseEncKeys(os.Getenv("ENC_KEYS"), os.Getenv("ENC_KEY_ACTIVE"))
	if err != nil {
		return Config{}, err
	}

	cfg.RefreshGraceTime, err = parseSeconds("REFRESH_GRACE_TIME", "300")
	if err != nil {
		return Config{}, err
	}
	cfg.WebauthnReqExp, err = parseSeconds("WEBAUTHN_REQ_EXP", "60")
	if err != nil {
		return Config{}, err
	}

	cfg.Argon2, err = parseArgon2(os.Getenv("ARGON2_MEMORY_KB"), os.Getenv("ARGON2_ITERATIONS"), os.Getenv("ARGON2_PARALLELISM"))
	if err != nil {
		return Config{}, err
	}

	mfaKey := os.Getenv("MFA_COOKIE_KEY")
	if mfaKey == "" {
		return Config{}, fmt.Errorf("MFA_COOKIE_KEY is required")
	}
	cfg.MFACookieKey, err = base64.StdEncoding.DecodeString(mfaKey)
	if err != nil {
		return Config{}, fmt.Errorf("MFA_COOKIE_KEY: %w", err)
	}

	cfg.ListenAddr = envDefault("LISTEN_ADDR", ":8080")
	cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.LogLevel = envDefault("LOG_LEVEL", "info")

	return cfg, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseEncKeys parses ENC_KEYS as "name:base64key,name2:base64key2" and
// requires active to name one of them, per spec §6.
func parseEncKeys(raw, active string) (keystore.EncKeys, error) {
	if raw == "" {
		return keystore.EncKeys{}, fmt.Errorf("ENC_KEYS is required")
	}
	if active == "" {
		return keystore.EncKeys{}, fmt.Errorf("ENC_KEY_ACTIVE is required")
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, b64, ok := strings.Cut(entry, ":")
		if !ok {
			return keystore.EncKeys{}, fmt.Errorf("ENC_KEYS entry %q is not in name:key form", entry)
		}
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return keystore.EncKeys{}, fmt.Errorf("ENC_KEYS entry %q: %w", name, err)
		}
		if len(key) != 32 {
			return keystore.EncKeys{}, fmt.Errorf("ENC_KEYS entry %q must decode to 32 bytes, got %d", name, len(key))
		}
		keys[name] = key
	}
	if _, ok := keys[active]; !ok {
		return keystore.EncKeys{}, fmt.Errorf("ENC_KEY_ACTIVE %q is not among ENC_KEYS", active)
	}
	return keystore.EncKeys{Keys: keys, Active: active}, nil
}

func parseSeconds(envName, def string) (time.Duration, error) {
	raw := envDefault(envName, def)
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envName, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func parseArgon2(memKB, iterations, parallelism string) (useridp.Params, error) {
	p := useridp.DefaultParams
	var err error
	if memKB != "" {
		if p.Memory, err = parseUint32(memKB); err != nil {
			return useridp.Params{}, fmt.Errorf("ARGON2_MEMORY_KB: %w", err)
		}
	}
	if iterations != "" {
		if p.Iterations, err = parseUint32(iterations); err != nil {
			return useridp.Params{}, fmt.Errorf("ARGON2_ITERATIONS: %w", err)
		}
	}
	if parallelism != "" {
		v, err := strconv.Atoi(parallelism)
		if err != nil || v <= 0 || v > 255 {
			return useridp.Params{}, fmt.Errorf("ARGON2_PARALLELISM: invalid value %q", parallelism)
		}
		p.Parallelism = uint8(v)
	}
	return p, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
