package grant

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gepbird/rauthy/internal/storage"
)

func TestVerifyPKCE_S256(t *testing.T) {
	verifier := "a-fixed-code-verifier-that-is-long-enough"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.True(t, verifyPKCE(storage.PKCES256, verifier, challenge))
	assert.False(t, verifyPKCE(storage.PKCES256, "wrong-verifier", challenge))
}

func TestVerifyPKCE_Plain(t *testing.T) {
	assert.True(t, verifyPKCE(storage.PKCEPlain, "abc", "abc"))
	assert.False(t, verifyPKCE(storage.PKCEPlain, "abc", "def"))
}

func TestVerifyPKCE_DefaultsToPlain(t *testing.T) {
	assert.True(t, verifyPKCE("", "abc", "abc"))
}
