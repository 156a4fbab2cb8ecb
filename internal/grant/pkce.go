package grant

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"github.com/gepbird/rauthy/internal/storage"
)

// verifyPKCE implements spec §6's PKCE verification: equality for "plain",
// base64url(sha256(verifier)) == challenge for "S256".
func verifyPKCE(method storage.PKCEMethod, verifier, challenge string) bool {
	switch method {
	case storage.PKCES256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	default: // "plain" or unset defaults to plain, per spec §4.3
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	}
}
