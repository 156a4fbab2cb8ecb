package authsm

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// MFACookie is the signed device cookie rauthy calls COOKIE_MFA: it binds
// an email to a webauthn-capable device so a later login may omit the
// password, per spec §4.3 step 1. It does not skip the webauthn ceremony,
// which still runs for any user with webauthn enabled. The value is
// "<email>.<hmac>", an HMAC-SHA256 signed with the key the caller passes
// in (the process's MFA_COOKIE_KEY setting).
type MFACookie struct {
	Email string
}

// SignMFACookie produces the cookie value for email.
func SignMFACookie(email string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(email))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return email + "." + sig
}

// ParseMFACookie validates raw against key and returns the bound email.
// Returns ok=false on any malformed or mis-signed cookie rather than an
// error, since an absent/invalid cookie is simply "no MFA cookie" per
// spec §4.3, not a request failure.
func ParseMFACookie(raw string, key []byte) (MFACookie, bool) {
	idx := strings.LastIndex(raw, ".")
	if idx <= 0 {
		return MFACookie{}, false
	}
	email, sig := raw[:idx], raw[idx+1:]
	want := SignMFACookie(email, key)
	wantSig := want[strings.LastIndex(want, ".")+1:]
	if subtle.ConstantTimeCompare([]byte(sig), []byte(wantSig)) != 1 {
		return MFACookie{}, false
	}
	return MFACookie{Email: email}, true
}
