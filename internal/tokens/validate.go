package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/gepbird/rauthy/internal/idperr"
)

func marshalClaims(v any) ([]byte, error) {
	return json.Marshal(v)
}

// kidOf extracts the kid from a compact JWS's protected header without
// verifying the signature, per spec §4.7/§4.8 ("extract kid from the JWS
// header; fetch the key pair").
func kidOf(jwt string) (string, error) {
	parsed, err := jose.ParseSigned(jwt, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512, jose.EdDSA,
	})
	if err != nil {
		return "", fmt.Errorf("parse signed token: %w", err)
	}
	if len(parsed.Signatures) == 0 {
		return "", fmt.Errorf("token has no signatures")
	}
	kid := parsed.Signatures[0].Header.KeyID
	if kid == "" {
		return "", fmt.Errorf("token header has no kid")
	}
	return kid, nil
}

// ValidateAccess validates a bearer access token per spec §4.8: token
// validation never consults the refresh store.
func (e *Engine) ValidateAccess(ctx context.Context, jwt string) (AccessClaims, error) {
	var claims AccessClaims
	if err := e.validateInto(ctx, jwt, &claims, TypeBearer); err != nil {
		return AccessClaims{}, err
	}
	return claims, nil
}

// ValidateID validates an ID token, used by the logout endpoint's
// id_token_hint check (spec §4.11).
func (e *Engine) ValidateID(ctx context.Context, jwt string) (IDClaims, error) {
	var claims IDClaims
	if err := e.validateInto(ctx, jwt, &claims, TypeID); err != nil {
		return IDClaims{}, err
	}
	return claims, nil
}

// ValidateRefresh validates a refresh token's signature, issuer, and typ.
// Handle lookup and expiry/misuse logic live in internal/grant, per spec
// §4.7 ("look up the persisted handle" is a separate step from signature
// validation).
func (e *Engine) ValidateRefresh(ctx context.Context, jwt string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := e.validateInto(ctx, jwt, &claims, TypeRefresh); err != nil {
		return RefreshClaims{}, err
	}
	return claims, nil
}

// validateInto verifies jwt's signature with the key identified by its kid,
// checks the issuer, decodes into dst, and checks the typ field (passed as
// wantType; dst must be one of AccessClaims/IDClaims/RefreshClaims, each of
// which has a Type string field populated by json.Unmarshal).
func (e *Engine) validateInto(ctx context.Context, jwt string, dst any, wantType string) error {
	kid, err := kidOf(jwt)
	if err != nil {
		return idperr.Unauthorizedf("invalid token", err)
	}
	kp, err := e.keys.ByKid(ctx, kid)
	if err != nil {
		return idperr.Unauthorizedf("invalid token", err)
	}

	parsed, err := jose.ParseSigned(jwt, []jose.SignatureAlgorithm{kp.SignatureAlgorithm()})
	if err != nil {
		return idperr.Unauthorizedf("invalid token", err)
	}
	payload, err := parsed.Verify(kp.Signer().Public())
	if err != nil {
		return idperr.Unauthorizedf("invalid token signature", err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return idperr.Unauthorizedf("invalid token claims", err)
	}

	var gotType, iss string
	var exp, nbf int64
	switch v := dst.(type) {
	case *AccessClaims:
		gotType, iss, exp, nbf = v.Type, v.Issuer, v.Expiry, v.NotBefore
	case *IDClaims:
		gotType, iss, exp, nbf = v.Type, v.Issuer, v.Expiry, v.NotBefore
	case *RefreshClaims:
		gotType, iss, exp, nbf = v.Type, v.Issuer, v.Expiry, v.NotBefore
	}
	if iss != e.issuer {
		return idperr.Unauthorizedf("invalid token issuer", nil)
	}
	if wantType != "" && gotType != wantType {
		return idperr.Unauthorizedf("unexpected token type", nil)
	}
	now := e.now()
	if now.After(time.Unix(exp, 0)) {
		return idperr.Unauthorizedf("token has expired", nil)
	}
	if now.Before(time.Unix(nbf, 0)) {
		return idperr.Unauthorizedf("token is not yet valid", nil)
	}
	return nil
}
