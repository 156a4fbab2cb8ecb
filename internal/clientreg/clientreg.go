// Package clientreg is the Client Registry of spec §4.1: client lookup and
// the policy checks every grant performs against it (origin, secret, flow,
// redirect URI, scope sanitization). Grounded on dexidp/dex's
// bcrypt-based client secret comparisons and rauthy's
// validate_origin/validate_secret/validate_flow/validate_redirect_uri
// family of methods.
package clientreg

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/storage"
)

// Registry is the Client Registry.
type Registry struct {
	store  storage.Store
	scopes *ScopeCatalog
}

func New(store storage.Store, scopes *ScopeCatalog) *Registry {
	return &Registry{store: store, scopes: scopes}
}

// Scopes exposes the scope catalog so internal/tokens can resolve
// attr_include_access/attr_include_id for minting.
func (r *Registry) Scopes() *ScopeCatalog { return r.scopes }

// Lookup fetches a client by id, returning NotFound per spec §7 when
// unknown.
func (r *Registry) Lookup(ctx context.Context, id string) (storage.Client, error) {
	c, err := r.store.GetClient(ctx, id)
	if err == storage.ErrNotFound {
		return storage.Client{}, idperr.NotFoundf("unknown client", err)
	}
	if err != nil {
		return storage.Client{}, idperr.Internalf("could not load client", err)
	}
	return c, nil
}

// ValidateOrigin returns the allowed CORS header value for origin, or fails
// if it is not on the client's allow-list (spec §4.1).
func (r *Registry) ValidateOrigin(client storage.Client, origin string) (string, error) {
	if origin == "" {
		return "", nil
	}
	for _, allowed := range client.AllowedOrigins {
		if allowed == origin {
			return origin, nil
		}
	}
	return "", idperr.BadRequestf("origin not allowed for this client", nil)
}

// ValidateSecret does a constant-time compare of secret against the
// client's stored bcrypt hash, per spec §4.1.
func (r *Registry) ValidateSecret(client storage.Client, secret string) error {
	if !client.Confidential {
		return idperr.BadRequestf("client is not confidential", nil)
	}
	if len(client.SecretHash) == 0 {
		return idperr.Internalf("confidential client has no secret configured", nil)
	}
	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)); err != nil {
		return idperr.Unauthorizedf("invalid client credentials", err)
	}
	return nil
}

// ValidateFlow fails with BadRequest when grant is not in the client's
// permitted set, per spec §4.1.
func (r *Registry) ValidateFlow(client storage.Client, grant storage.GrantType) error {
	for _, g := range client.GrantTypes {
		if g == grant {
			return nil
		}
	}
	return idperr.BadRequestf("grant type not permitted for this client", nil)
}

// matchAllowList implements the shared exact/wildcard-suffix matching rule
// of spec §4.1/§4.11/§6: accept if any allowed entry equals uri, or ends
// with "*" and uri starts with the prefix before "*".
func matchAllowList(allowed []string, uri string) bool {
	for _, a := range allowed {
		if a == uri {
			return true
		}
		if strings.HasSuffix(a, "*") && strings.HasPrefix(uri, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

// ValidateRedirectURI checks uri against the client's redirect allow-list.
func (r *Registry) ValidateRedirectURI(client storage.Client, uri string) error {
	if !matchAllowList(client.RedirectURIs, uri) {
		return idperr.BadRequestf("redirect_uri not allowed for this client", nil)
	}
	return nil
}

// ValidatePostLogoutURI checks uri against the client's post-logout
// allow-list, per spec §4.11.
func (r *Registry) ValidatePostLogoutURI(client storage.Client, uri string) error {
	if !matchAllowList(client.PostLogoutURIs, uri) {
		return idperr.BadRequestf("post_logout_redirect_uri not allowed for this client", nil)
	}
	return nil
}

// ValidateChallengeMethod fails unless method is one of the client's
// permitted PKCE methods.
func (r *Registry) ValidateChallengeMethod(client storage.Client, method storage.PKCEMethod) error {
	for _, m := range client.PKCEMethods {
		if m == method {
			return nil
		}
	}
	return idperr.BadRequestf("code_challenge_method not permitted for this client", nil)
}

// SanitizeLoginScopes intersects requested with the client's allowed
// scopes, falling back to the client's default scopes when the
// intersection is empty, per spec §4.1.
func (r *Registry) SanitizeLoginScopes(client storage.Client, requested []string) []string {
	allowed := make(map[string]bool, len(client.DefaultScopes))
	for _, s := range r.scopes.AllowedFor(client) {
		allowed[s] = true
	}
	var out []string
	for _, s := range requested {
		if allowed[s] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return client.DefaultScopes
	}
	return out
}
