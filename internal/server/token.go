package server

import (
	"net/http"

	"github.com/gepbird/rauthy/internal/grant"
	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/tokens"
)

// tokenResponse is the token endpoint's success body, per spec §6.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func writeTokenSet(w http.ResponseWriter, set tokens.TokenSet) {
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		Scope:        set.Scope,
	})
}

// handleToken dispatches the four grant types of spec §4.5, selecting the
// handler by the standard grant_type form field.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err)
		return
	}

	clientID, clientSecret := clientCredentialsFromRequest(r)

	switch r.FormValue("grant_type") {
	case "authorization_code":
		set, err := s.grants.AuthorizationCode(r.Context(), grant.AuthorizationCodeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         r.FormValue("code"),
			CodeVerifier: r.FormValue("code_verifier"),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeTokenSet(w, set)

	case "client_credentials":
		set, err := s.grants.ClientCredentials(r.Context(), grant.ClientCredentialsRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       splitScopes(r.FormValue("scope")),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeTokenSet(w, set)

	case "password":
		set, err := s.grants.Password(r.Context(), grant.PasswordRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Email:        r.FormValue("username"),
			Password:     r.FormValue("password"),
			Scopes:       splitScopes(r.FormValue("scope")),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeTokenSet(w, set)

	case "refresh_token":
		set, err := s.grants.RefreshToken(r.Context(), grant.RefreshTokenRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: r.FormValue("refresh_token"),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeTokenSet(w, set)

	default:
		s.writeError(w, r, idperr.BadRequestf("unsupported grant_type", nil))
	}
}

// clientCredentialsFromRequest reads client_id/client_secret from HTTP
// Basic auth if present, falling back to form fields, per RFC 6749 §2.3.1.
func clientCredentialsFromRequest(r *http.Request) (id, secret string) {
	if u, p, ok := r.BasicAuth(); ok {
		return u, p
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}
