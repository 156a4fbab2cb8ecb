package server

import (
	"net/http"
	"strings"

	"github.com/gepbird/rauthy/internal/clientreg"
	"github.com/gepbird/rauthy/internal/idperr"
	"github.com/gepbird/rauthy/internal/principal"
	"github.com/gepbird/rauthy/internal/storage"
)

// handleJWKS serves the combined public key set, per spec §4.9/§6.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.keys.JWKS(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// handleUserInfo validates the bearer token and echoes its identity claims,
// per the OIDC UserInfo contract the access token's uid/sub carry. When the
// request also carries a live session cookie, the two facts are reconciled
// via design note 9.2's principal composition: the session's roles/groups
// are merged with the token's, the session winning outright if the two
// disagree on which user this is.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	jwt, ok := bearerToken(r)
	if !ok {
		s.writeError(w, r, idperr.Unauthorizedf("missing bearer token", nil))
		return
	}
	claims, err := s.engine.ValidateAccess(r.Context(), jwt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tokenSrc := principal.FromAccessToken(claims)
	var sessionSrc *principal.Source
	if c, err := r.Cookie(sessionCookieName); err == nil {
		if sess, err := s.sessions.Get(r.Context(), c.Value); err == nil && sess.State == storage.SessionAuth {
			src := principal.FromSession(sess)
			sessionSrc = &src
		}
	}
	p := principal.Merge(sessionSrc, &tokenSrc)

	writeJSON(w, http.StatusOK, map[string]any{
		"sub":                claims.Subject,
		"uid":                p.UserID,
		"preferred_username": claims.PreferredUsername,
		"roles":              p.Roles,
		"groups":             p.Groups,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}

// handleLogout implements spec §4.11: without a hint, the caller is
// expected to render its own confirmation page; with a valid id_token_hint
// (and a post_logout_redirect_uri honoring the client's allow-list), it
// clears the session cookie and redirects.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err)
		return
	}
	hint := r.FormValue("id_token_hint")
	if hint == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirm"})
		return
	}

	claims, err := s.engine.ValidateID(r.Context(), hint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	postLogoutURI := r.FormValue("post_logout_redirect_uri")
	if postLogoutURI != "" {
		client, err := s.clients().Lookup(r.Context(), claims.AuthorizingParty)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.clients().ValidatePostLogoutURI(client, postLogoutURI); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1,
	})

	if postLogoutURI != "" {
		http.Redirect(w, r, postLogoutURI, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// clients exposes the client registry the logout handler needs for the
// post-logout URI allow-list check.
func (s *Server) clients() *clientreg.Registry {
	return s.clientRegistry
}

// handleWebauthnCallback is the endpoint the external WebAuthn collaborator
// posts to once a device ceremony completes; it resolves the pending
// LoginReq and redirects to the stored Location, per spec §4.3 step 8.
func (s *Server) handleWebauthnCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err)
		return
	}
	code := r.FormValue("code")
	req, err := s.webauthn.Complete(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.HeaderOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", req.HeaderOrigin)
	}
	w.Header().Set("X-CSRF-Token", req.CSRFHeader)
	http.Redirect(w, r, req.HeaderLoc, http.StatusFound)
}
