package server

import (
	"net/http"
	"strings"

	"github.com/gepbird/rauthy/internal/authsm"
)

const sessionCookieName = "rauthy_session"

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err)
		return
	}

	req := authsm.Request{
		Email:               r.FormValue("email"),
		Password:            r.FormValue("password"),
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scopes:              splitScopes(r.FormValue("scopes")),
		Nonce:               r.FormValue("nonce"),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		Origin:              r.Header.Get("Origin"),
	}
	if c, err := r.Cookie("rauthy_mfa"); err == nil {
		req.MFACookie = c.Value
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		req.SessionID = c.Value
	}

	result, err := s.sm.Authorize(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result.AwaitWebauthn != nil {
		aw := result.AwaitWebauthn
		if aw.HeaderOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", aw.HeaderOrigin)
		}
		w.Header().Set("X-CSRF-Token", aw.CSRFHeader)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":           "await_webauthn",
			"webauthn_code":    aw.Code,
			"webauthn_expires": aw.Expiry,
		})
		return
	}

	li := result.LoggedIn
	if li.HeaderOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", li.HeaderOrigin)
	}
	w.Header().Set("X-CSRF-Token", li.CSRFHeader)
	http.Redirect(w, r, li.HeaderLocation, http.StatusFound)
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}
