package server

import "net/http"

// introspectResponse is the token introspection body of spec §6: RFC 7662
// shape, trimmed to the fields the spec names. A token that fails
// validation for any reason (bad signature, wrong issuer, expired, wrong
// typ) is reported as simply inactive, never as an error — introspection
// callers are resource servers checking a bearer token they did not mint.
type introspectResponse struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
}

// handleIntrospect implements spec §6's token introspection endpoint. The
// caller authenticates as a registered client, the same as at /token.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err)
		return
	}

	clientID, clientSecret := clientCredentialsFromRequest(r)
	client, err := s.clients().Lookup(r.Context(), clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if client.Confidential {
		if err := s.clients().ValidateSecret(client, clientSecret); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	claims, err := s.engine.ValidateAccess(r.Context(), r.FormValue("token"))
	if err != nil {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}

	writeJSON(w, http.StatusOK, introspectResponse{
		Active:   true,
		Scope:    claims.Scope,
		ClientID: claims.AuthorizingParty,
		Username: claims.PreferredUsername,
		Exp:      claims.Expiry,
	})
}
