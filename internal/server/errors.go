package server

import (
	"encoding/json"
	"net/http"

	"github.com/gepbird/rauthy/internal/idperr"
)

// oauthError is the OAuth2/OIDC error envelope of RFC 6749 §5.2, the
// response shape for both the authorize and token endpoints.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func statusFor(kind idperr.Kind) int {
	switch kind {
	case idperr.BadRequest:
		return http.StatusBadRequest
	case idperr.Unauthorized:
		return http.StatusUnauthorized
	case idperr.SessionExpired:
		return http.StatusUnauthorized
	case idperr.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func oauthCodeFor(kind idperr.Kind) string {
	switch kind {
	case idperr.BadRequest:
		return "invalid_request"
	case idperr.Unauthorized, idperr.SessionExpired:
		return "invalid_grant"
	case idperr.NotFound:
		return "invalid_client"
	default:
		return "server_error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := idperr.KindOf(err)
	msg := idperr.Message(err)
	s.logger.ErrorContext(r.Context(), "request failed", "err", err, "kind", kind)
	writeJSON(w, statusFor(kind), oauthError{Error: oauthCodeFor(kind), ErrorDescription: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
