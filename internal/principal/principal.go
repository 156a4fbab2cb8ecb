// Package principal implements the principal-composition merge function of
// design note 9.2: a request's authenticated identity is derived from two
// independent facts, a session cookie and a bearer access token, combined
// by one explicit merge rather than a chain of mutations. Grounded on
// dexidp/dex's connector.Identity as the shape of "the facts one auth
// mechanism contributes", generalized here to a merge of two such sources.
package principal

import (
	"github.com/gepbird/rauthy/internal/storage"
	"github.com/gepbird/rauthy/internal/tokens"
)

// Source is one of the two facts a request may carry.
type Source struct {
	UserID string
	Roles  []string
	Groups []string
}

// FromSession builds a Source from an authenticated session, per spec §3's
// Session.user_id/roles/groups.
func FromSession(s storage.Session) Source {
	return Source{UserID: s.UserID, Roles: s.Roles, Groups: s.Groups}
}

// FromAccessToken builds a Source from a validated access token's claims.
func FromAccessToken(c tokens.AccessClaims) Source {
	return Source{UserID: c.UID, Roles: c.Roles, Groups: c.Groups}
}

// Principal is the merged identity of a request.
type Principal struct {
	UserID string
	Roles  []string
	Groups []string

	HasSession bool
	HasToken   bool
}

// Merge combines session and token into one Principal per design note 9.2:
// if both are present and disagree on user id, the session wins and the
// token's claims are not added; roles (and groups, by the same rule) are
// unioned only when both identify the same subject. Either argument may be
// nil when that fact was not presented on the request.
func Merge(session *Source, token *Source) Principal {
	switch {
	case session == nil && token == nil:
		return Principal{}
	case session == nil:
		return Principal{UserID: token.UserID, Roles: token.Roles, Groups: token.Groups, HasToken: true}
	case token == nil:
		return Principal{UserID: session.UserID, Roles: session.Roles, Groups: session.Groups, HasSession: true}
	}

	if session.UserID != token.UserID {
		return Principal{UserID: session.UserID, Roles: session.Roles, Groups: session.Groups, HasSession: true}
	}

	return Principal{
		UserID:     session.UserID,
		Roles:      union(session.Roles, token.Roles),
		Groups:     union(session.Groups, token.Groups),
		HasSession: true,
		HasToken:   true,
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// HasRole reports whether p carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
