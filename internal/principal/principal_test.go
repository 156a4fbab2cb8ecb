package principal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge_BothNil(t *testing.T) {
	p := Merge(nil, nil)
	assert.Equal(t, Principal{}, p)
}

func TestMerge_SessionOnly(t *testing.T) {
	s := &Source{UserID: "u1", Roles: []string{"admin"}, Groups: []string{"g1"}}
	p := Merge(s, nil)
	assert.True(t, p.HasSession)
	assert.False(t, p.HasToken)
	assert.Equal(t, "u1", p.UserID)
	assert.True(t, p.HasRole("admin"))
}

func TestMerge_TokenOnly(t *testing.T) {
	tok := &Source{UserID: "u1", Roles: []string{"viewer"}}
	p := Merge(nil, tok)
	assert.True(t, p.HasToken)
	assert.False(t, p.HasSession)
	assert.Equal(t, "u1", p.UserID)
}

func TestMerge_AgreeingSubjects_UnionsRolesAndGroups(t *testing.T) {
	s := &Source{UserID: "u1", Roles: []string{"admin"}, Groups: []string{"g1"}}
	tok := &Source{UserID: "u1", Roles: []string{"viewer", "admin"}, Groups: []string{"g2"}}

	p := Merge(s, tok)
	assert.True(t, p.HasSession)
	assert.True(t, p.HasToken)
	assert.ElementsMatch(t, []string{"admin", "viewer"}, p.Roles)
	assert.ElementsMatch(t, []string{"g1", "g2"}, p.Groups)
}

func TestMerge_DisagreeingSubjects_SessionWins(t *testing.T) {
	s := &Source{UserID: "session-user", Roles: []string{"admin"}}
	tok := &Source{UserID: "token-user", Roles: []string{"root"}}

	p := Merge(s, tok)
	assert.Equal(t, "session-user", p.UserID)
	assert.Equal(t, []string{"admin"}, p.Roles)
	assert.True(t, p.HasSession)
	assert.False(t, p.HasToken)
}

func TestHasRole_NoMatch(t *testing.T) {
	p := Principal{Roles: []string{"viewer"}}
	assert.False(t, p.HasRole("admin"))
}
