package clientreg

import "github.com/gepbird/rauthy/internal/storage"

// ScopeDef describes one registerable scope: which custom user attributes
// it exposes on access and ID tokens (spec §4.6's "attr_include_access" /
// "attr_include_id"). Modeled on dexidp/dex's scope.Scopes helper type,
// extended with the attribute-gating the spec requires that dex's social
// login scopes never needed.
type ScopeDef struct {
	Name               string
	AttrIncludeAccess []string
	AttrIncludeID      []string
}

// ScopeCatalog is the set of scopes known to the IdP, independent of any
// one client (clients merely restrict which of these they allow via
// DefaultScopes/their own allow-list, administered out of scope per §1).
type ScopeCatalog struct {
	defs map[string]ScopeDef
	all  []string
}

func NewScopeCatalog(defs []ScopeDef) *ScopeCatalog {
	c := &ScopeCatalog{defs: make(map[string]ScopeDef, len(defs))}
	for _, d := range defs {
		c.defs[d.Name] = d
		c.all = append(c.all, d.Name)
	}
	return c
}

// AllowedFor returns the scopes a client may request. Absent a
// per-client allow-list in the data model (spec §3 only lists
// default_scopes), every registered scope is allowed and default_scopes is
// purely the fallback used when sanitization yields an empty set.
func (c *ScopeCatalog) AllowedFor(_ storage.Client) []string {
	return c.all
}

func (c *ScopeCatalog) AccessAttributes(scope string) []string {
	return c.defs[scope].AttrIncludeAccess
}

func (c *ScopeCatalog) IDAttributes(scope string) []string {
	return c.defs[scope].AttrIncludeID
}
