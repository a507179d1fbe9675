// Package access provides per-module role lookup over the role map
// carried in a caller's credentials. It is a stateless supporting leaf:
// modules consult it when deciding whether to act on a received event.
// It only reads claims from an already-verified token — it performs no
// authentication and is never authoritative on its own.
package access

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimModules is the JWT claim carrying the per-module role map:
//
//	{
//	  "sub": "u-172",
//	  "modules": {
//	    "hr": ["viewer"],
//	    "it": ["editor", "admin"]
//	  }
//	}
const ClaimModules = "modules"

// Role names shared across platform modules.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// Descriptor maps a module name to the roles the caller holds in it.
// The zero value (nil) is a valid descriptor granting nothing.
type Descriptor map[string][]string

// FromClaims extracts the role map from JWT claims. Malformed or
// missing claims yield an empty descriptor, not an error: a lookup leaf
// has no business rejecting tokens the verifier already accepted.
func FromClaims(claims jwt.MapClaims) Descriptor {
	raw, ok := claims[ClaimModules].(map[string]any)
	if !ok {
		return nil
	}

	desc := make(Descriptor, len(raw))
	for module, v := range raw {
		roles, ok := v.([]any)
		if !ok {
			continue
		}
		for _, role := range roles {
			if s, ok := role.(string); ok {
				desc[module] = append(desc[module], s)
			}
		}
	}
	return desc
}

// FromToken extracts the role map from a parsed token. Tokens whose
// claims are not MapClaims yield an empty descriptor.
func FromToken(token *jwt.Token) Descriptor {
	if token == nil {
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	return FromClaims(claims)
}

// Roles returns the caller's roles in the given module. The returned
// slice is shared; callers must not mutate it.
func (d Descriptor) Roles(module string) []string {
	return d[module]
}

// HasRole reports whether the caller holds the exact role in the
// module.
func (d Descriptor) HasRole(module, role string) bool {
	return slices.Contains(d[module], role)
}

// CanView reports whether the caller holds any role in the module.
func (d Descriptor) CanView(module string) bool {
	return len(d[module]) > 0
}

// CanEdit reports whether the caller holds the editor or admin role in
// the module.
func (d Descriptor) CanEdit(module string) bool {
	return d.HasRole(module, RoleEditor) || d.HasRole(module, RoleAdmin)
}

// CanAdminister reports whether the caller holds the admin role in the
// module.
func (d Descriptor) CanAdminister(module string) bool {
	return d.HasRole(module, RoleAdmin)
}
