// Package authz implements the authorization gate (spec.md §4.E). Its two
// predicates are consulted before any mutation in the operation coordinator
// (internal/coordinator) and are intentionally opaque policy decisions — the
// real EZID policy engine is out of scope (spec.md §1) and is treated here
// as a pluggable Policy.
package authz

import "strings"

// Policy decides identifier create/update legality. The default
// implementation (DefaultPolicy) encodes the common-sense rule the
// coordinator's tests exercise: the admin user may do anything; any
// authenticated user may create; the owner, members of the owning group and
// anyone listed as a co-owner may update.
type Policy interface {
	AuthorizeCreate(user, group, qualifiedPrefix string) bool
	AuthorizeUpdate(user, group, identifier, owner, ownerGroup string, coOwners []string, keysBeingSet []string) bool
}

// DefaultPolicy grants create to any authenticated (non-empty, non-
// "anonymous") user, and
// update to the owner, the owning group, or a listed co-owner — plus the
// admin user, who bypasses every check.
type DefaultPolicy struct {
	AdminUsername string
}

// AuthorizeCreate implements Policy.
func (p DefaultPolicy) AuthorizeCreate(user, group, qualifiedPrefix string) bool {
	if user == p.AdminUsername {
		return true
	}
	return user != "" && user != "anonymous"
}

// AuthorizeUpdate implements Policy.
func (p DefaultPolicy) AuthorizeUpdate(user, group, identifier, owner, ownerGroup string, coOwners []string, keysBeingSet []string) bool {
	if user == p.AdminUsername {
		return true
	}
	if user == owner || (group != "" && group == ownerGroup) {
		return true
	}
	for _, co := range coOwners {
		if co == user {
			return true
		}
	}
	return false
}

// IsAdmin reports whether user is the configured admin identity. Exported
// so the coordinator can apply the "unless the caller is the admin"
// reserved-element bypass (spec.md §4.F setMetadata) without duplicating
// the comparison.
func IsAdmin(user, adminUsername string) bool {
	return user != "" && strings.EqualFold(user, adminUsername)
}
