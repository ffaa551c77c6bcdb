// Package approval decides who must approve a requisition and how long each of them has.
package approval

import "github.com/songzhibin97/procurement-engine/types"

// Roles is the approver ladder in ascending authority. Every chain is a prefix of it.
var Roles = []types.Role{types.RoleManager, types.RoleDirector, types.RoleVP, types.RoleCFO}

// thresholds[i] is the amount above which Roles[i] must approve.
var thresholds = []float64{500, 5000, 25000, 100000}

// Resolve returns the roles that must approve amount, lowest first. Amounts of 500 or
// less need nobody; each threshold crossed adds the next role of the ladder.
func Resolve(amount float64) []types.Role {
	var chain []types.Role
	for i, limit := range thresholds {
		if amount <= limit {
			break
		}
		chain = append(chain, Roles[i])
	}
	return chain
}

// ResolveAtLeast is Resolve with a minimum chain length, used for held actions that
// always need a human even when they carry no amount.
func ResolveAtLeast(amount float64, minTiers int) []types.Role {
	chain := Resolve(amount)
	if minTiers > len(Roles) {
		minTiers = len(Roles)
	}
	if len(chain) < minTiers {
		chain = append([]types.Role(nil), Roles[:minTiers]...)
	}
	return chain
}
