package approval

import (
	"fmt"

	"github.com/songzhibin97/procurement-engine/types"
)

// Entry is the approver holding a role and the person their approvals escalate to.
type Entry struct {
	ID              string `toml:"id" json:"id"`
	Email           string `toml:"email" json:"email"`
	EscalationID    string `toml:"escalation_id" json:"escalation_id"`
	EscalationEmail string `toml:"escalation_email" json:"escalation_email"`
}

// Directory maps ladder roles to concrete approvers.
type Directory struct {
	entries map[types.Role]Entry
}

// DefaultEntries is the university's standing approver roster.
func DefaultEntries() map[types.Role]Entry {
	return map[types.Role]Entry{
		types.RoleManager: {
			ID: "manager_001", Email: "manager@university.edu",
			EscalationID: "director_001", EscalationEmail: "director@university.edu",
		},
		types.RoleDirector: {
			ID: "director_001", Email: "director@university.edu",
			EscalationID: "vp_001", EscalationEmail: "vp@university.edu",
		},
		types.RoleVP: {
			ID: "vp_001", Email: "vp@university.edu",
			EscalationID: "cfo_001", EscalationEmail: "cfo@university.edu",
		},
		types.RoleCFO: {
			ID: "cfo_001", Email: "cfo@university.edu",
			EscalationID: "president_001", EscalationEmail: "president@university.edu",
		},
	}
}

// NewDirectory validates that every role of the ladder has an approver and an
// escalation target distinct from the approver.
func NewDirectory(entries map[types.Role]Entry) (*Directory, error) {
	d := &Directory{entries: make(map[types.Role]Entry, len(Roles))}
	for _, role := range Roles {
		e, ok := entries[role]
		if !ok || e.ID == "" {
			return nil, fmt.Errorf("%w: no approver for role %s", types.ErrFatalConfiguration, role)
		}
		if e.EscalationID == "" || e.EscalationID == e.ID {
			return nil, fmt.Errorf("%w: role %s needs an escalation target other than %s",
				types.ErrFatalConfiguration, role, e.ID)
		}
		d.entries[role] = e
	}
	return d, nil
}

// DefaultDirectory returns the directory built from DefaultEntries.
func DefaultDirectory() *Directory {
	d, err := NewDirectory(DefaultEntries())
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the entry of role.
func (d *Directory) Lookup(role types.Role) (Entry, bool) {
	e, ok := d.entries[role]
	return e, ok
}

// Chain turns resolved roles into numbered tiers.
func (d *Directory) Chain(roles []types.Role) []types.Tier {
	tiers := make([]types.Tier, 0, len(roles))
	for i, role := range roles {
		e := d.entries[role]
		tiers = append(tiers, types.Tier{
			Level:            i + 1,
			Role:             role,
			ApproverID:       e.ID,
			ApproverEmail:    e.Email,
			EscalationTarget: e.EscalationID,
			EscalationEmail:  e.EscalationEmail,
		})
	}
	return tiers
}
