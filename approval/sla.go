package approval

import (
	"fmt"
	"time"

	"github.com/songzhibin97/procurement-engine/types"
)

// Default durations of the escalation ladder.
const (
	StandardSLA = 48 * time.Hour
	RushSLA     = 8 * time.Hour
	GracePeriod = 4 * time.Hour
)

// Ladder turns urgency into per-tier deadlines. A tier that misses its deadline is
// escalated exactly once and then gets Grace more before it times out.
type Ladder struct {
	SLA   map[types.Urgency]time.Duration
	Grace time.Duration
}

// DefaultLadder returns 48h for standard, 8h for rush and emergency, and a 4h grace.
func DefaultLadder() Ladder {
	return Ladder{
		SLA: map[types.Urgency]time.Duration{
			types.UrgencyStandard:  StandardSLA,
			types.UrgencyRush:      RushSLA,
			types.UrgencyEmergency: RushSLA,
		},
		Grace: GracePeriod,
	}
}

// Validate checks that every urgency has a positive SLA and grace is positive.
func (l Ladder) Validate() error {
	for _, u := range []types.Urgency{types.UrgencyStandard, types.UrgencyRush, types.UrgencyEmergency} {
		if l.SLA[u] <= 0 {
			return fmt.Errorf("%w: no SLA for urgency %q", types.ErrFatalConfiguration, u)
		}
	}
	if l.Grace <= 0 {
		return fmt.Errorf("%w: grace period must be positive", types.ErrFatalConfiguration)
	}
	return nil
}

// SLAFor returns the approval window of urgency. An empty urgency counts as standard.
func (l Ladder) SLAFor(u types.Urgency) time.Duration {
	if u == "" {
		u = types.UrgencyStandard
	}
	return l.SLA[u]
}

// Deadline is the moment a tier that started waiting at waitStart must escalate.
func (l Ladder) Deadline(waitStart time.Time, u types.Urgency) time.Time {
	return waitStart.Add(l.SLAFor(u))
}

// GraceDeadline is the moment an escalated tier times out.
func (l Ladder) GraceDeadline(escalatedAt time.Time) time.Time {
	return escalatedAt.Add(l.Grace)
}
