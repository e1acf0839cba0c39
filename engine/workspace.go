package engine

import (
	"time"

	"leadflow/models"
)

// Workspace is a named display grouping of canonical states. A state may
// belong to more than one workspace; a lead counted in two workspaces is
// intentional.
type Workspace string

const (
	WorkspaceInitialMessage Workspace = "initial_message"
	WorkspaceRetarget       Workspace = "retarget"
	WorkspaceNudgeEngine    Workspace = "nudge_engine"
	WorkspaceEngage         Workspace = "engage"
	WorkspaceContent        Workspace = "content"
	WorkspaceCalendar       Workspace = "calendar"
	WorkspaceCallQueue      Workspace = "call_queue"
	WorkspaceClosed         Workspace = "closed"
)

// NudgeEscalationDays is the day count in retargeting after which a lead is
// treated as nudge-escalated: day 14 of the funnel, 7 days in touched plus
// 7 in retargeting. Same canonical state, different workspace view and
// messaging intensity; derived at read time, never stored. The sweep and
// the workspace counters both derive the tier from this constant so they
// can never disagree.
const NudgeEscalationDays = 7

// NudgeEscalated reports whether a retargeting lead has crossed the 14-day
// tier.
func NudgeEscalated(state models.LeadState, daysInState int) bool {
	return state == models.StateRetargeting && daysInState >= NudgeEscalationDays
}

// WorkspacesFor maps a canonical state (plus days already spent in it) to
// the workspaces that display it. Pure lookup, no side effects.
func WorkspacesFor(state models.LeadState, daysInState int) []Workspace {
	switch state {
	case models.StateNew, models.StateTouched:
		return []Workspace{WorkspaceInitialMessage}
	case models.StateRetargeting:
		if NudgeEscalated(state, daysInState) {
			return []Workspace{WorkspaceRetarget, WorkspaceNudgeEngine}
		}
		return []Workspace{WorkspaceRetarget}
	case models.StateResponded, models.StateSoftInterest:
		return []Workspace{WorkspaceEngage}
	case models.StateContentNurture:
		return []Workspace{WorkspaceContent}
	case models.StateHighIntent:
		return []Workspace{WorkspaceEngage, WorkspaceCalendar}
	case models.StateAppointmentBooked:
		return []Workspace{WorkspaceCalendar}
	case models.StateInCallQueue:
		return []Workspace{WorkspaceCallQueue}
	case models.StateClosed:
		return []Workspace{WorkspaceClosed}
	case models.StateSuppressed:
		return nil
	}
	return nil
}

// WorkspaceCounts aggregates lead counts per workspace from state
// snapshots. Because the mapping is many-to-many, the total across all
// workspaces may exceed the lead count.
func WorkspaceCounts(snapshots []StateSnapshot, now time.Time) map[Workspace]int64 {
	counts := make(map[Workspace]int64)
	for _, snap := range snapshots {
		days := 0
		if !snap.EnteredStateAt.IsZero() && now.After(snap.EnteredStateAt) {
			days = int(now.Sub(snap.EnteredStateAt).Hours() / 24)
		}
		for _, ws := range WorkspacesFor(snap.State, days) {
			counts[ws]++
		}
	}
	return counts
}
