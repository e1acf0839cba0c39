package engine

import (
	"errors"
	"fmt"
	"strings"

	"leadflow/models"
)

var (
	// ErrStepInFlight means the current step already has a pending
	// execution; duplicate sweeps treat it as a no-op.
	ErrStepInFlight = errors.New("sequence step already in flight")

	// ErrLeadSuppressed is returned when work is requested for a lead in a
	// terminal state.
	ErrLeadSuppressed = errors.New("lead is suppressed")

	// ErrNoCampaign means a lead has an active sequence but no owning
	// campaign. This is an invariant violation; the lead is excluded from
	// further sweeps instead of being silently dropped.
	ErrNoCampaign = errors.New("lead has no owning campaign")

	// ErrNotEligible is returned by enrollment when the lead's score falls
	// outside the campaign's bounds or the campaign is not active.
	ErrNotEligible = errors.New("lead not eligible for campaign")
)

// InvalidTransitionError reports a transition the state table forbids.
type InvalidTransitionError struct {
	From, To models.LeadState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// SendError is returned by the delivery gateway. Permanent failures (invalid
// number, hard bounce) are never retried; transient ones back off.
type SendError struct {
	Permanent bool
	Reason    string
}

func (e *SendError) Error() string {
	if e.Permanent {
		return "permanent send failure: " + e.Reason
	}
	return "transient send failure: " + e.Reason
}

// IsPermanentSendError reports whether err is a non-retryable send failure.
func IsPermanentSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// permanentReason classifies a provider failure reason string. Providers
// report hard failures with stable keywords; anything unrecognized is
// treated as transient so it gets retried rather than suppressing a lead
// on a fluke.
func permanentReason(reason string) bool {
	switch {
	case strings.Contains(reason, "invalid"),
		strings.Contains(reason, "unreachable"),
		strings.Contains(reason, "blacklist"),
		strings.Contains(reason, "blocked"),
		strings.Contains(reason, "bounce"):
		return true
	}
	return false
}
