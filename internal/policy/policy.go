// Package policy maps a cancellation attempt to a refund decision.
package policy

import (
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

const (
	ReasonWithinGrace       = "within_grace_window"
	ReasonNoShowTimeout     = "no_show_timeout"
	ReasonPostGrace         = "post_grace_no_refund"
	ReasonMissingAssignment = "missing_assignment_time"
	ReasonBroadcastCancel   = "broadcast_cancel_no_refund"
	ReasonInProgress        = "in_progress_no_refund"
)

type Decision struct {
	Refund bool
	Reason string
}

// Policy holds the two time windows the rule table is built from. The grace
// window lets a customer correct a mistake free of penalty; the no-show
// ceiling protects the customer if the assigned provider never appears.
type Policy struct {
	GraceWindow   time.Duration
	NoShowCeiling time.Duration
}

func Default() Policy {
	return Policy{
		GraceWindow:   3 * time.Minute,
		NoShowCeiling: 45 * time.Minute,
	}
}

type rule struct {
	status  models.Status
	applies func(p Policy, assigned bool, elapsed time.Duration) bool
	refund  bool
	reason  string
}

// The table is evaluated in order; the first row whose status and condition
// match wins.
var rules = []rule{
	{models.StatusAssigned, func(p Policy, assigned bool, e time.Duration) bool {
		return assigned && e <= p.GraceWindow
	}, true, ReasonWithinGrace},
	{models.StatusAssigned, func(p Policy, assigned bool, e time.Duration) bool {
		return assigned && e >= p.NoShowCeiling
	}, true, ReasonNoShowTimeout},
	{models.StatusAssigned, func(p Policy, assigned bool, e time.Duration) bool {
		return assigned
	}, false, ReasonPostGrace},
	{models.StatusAssigned, func(p Policy, assigned bool, e time.Duration) bool {
		return !assigned
	}, false, ReasonMissingAssignment},
	{models.StatusBroadcasted, func(Policy, bool, time.Duration) bool { return true }, false, ReasonBroadcastCancel},
	{models.StatusInProgress, func(Policy, bool, time.Duration) bool { return true }, false, ReasonInProgress},
}

// Evaluate is pure: (status, assignment time, now) in, refund decision out.
func (p Policy) Evaluate(status models.Status, assignedAt *time.Time, now time.Time) Decision {
	assigned := assignedAt != nil
	var elapsed time.Duration
	if assigned {
		elapsed = now.Sub(*assignedAt)
	}
	for _, r := range rules {
		if r.status == status && r.applies(p, assigned, elapsed) {
			return Decision{Refund: r.refund, Reason: r.reason}
		}
	}
	return Decision{Refund: false, Reason: ReasonPostGrace}
}
