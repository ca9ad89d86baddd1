// Package capacity decides whether a provider may claim another request.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

const (
	ReasonHasAssigned = "has_assigned"
	ReasonMaxActive   = "max_active"
	ReasonTooFar      = "too_far_from_dropoff"
)

// ActiveRequests is the store query the guard runs against: the provider's
// requests currently ASSIGNED or IN_PROGRESS.
type ActiveRequests interface {
	ActiveByProvider(ctx context.Context, providerID string) ([]*models.ServiceRequest, error)
}

// Denial explains a rejected claim. DistanceMeters and ThresholdMeters are
// set only for the proximity rule; ReportedAt carries the age of the
// location the decision trusted.
type Denial struct {
	Reason          string
	DistanceMeters  int
	ThresholdMeters int
	ReportedAt      time.Time
}

func (d *Denial) Error() string {
	if d.Reason == ReasonTooFar {
		return fmt.Sprintf("capacity: %s (%dm > %dm)", d.Reason, d.DistanceMeters, d.ThresholdMeters)
	}
	return "capacity: " + d.Reason
}

type Guard struct {
	Store ActiveRequests
	// FollowOnRadiusMeters bounds how far a provider may be from their
	// in-progress job's dropoff and still queue a follow-on claim.
	FollowOnRadiusMeters float64
}

func NewGuard(store ActiveRequests, followOnRadiusMeters float64) *Guard {
	if followOnRadiusMeters <= 0 {
		followOnRadiusMeters = 3000
	}
	return &Guard{Store: store, FollowOnRadiusMeters: followOnRadiusMeters}
}

// Check permits or denies a new claim given the provider's held requests and
// last reported position. The position is whatever was most recently
// reported; a stale fix simply causes a rejection the caller can retry after
// refreshing it.
func (g *Guard) Check(ctx context.Context, providerID string, loc models.Coord, reportedAt time.Time) error {
	active, err := g.Store.ActiveByProvider(ctx, providerID)
	if err != nil {
		return err
	}

	var inProgress *models.ServiceRequest
	for _, r := range active {
		if r.Status == models.StatusAssigned {
			// Only one pending-start request at a time.
			return &Denial{Reason: ReasonHasAssigned, ReportedAt: reportedAt}
		}
		if r.Status == models.StatusInProgress {
			inProgress = r
		}
	}
	if len(active) >= 2 {
		return &Denial{Reason: ReasonMaxActive, ReportedAt: reportedAt}
	}
	if inProgress == nil {
		return nil
	}

	// One job in progress: allow chaining only when the provider is nearly
	// done with it, measured against the dropoff (pickup for jobs without
	// one, e.g. mechanic callouts).
	target := inProgress.Pickup
	if inProgress.Dropoff != nil {
		target = *inProgress.Dropoff
	}
	dist := geo.Haversine(loc.Lat, loc.Lon, target.Lat, target.Lon)
	if dist > g.FollowOnRadiusMeters {
		return &Denial{
			Reason:          ReasonTooFar,
			DistanceMeters:  geo.WholeMeters(dist),
			ThresholdMeters: int(g.FollowOnRadiusMeters),
			ReportedAt:      reportedAt,
		}
	}
	return nil
}
