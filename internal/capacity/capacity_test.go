package capacity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

type fakeActive struct{ requests []*models.ServiceRequest }

func (f *fakeActive) ActiveByProvider(ctx context.Context, providerID string) ([]*models.ServiceRequest, error) {
	return f.requests, nil
}

func inProgressAt(dropoff models.Coord) *models.ServiceRequest {
	d := dropoff
	return &models.ServiceRequest{
		ID:      "active-1",
		Status:  models.StatusInProgress,
		Pickup:  models.Coord{Lat: -26.20, Lon: 28.04},
		Dropoff: &d,
	}
}

func TestCheckNoActiveRequests(t *testing.T) {
	g := NewGuard(&fakeActive{}, 3000)
	if err := g.Check(context.Background(), "p1", models.Coord{Lat: -26.2, Lon: 28.0}, time.Now()); err != nil {
		t.Fatalf("expected permit, got %v", err)
	}
}

func TestCheckHasAssigned(t *testing.T) {
	g := NewGuard(&fakeActive{requests: []*models.ServiceRequest{
		{ID: "a", Status: models.StatusAssigned},
	}}, 3000)
	err := g.Check(context.Background(), "p1", models.Coord{}, time.Now())
	var denial *Denial
	if !errors.As(err, &denial) || denial.Reason != ReasonHasAssigned {
		t.Fatalf("expected has_assigned denial, got %v", err)
	}
}

func TestCheckMaxActive(t *testing.T) {
	g := NewGuard(&fakeActive{requests: []*models.ServiceRequest{
		inProgressAt(models.Coord{Lat: -26.2041, Lon: 28.0473}),
		inProgressAt(models.Coord{Lat: -26.2041, Lon: 28.0473}),
	}}, 3000)
	err := g.Check(context.Background(), "p1", models.Coord{Lat: -26.2041, Lon: 28.0473}, time.Now())
	var denial *Denial
	if !errors.As(err, &denial) || denial.Reason != ReasonMaxActive {
		t.Fatalf("expected max_active denial, got %v", err)
	}
}

func TestCheckFollowOnNearDropoff(t *testing.T) {
	dropoff := models.Coord{Lat: -26.2041, Lon: 28.0473}
	g := NewGuard(&fakeActive{requests: []*models.ServiceRequest{inProgressAt(dropoff)}}, 3000)
	// ~1.1km from dropoff
	loc := models.Coord{Lat: -26.1941, Lon: 28.0473}
	if err := g.Check(context.Background(), "p1", loc, time.Now()); err != nil {
		t.Fatalf("expected follow-on permit near dropoff, got %v", err)
	}
}

func TestCheckFollowOnTooFar(t *testing.T) {
	dropoff := models.Coord{Lat: -26.2041, Lon: 28.0473}
	reportedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g := NewGuard(&fakeActive{requests: []*models.ServiceRequest{inProgressAt(dropoff)}}, 3000)
	// ~5.6km from dropoff
	loc := models.Coord{Lat: -26.2541, Lon: 28.0473}
	err := g.Check(context.Background(), "p1", loc, reportedAt)
	var denial *Denial
	if !errors.As(err, &denial) {
		t.Fatalf("expected denial, got %v", err)
	}
	if denial.Reason != ReasonTooFar {
		t.Fatalf("expected too_far_from_dropoff, got %s", denial.Reason)
	}
	if denial.DistanceMeters <= 3000 {
		t.Fatalf("expected measured distance above threshold, got %d", denial.DistanceMeters)
	}
	if denial.ThresholdMeters != 3000 {
		t.Fatalf("expected threshold 3000, got %d", denial.ThresholdMeters)
	}
	if !denial.ReportedAt.Equal(reportedAt) {
		t.Fatalf("expected reported-at passthrough, got %v", denial.ReportedAt)
	}
}

func TestCheckFollowOnUsesPickupWithoutDropoff(t *testing.T) {
	g := NewGuard(&fakeActive{requests: []*models.ServiceRequest{
		{ID: "mech", Status: models.StatusInProgress, Pickup: models.Coord{Lat: -26.2041, Lon: 28.0473}},
	}}, 3000)
	// right at the pickup of the mechanic job
	if err := g.Check(context.Background(), "p1", models.Coord{Lat: -26.2041, Lon: 28.0473}, time.Now()); err != nil {
		t.Fatalf("expected permit at pickup, got %v", err)
	}
}
