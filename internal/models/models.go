package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServiceType is the kind of field work a request calls for.
type ServiceType string

const (
	ServiceTow      ServiceType = "tow"
	ServiceMechanic ServiceType = "mechanic"
)

func (s ServiceType) Valid() bool {
	return s == ServiceTow || s == ServiceMechanic
}

// Status is the dispatch lifecycle state of a service request.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusBroadcasted Status = "BROADCASTED"
	StatusAssigned    Status = "ASSIGNED"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether a request in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AllowedTransitions is the request state flow as data. ASSIGNED may move
// back to BROADCASTED when the assigned provider cancels inside their
// cancellation window.
var AllowedTransitions = map[Status][]Status{
	StatusCreated:     {StatusBroadcasted, StatusCancelled},
	StatusBroadcasted: {StatusAssigned, StatusCancelled},
	StatusAssigned:    {StatusInProgress, StatusBroadcasted, StatusCancelled},
	StatusInProgress:  {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, next := range AllowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Provider is a field technician. The record is owned by the provider
// directory and mutated continuously by location pings and online/offline
// toggles; it is never owned by any single request.
type Provider struct {
	ID           string      `json:"id"`
	ServiceType  ServiceType `json:"service_type"`
	Online       bool        `json:"online"`
	Verified     bool        `json:"verified"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Loc          Coord       `json:"loc"`
	ReportedAt   time.Time   `json:"reported_at"`
}

// PricingSnapshot is the external pricing oracle's answer at creation time.
// Immutable once set; amounts are minor currency units.
type PricingSnapshot struct {
	EstimatedTotal int64              `json:"estimated_total"`
	BookingFee     int64              `json:"booking_fee"`
	Currency       string             `json:"currency"`
	Multipliers    map[string]float64 `json:"multipliers,omitempty"`
	DistanceKm     float64            `json:"distance_km"`
	PaymentRef     string             `json:"payment_ref,omitempty"`
}

// DispatchAttempt is one append-only dispatch-log entry: a provider was
// offered the request at a point in time.
type DispatchAttempt struct {
	ProviderID  string    `json:"provider_id"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Cancellation records who ended the request and what the refund decision
// was. The refund outcome is metadata, not a state-machine branch.
type Cancellation struct {
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason"`
	Refund       bool      `json:"refund"`
	RefundReason string    `json:"refund_reason"`
	CancelledAt  time.Time `json:"cancelled_at"`
}

type ServiceRequest struct {
	ID                 string      `json:"id"`
	CustomerID         string      `json:"customer_id"`
	AssignedProviderID string      `json:"assigned_provider_id,omitempty"`
	ServiceType        ServiceType `json:"service_type"`
	Status             Status      `json:"status"`

	// Version guards every conditional write; the store bumps it on each
	// successful update.
	Version int `json:"version"`

	Pickup       Coord    `json:"pickup"`
	Dropoff      *Coord   `json:"dropoff,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	Pricing *PricingSnapshot `json:"pricing,omitempty"`

	// CandidateProviderIDs is replaced wholesale on each broadcast cycle,
	// never merged in place. ExcludedProviderIDs only ever grows.
	CandidateProviderIDs []string `json:"candidate_provider_ids,omitempty"`
	ExcludedProviderIDs  []string `json:"excluded_provider_ids,omitempty"`

	AssignedAt   *time.Time        `json:"assigned_at,omitempty"`
	DispatchLog  []DispatchAttempt `json:"dispatch_log,omitempty"`
	Cancellation *Cancellation     `json:"cancellation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCandidate reports whether the provider is in the current broadcast set.
func (r *ServiceRequest) HasCandidate(providerID string) bool {
	for _, id := range r.CandidateProviderIDs {
		if id == providerID {
			return true
		}
	}
	return false
}

func (r *ServiceRequest) IsExcluded(providerID string) bool {
	for _, id := range r.ExcludedProviderIDs {
		if id == providerID {
			return true
		}
	}
	return false
}

// Exclude adds the provider to the exclusion set. Idempotent; the set never
// loses a member for the life of the request.
func (r *ServiceRequest) Exclude(providerID string) {
	if !r.IsExcluded(providerID) {
		r.ExcludedProviderIDs = append(r.ExcludedProviderIDs, providerID)
	}
}

// RemoveCandidate drops the provider from the current broadcast set and
// reports whether it was present.
func (r *ServiceRequest) RemoveCandidate(providerID string) bool {
	for i, id := range r.CandidateProviderIDs {
		if id == providerID {
			r.CandidateProviderIDs = append(r.CandidateProviderIDs[:i], r.CandidateProviderIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores can hand out records without sharing
// mutable slices with callers.
func (r *ServiceRequest) Clone() *ServiceRequest {
	cp := *r
	if r.Dropoff != nil {
		d := *r.Dropoff
		cp.Dropoff = &d
	}
	if r.AssignedAt != nil {
		t := *r.AssignedAt
		cp.AssignedAt = &t
	}
	if r.Pricing != nil {
		p := *r.Pricing
		if r.Pricing.Multipliers != nil {
			p.Multipliers = make(map[string]float64, len(r.Pricing.Multipliers))
			for k, v := range r.Pricing.Multipliers {
				p.Multipliers[k] = v
			}
		}
		cp.Pricing = &p
	}
	if r.Cancellation != nil {
		c := *r.Cancellation
		cp.Cancellation = &c
	}
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	cp.CandidateProviderIDs = append([]string(nil), r.CandidateProviderIDs...)
	cp.ExcludedProviderIDs = append([]string(nil), r.ExcludedProviderIDs...)
	cp.DispatchLog = append([]DispatchAttempt(nil), r.DispatchLog...)
	return &cp
}
