// Package engine owns the service-request state machine: broadcast, claim
// resolution, cancellation windows and completion.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/roadside-dispatch/internal/capacity"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/policy"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Pricer is the external pricing oracle consulted once at creation time.
type Pricer interface {
	Quote(ctx context.Context, serviceType models.ServiceType, pickup models.Coord, dropoff *models.Coord) (models.PricingSnapshot, error)
}

// PaymentGateway handles the booking-fee money movement. Every call from the
// engine is best-effort metadata: a gateway failure never blocks or rolls
// back a state transition.
type PaymentGateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// Notifier delivers state-change signals to providers: asynchronous,
// best-effort, at-most-once.
type Notifier interface {
	Notify(providerID string, ev dispatch.Event)
}

type Config struct {
	SearchRadiusMeters   float64
	CandidateLimit       int
	ProviderCancelWindow time.Duration
	PickupGeofenceMeters float64
	ChatUnlockDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		SearchRadiusMeters:   10000,
		CandidateLimit:       8,
		ProviderCancelWindow: 2 * time.Minute,
		PickupGeofenceMeters: 30,
		ChatUnlockDelay:      3 * time.Minute,
	}
}

type Engine struct {
	store    storage.RequestStore
	geo      geo.Directory
	guard    *capacity.Guard
	policy   policy.Policy
	pricer   Pricer
	payments PaymentGateway
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

func New(store storage.RequestStore, dir geo.Directory, guard *capacity.Guard, pol policy.Policy, pricer Pricer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultConfig().CandidateLimit
	}
	if cfg.SearchRadiusMeters <= 0 {
		cfg.SearchRadiusMeters = DefaultConfig().SearchRadiusMeters
	}
	if cfg.ProviderCancelWindow <= 0 {
		cfg.ProviderCancelWindow = DefaultConfig().ProviderCancelWindow
	}
	if cfg.PickupGeofenceMeters <= 0 {
		cfg.PickupGeofenceMeters = DefaultConfig().PickupGeofenceMeters
	}
	if cfg.ChatUnlockDelay <= 0 {
		cfg.ChatUnlockDelay = DefaultConfig().ChatUnlockDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		geo:    dir,
		guard:  guard,
		policy: pol,
		pricer: pricer,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetPayments wires the optional booking-fee gateway.
func (e *Engine) SetPayments(g PaymentGateway) { e.payments = g }

// SetNotifier wires the optional provider notifier.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

type CreateCommand struct {
	CustomerID   string
	ServiceType  models.ServiceType
	Pickup       models.Coord
	Dropoff      *models.Coord
	Capabilities []string
}

// Create checks feasibility (at least one matching online provider right
// now), snapshots pricing, holds the booking fee and persists a CREATED
// draft. The draft exits only via ConfirmPayment or DiscardDraft.
func (e *Engine) Create(ctx context.Context, cmd CreateCommand) (*models.ServiceRequest, error) {
	if cmd.CustomerID == "" {
		return nil, newErr(ClassValidation, CodeBadInput, "customer id is required")
	}
	if !cmd.ServiceType.Valid() {
		return nil, newErr(ClassValidation, CodeBadInput, "unknown service type")
	}

	matches, err := e.geo.Find(ctx, geo.Query{
		Origin:            cmd.Pickup,
		ServiceType:       cmd.ServiceType,
		Capabilities:      cmd.Capabilities,
		MaxDistanceMeters: e.cfg.SearchRadiusMeters,
		Limit:             e.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, upstream(CodeMatchingFailed, err)
	}
	if len(matches) == 0 {
		return nil, newErr(ClassConflict, CodeNoProviders, "no eligible providers near pickup")
	}

	snapshot, err := e.pricer.Quote(ctx, cmd.ServiceType, cmd.Pickup, cmd.Dropoff)
	if err != nil {
		return nil, upstream(CodePricingFailed, err)
	}
	if e.payments != nil {
		ref, err := e.payments.Hold(ctx, snapshot.BookingFee, snapshot.Currency, cmd.CustomerID)
		if err != nil {
			return nil, upstream(CodePaymentFailed, err)
		}
		snapshot.PaymentRef = ref
	}

	now := e.now()
	req := &models.ServiceRequest{
		ID:           uuid.NewString(),
		CustomerID:   cmd.CustomerID,
		ServiceType:  cmd.ServiceType,
		Status:       models.StatusCreated,
		Pickup:       cmd.Pickup,
		Dropoff:      cmd.Dropoff,
		Capabilities: cmd.Capabilities,
		Pricing:      &snapshot,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.Create(ctx, req); err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	observability.RequestsCreated.Inc()
	e.logger.Info("request created", "request_id", req.ID, "service_type", req.ServiceType)
	return req, nil
}

// ConfirmPayment is the payment-confirmation entry point: it moves the draft
// to BROADCASTED with an initial candidate population.
func (e *Engine) ConfirmPayment(ctx context.Context, requestID string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusCreated {
		return nil, newErr(ClassConflict, CodeNotAwaitingPayment, "request is not an unpaid draft")
	}
	if err := e.populateCandidates(ctx, req); err != nil {
		return nil, err
	}
	req.Status = models.StatusBroadcasted
	ok, err := e.store.Update(ctx, req, models.StatusCreated, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while confirming payment")
	}
	observability.Broadcasts.Inc()
	e.offerToCandidates(req)
	return req, nil
}

// Claim resolves a provider's acceptance. Exactly one concurrent caller wins
// the BROADCASTED -> ASSIGNED transition; everyone else gets CONFLICT. The
// winning write is a single conditional store update; zero rows is the loss
// signal.
func (e *Engine) Claim(ctx context.Context, requestID, providerID string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusBroadcasted || req.AssignedProviderID != "" {
		observability.ClaimConflicts.Inc()
		return nil, newErr(ClassConflict, CodeClaimConflict, "request is no longer open for claims")
	}
	if !req.HasCandidate(providerID) {
		return nil, newErr(ClassConflict, CodeNotACandidate, "provider is not in the current candidate set")
	}

	loc, reportedAt, found, err := e.geo.Locate(ctx, providerID)
	if err != nil {
		return nil, upstream(CodeMatchingFailed, err)
	}
	if !found {
		return nil, newErr(ClassNotFound, CodeProviderNotFound, "provider has no known location")
	}
	if err := e.guard.Check(ctx, providerID, loc, reportedAt); err != nil {
		if denial, ok := err.(*capacity.Denial); ok {
			return nil, &Error{
				Class:           ClassConflict,
				Code:            denial.Reason,
				Message:         denial.Error(),
				DistanceMeters:  denial.DistanceMeters,
				ThresholdMeters: denial.ThresholdMeters,
			}
		}
		return nil, upstream(CodeMatchingFailed, err)
	}

	losers := make([]string, 0, len(req.CandidateProviderIDs))
	for _, id := range req.CandidateProviderIDs {
		if id != providerID {
			losers = append(losers, id)
		}
	}

	now := e.now()
	req.Status = models.StatusAssigned
	req.AssignedProviderID = providerID
	req.AssignedAt = &now
	req.CandidateProviderIDs = nil

	ok, err := e.store.Update(ctx, req, models.StatusBroadcasted, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		observability.ClaimConflicts.Inc()
		return nil, newErr(ClassConflict, CodeClaimConflict, "another provider claimed the request first")
	}
	observability.ClaimsWon.Inc()
	e.logger.Info("request claimed", "request_id", req.ID, "provider_id", providerID)

	// Losing candidates are told the request is taken; never rolled back on
	// delivery failure.
	e.notifyAll(losers, dispatch.Event{Type: dispatch.EventTaken, RequestID: req.ID})
	e.notifyOne(providerID, dispatch.Event{Type: dispatch.EventAssigned, RequestID: req.ID})
	return req, nil
}

// Reject takes a provider out of the running for this request permanently.
// Idempotent; no state change.
func (e *Engine) Reject(ctx context.Context, requestID, providerID string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, newErr(ClassConflict, CodeRequestClosed, "request is closed")
	}
	removed := req.RemoveCandidate(providerID)
	if !removed && req.IsExcluded(providerID) {
		// Repeat reject: nothing left to record.
		return req, nil
	}
	req.Exclude(providerID)
	ok, err := e.store.Update(ctx, req, req.Status, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while rejecting")
	}
	return req, nil
}

// ProviderCancel lets the assigned provider back out inside the cancellation
// window. The provider is excluded for the life of the request and the
// request is rebroadcast to a fresh candidate set.
func (e *Engine) ProviderCancel(ctx context.Context, requestID, providerID, reason string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == models.StatusInProgress {
		return nil, newErr(ClassForbidden, CodeAlreadyInProgress, "service already started")
	}
	if req.Status != models.StatusAssigned {
		return nil, newErr(ClassConflict, CodeNotAssigned, "request is not assigned")
	}
	if req.AssignedProviderID != providerID {
		return nil, newErr(ClassForbidden, CodeWrongProvider, "only the assigned provider may cancel")
	}
	if req.AssignedAt == nil || e.now().Sub(*req.AssignedAt) > e.cfg.ProviderCancelWindow {
		return nil, newErr(ClassForbidden, CodeCancelWindowExpired, "provider cancellation window has passed")
	}

	req.Exclude(providerID)
	req.AssignedProviderID = ""
	req.AssignedAt = nil
	req.Status = models.StatusBroadcasted
	if err := e.populateCandidates(ctx, req); err != nil {
		return nil, err
	}

	ok, err := e.store.Update(ctx, req, models.StatusAssigned, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while cancelling")
	}
	observability.Cancellations.WithLabelValues("provider").Inc()
	observability.Broadcasts.Inc()
	e.logger.Info("provider cancelled, rebroadcast",
		"request_id", req.ID, "provider_id", providerID, "reason", reason,
		"candidates", len(req.CandidateProviderIDs))
	e.offerToCandidates(req)
	return req, nil
}

// CustomerCancel ends the request and attaches the refund decision from the
// cancellation policy as metadata. The transition to CANCELLED is
// unconditional once the actor and state checks pass.
func (e *Engine) CustomerCancel(ctx context.Context, requestID, customerID, reason string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CustomerID != customerID {
		return nil, newErr(ClassForbidden, CodeWrongCustomer, "request belongs to another customer")
	}
	switch req.Status {
	case models.StatusCompleted:
		return nil, newErr(ClassConflict, CodeAlreadyCompleted, "request already completed")
	case models.StatusCancelled:
		return nil, newErr(ClassConflict, CodeAlreadyCancelled, "request already cancelled")
	case models.StatusCreated:
		return nil, newErr(ClassValidation, CodeDraftNotCancellable, "unpaid draft: discard it instead")
	}

	now := e.now()
	decision := e.policy.Evaluate(req.Status, req.AssignedAt, now)
	prevStatus := req.Status
	assignedProvider := req.AssignedProviderID

	req.Status = models.StatusCancelled
	req.Cancellation = &models.Cancellation{
		Actor:        "customer",
		Reason:       reason,
		Refund:       decision.Refund,
		RefundReason: decision.Reason,
		CancelledAt:  now,
	}
	ok, err := e.store.Update(ctx, req, prevStatus, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while cancelling")
	}
	observability.Cancellations.WithLabelValues("customer").Inc()

	if decision.Refund {
		observability.RefundsIssued.Inc()
		e.refundBookingFee(req)
	}
	if assignedProvider != "" {
		e.notifyOne(assignedProvider, dispatch.Event{Type: dispatch.EventCancelled, RequestID: req.ID, Reason: reason})
	}
	e.notifyAll(req.CandidateProviderIDs, dispatch.Event{Type: dispatch.EventCancelled, RequestID: req.ID, Reason: reason})
	e.logger.Info("customer cancelled",
		"request_id", req.ID, "refund", decision.Refund, "refund_reason", decision.Reason)
	return req, nil
}

// DiscardDraft is the only customer exit for an unpaid CREATED draft. No
// refund evaluation: no payment has moved.
func (e *Engine) DiscardDraft(ctx context.Context, requestID, customerID string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CustomerID != customerID {
		return nil, newErr(ClassForbidden, CodeWrongCustomer, "request belongs to another customer")
	}
	if req.Status != models.StatusCreated {
		return nil, newErr(ClassConflict, CodeNotADraft, "only unpaid drafts can be discarded")
	}
	req.Status = models.StatusCancelled
	req.Cancellation = &models.Cancellation{
		Actor:       "customer",
		Reason:      "draft_discarded",
		CancelledAt: e.now(),
	}
	ok, err := e.store.Update(ctx, req, models.StatusCreated, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while discarding")
	}
	if e.payments != nil && req.Pricing != nil && req.Pricing.PaymentRef != "" {
		if err := e.payments.Release(ctx, req.Pricing.PaymentRef); err != nil {
			e.logger.Warn("booking fee release failed", "request_id", req.ID, "error", err)
		}
	}
	return req, nil
}

// StartService moves ASSIGNED -> IN_PROGRESS once the assigned provider is
// within the pickup geofence. Failures report the measured distance and the
// threshold.
func (e *Engine) StartService(ctx context.Context, requestID, providerID string, providerLoc models.Coord) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == models.StatusInProgress {
		return nil, newErr(ClassConflict, CodeAlreadyInProgress, "service already started")
	}
	if req.Status != models.StatusAssigned {
		return nil, newErr(ClassConflict, CodeNotAssigned, "request is not assigned")
	}
	if req.AssignedProviderID != providerID {
		return nil, newErr(ClassForbidden, CodeWrongProvider, "only the assigned provider may start")
	}

	dist := geo.WholeMeters(geo.Haversine(providerLoc.Lat, providerLoc.Lon, req.Pickup.Lat, req.Pickup.Lon))
	threshold := int(e.cfg.PickupGeofenceMeters)
	if dist > threshold {
		return nil, &Error{
			Class:           ClassConflict,
			Code:            CodeTooFarFromPickup,
			Message:         "provider is outside the pickup geofence",
			DistanceMeters:  dist,
			ThresholdMeters: threshold,
		}
	}

	req.Status = models.StatusInProgress
	ok, err := e.store.Update(ctx, req, models.StatusAssigned, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while starting")
	}
	e.logger.Info("service started", "request_id", req.ID, "provider_id", providerID, "distance_m", dist)
	return req, nil
}

// CompleteService moves IN_PROGRESS -> COMPLETED, the terminal success
// state, and captures the held booking fee.
func (e *Engine) CompleteService(ctx context.Context, requestID, providerID string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == models.StatusCompleted {
		return nil, newErr(ClassConflict, CodeAlreadyCompleted, "request already completed")
	}
	if req.Status != models.StatusInProgress {
		return nil, newErr(ClassConflict, CodeNotInProgress, "service has not started")
	}
	if req.AssignedProviderID != providerID {
		return nil, newErr(ClassForbidden, CodeWrongProvider, "only the assigned provider may complete")
	}

	req.Status = models.StatusCompleted
	ok, err := e.store.Update(ctx, req, models.StatusInProgress, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while completing")
	}
	observability.Completions.Inc()
	if e.payments != nil && req.Pricing != nil && req.Pricing.PaymentRef != "" {
		if err := e.payments.Capture(ctx, req.Pricing.PaymentRef); err != nil {
			e.logger.Warn("booking fee capture failed", "request_id", req.ID, "error", err)
		}
	}
	e.notifyOne(providerID, dispatch.Event{Type: dispatch.EventCompleted, RequestID: req.ID})
	e.logger.Info("service completed", "request_id", req.ID, "provider_id", providerID)
	return req, nil
}

// Rebroadcast re-runs candidate population for a BROADCASTED request. This
// is the recovery hook for a stalled request whose candidate set drained;
// there is no automatic sweep.
func (e *Engine) Rebroadcast(ctx context.Context, requestID string) (*models.ServiceRequest, error) {
	req, err := e.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusBroadcasted {
		return nil, newErr(ClassConflict, CodeNotBroadcasted, "request is not broadcasted")
	}
	if err := e.populateCandidates(ctx, req); err != nil {
		return nil, err
	}
	ok, err := e.store.Update(ctx, req, models.StatusBroadcasted, req.Version)
	if err != nil {
		return nil, upstream(CodeRequestNotFound, err)
	}
	if !ok {
		return nil, newErr(ClassConflict, CodeClaimConflict, "request changed while rebroadcasting")
	}
	observability.Broadcasts.Inc()
	e.offerToCandidates(req)
	return req, nil
}

// Get returns the request read model.
func (e *Engine) Get(ctx context.Context, requestID string) (*models.ServiceRequest, error) {
	return e.get(ctx, requestID)
}

// ChatPermitted gates the chat collaborator: only while the request is
// ASSIGNED or IN_PROGRESS, and only once the unlock delay after assignment
// has passed.
func (e *Engine) ChatPermitted(req *models.ServiceRequest, now time.Time) bool {
	if req.Status != models.StatusAssigned && req.Status != models.StatusInProgress {
		return false
	}
	if req.AssignedAt == nil {
		return false
	}
	return !now.Before(req.AssignedAt.Add(e.cfg.ChatUnlockDelay))
}

// RatingEligible gates the rating collaborator: completed requests only.
func RatingEligible(req *models.ServiceRequest) bool {
	return req.Status == models.StatusCompleted
}

func (e *Engine) get(ctx context.Context, requestID string) (*models.ServiceRequest, error) {
	if requestID == "" {
		return nil, newErr(ClassValidation, CodeBadInput, "request id is required")
	}
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, newErr(ClassNotFound, CodeRequestNotFound, "unknown request")
		}
		return nil, upstream(CodeRequestNotFound, err)
	}
	return req, nil
}

// populateCandidates computes a fresh candidate set excluding every provider
// the request has ever excluded, replaces the old set wholesale and appends
// one dispatch-log entry per candidate. An empty result is valid: the
// request stays BROADCASTED with zero candidates.
func (e *Engine) populateCandidates(ctx context.Context, req *models.ServiceRequest) error {
	exclude := make(map[string]struct{}, len(req.ExcludedProviderIDs))
	for _, id := range req.ExcludedProviderIDs {
		exclude[id] = struct{}{}
	}
	matches, err := e.geo.Find(ctx, geo.Query{
		Origin:            req.Pickup,
		ServiceType:       req.ServiceType,
		Capabilities:      req.Capabilities,
		Exclude:           exclude,
		MaxDistanceMeters: e.cfg.SearchRadiusMeters,
		Limit:             e.cfg.CandidateLimit,
	})
	if err != nil {
		return upstream(CodeMatchingFailed, err)
	}
	now := e.now()
	candidates := make([]string, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, m.ProviderID)
		req.DispatchLog = append(req.DispatchLog, models.DispatchAttempt{ProviderID: m.ProviderID, AttemptedAt: now})
	}
	req.CandidateProviderIDs = candidates
	return nil
}

func (e *Engine) offerToCandidates(req *models.ServiceRequest) {
	e.notifyAll(req.CandidateProviderIDs, dispatch.Event{Type: dispatch.EventOffer, RequestID: req.ID})
}

func (e *Engine) notifyAll(providerIDs []string, ev dispatch.Event) {
	if e.notifier == nil || len(providerIDs) == 0 {
		return
	}
	ids := append([]string(nil), providerIDs...)
	go func() {
		for _, id := range ids {
			e.notifier.Notify(id, ev)
		}
	}()
}

func (e *Engine) notifyOne(providerID string, ev dispatch.Event) {
	if e.notifier == nil || providerID == "" {
		return
	}
	go e.notifier.Notify(providerID, ev)
}

func (e *Engine) refundBookingFee(req *models.ServiceRequest) {
	if e.payments == nil || req.Pricing == nil || req.Pricing.PaymentRef == "" {
		return
	}
	// Refund execution is metadata, never a branch in the state machine.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.payments.Refund(ctx, req.Pricing.PaymentRef); err != nil {
		e.logger.Warn("booking fee refund failed", "request_id", req.ID, "error", err)
	}
}
