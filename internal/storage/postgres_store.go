package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.ServiceRequest) error {
	dispatchLog, err := json.Marshal(r.DispatchLog)
	if err != nil {
		return err
	}
	pricing, err := json.Marshal(r.Pricing)
	if err != nil {
		return err
	}
	var dropLat, dropLon sql.NullFloat64
	if r.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: r.Dropoff.Lat, Valid: true}
		dropLon = sql.NullFloat64{Float64: r.Dropoff.Lon, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO service_requests(
			id, customer_id, assigned_provider_id, service_type, status, version,
			pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			capabilities, pricing, candidate_provider_ids, excluded_provider_ids,
			assigned_at, dispatch_log, created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.CustomerID, nullString(r.AssignedProviderID), string(r.ServiceType), string(r.Status), r.Version,
		r.Pickup.Lat, r.Pickup.Lon, dropLat, dropLon,
		pq.Array(r.Capabilities), pricing, pq.Array(r.CandidateProviderIDs), pq.Array(r.ExcludedProviderIDs),
		nullTime(r.AssignedAt), dispatchLog, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, assigned_provider_id, service_type, status, version,
		       pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		       capabilities, pricing, candidate_provider_ids, excluded_provider_ids,
		       assigned_at, dispatch_log,
		       cancel_actor, cancel_reason, cancel_refund, cancel_refund_reason, cancelled_at,
		       created_at, updated_at
		FROM service_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// Update is the atomic conditional write: the WHERE clause re-checks the
// status and version the caller read, and zero rows affected is the
// conflict signal.
func (p *PostgresStore) Update(ctx context.Context, r *models.ServiceRequest, expectStatus models.Status, expectVersion int) (bool, error) {
	dispatchLog, err := json.Marshal(r.DispatchLog)
	if err != nil {
		return false, err
	}
	var cancelActor, cancelReason, cancelRefundReason sql.NullString
	var cancelRefund sql.NullBool
	var cancelledAt sql.NullTime
	if c := r.Cancellation; c != nil {
		cancelActor = sql.NullString{String: c.Actor, Valid: true}
		cancelReason = sql.NullString{String: c.Reason, Valid: true}
		cancelRefund = sql.NullBool{Bool: c.Refund, Valid: true}
		cancelRefundReason = sql.NullString{String: c.RefundReason, Valid: true}
		cancelledAt = sql.NullTime{Time: c.CancelledAt, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE service_requests
		SET status = $1,
		    version = version + 1,
		    assigned_provider_id = $2,
		    assigned_at = $3,
		    candidate_provider_ids = $4,
		    excluded_provider_ids = $5,
		    dispatch_log = $6,
		    cancel_actor = $7,
		    cancel_reason = $8,
		    cancel_refund = $9,
		    cancel_refund_reason = $10,
		    cancelled_at = $11,
		    updated_at = NOW()
		WHERE id = $12 AND status = $13 AND version = $14`,
		string(r.Status), nullString(r.AssignedProviderID), nullTime(r.AssignedAt),
		pq.Array(r.CandidateProviderIDs), pq.Array(r.ExcludedProviderIDs), dispatchLog,
		cancelActor, cancelReason, cancelRefund, cancelRefundReason, cancelledAt,
		r.ID, string(expectStatus), expectVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		r.Version = expectVersion + 1
	}
	return n == 1, nil
}

func (p *PostgresStore) ActiveByProvider(ctx context.Context, providerID string) ([]*models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, customer_id, assigned_provider_id, service_type, status, version,
		       pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		       capabilities, pricing, candidate_provider_ids, excluded_provider_ids,
		       assigned_at, dispatch_log,
		       cancel_actor, cancel_reason, cancel_refund, cancel_refund_reason, cancelled_at,
		       created_at, updated_at
		FROM service_requests
		WHERE assigned_provider_id = $1 AND status IN ('ASSIGNED','IN_PROGRESS')`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var assignedProvider sql.NullString
	var dropLat, dropLon sql.NullFloat64
	var pricing, dispatchLog []byte
	var assignedAt, cancelledAt sql.NullTime
	var cancelActor, cancelReason, cancelRefundReason sql.NullString
	var cancelRefund sql.NullBool

	err := row.Scan(
		&r.ID, &r.CustomerID, &assignedProvider, &r.ServiceType, &r.Status, &r.Version,
		&r.Pickup.Lat, &r.Pickup.Lon, &dropLat, &dropLon,
		pq.Array(&r.Capabilities), &pricing, pq.Array(&r.CandidateProviderIDs), pq.Array(&r.ExcludedProviderIDs),
		&assignedAt, &dispatchLog,
		&cancelActor, &cancelReason, &cancelRefund, &cancelRefundReason, &cancelledAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if assignedProvider.Valid {
		r.AssignedProviderID = assignedProvider.String
	}
	if dropLat.Valid && dropLon.Valid {
		r.Dropoff = &models.Coord{Lat: dropLat.Float64, Lon: dropLon.Float64}
	}
	if len(pricing) > 0 && string(pricing) != "null" {
		if err := json.Unmarshal(pricing, &r.Pricing); err != nil {
			return nil, err
		}
	}
	if len(dispatchLog) > 0 && string(dispatchLog) != "null" {
		if err := json.Unmarshal(dispatchLog, &r.DispatchLog); err != nil {
			return nil, err
		}
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		r.AssignedAt = &t
	}
	if cancelActor.Valid {
		r.Cancellation = &models.Cancellation{
			Actor:        cancelActor.String,
			Reason:       cancelReason.String,
			Refund:       cancelRefund.Bool,
			RefundReason: cancelRefundReason.String,
			CancelledAt:  cancelledAt.Time,
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
