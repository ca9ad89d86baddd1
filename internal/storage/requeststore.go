package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

var ErrNotFound = errors.New("service request not found")

// RequestStore defines persistence for service requests. Update is the
// concurrency primitive: a single conditional write guarded by the status
// and version the caller read, with the boolean result as the conflict
// signal. The engine never read-then-writes without it.
type RequestStore interface {
	Create(ctx context.Context, r *models.ServiceRequest) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)
	Update(ctx context.Context, r *models.ServiceRequest, expectStatus models.Status, expectVersion int) (bool, error)
	ActiveByProvider(ctx context.Context, providerID string) ([]*models.ServiceRequest, error)
}

// MemoryStore keeps requests in memory behind a single mutex, with an
// explicit provider -> active request index so capacity checks are a lookup,
// not a scan.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ServiceRequest
	active   map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.ServiceRequest),
		active:   make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r.Clone()
	m.requests[cp.ID] = cp
	m.reindex(cp)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// Update applies the whole record iff the stored status and version still
// match what the caller read. The version bump and the write are one
// critical section, so N racing claimers see exactly one success.
func (m *MemoryStore) Update(_ context.Context, r *models.ServiceRequest, expectStatus models.Status, expectVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[r.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != expectStatus || cur.Version != expectVersion {
		return false, nil
	}
	m.unindex(cur)
	cp := r.Clone()
	cp.Version = expectVersion + 1
	cp.UpdatedAt = time.Now()
	m.requests[cp.ID] = cp
	m.reindex(cp)
	r.Version = cp.Version
	r.UpdatedAt = cp.UpdatedAt
	return true, nil
}

func (m *MemoryStore) ActiveByProvider(_ context.Context, providerID string) ([]*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.active[providerID]
	out := make([]*models.ServiceRequest, 0, len(ids))
	for id := range ids {
		if r, ok := m.requests[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) reindex(r *models.ServiceRequest) {
	if r.AssignedProviderID == "" {
		return
	}
	if r.Status != models.StatusAssigned && r.Status != models.StatusInProgress {
		return
	}
	set, ok := m.active[r.AssignedProviderID]
	if !ok {
		set = make(map[string]struct{})
		m.active[r.AssignedProviderID] = set
	}
	set[r.ID] = struct{}{}
}

func (m *MemoryStore) unindex(r *models.ServiceRequest) {
	if r.AssignedProviderID == "" {
		return
	}
	if set, ok := m.active[r.AssignedProviderID]; ok {
		delete(set, r.ID)
		if len(set) == 0 {
			delete(m.active, r.AssignedProviderID)
		}
	}
}
