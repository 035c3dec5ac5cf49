package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/pickup-dispatch/internal/models"
)

// MemoryStore keeps everything in process. One mutex serializes every
// transition, which is what makes Assign a compare-and-set.
type MemoryStore struct {
	mu       sync.RWMutex
	drivers  map[string]models.Driver
	requests map[string]*models.DispatchRequest
	order    []string
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:  make(map[string]models.Driver),
		requests: make(map[string]*models.DispatchRequest),
		now:      time.Now,
	}
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busyLocked(d.ID) {
		d.Available = false
	}
	if d.Position != nil {
		p := *d.Position
		d.Position = &p
	} else if prev, ok := m.drivers[d.ID]; ok {
		d.Position = prev.Position
	}
	d.UpdatedAt = m.now()
	m.drivers[d.ID] = d
	return nil
}

// busyLocked reports whether an in-progress request references driverID.
func (m *MemoryStore) busyLocked(driverID string) bool {
	for _, r := range m.requests {
		if r.Status == models.StatusInProgress && r.DriverID() == driverID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AvailableDrivers(_ context.Context, _ models.Coordinate) ([]models.DriverCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverCandidate, 0, len(m.drivers))
	for _, d := range m.drivers {
		if !d.Available {
			continue
		}
		if c, ok := d.Candidate(); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *MemoryStore) Assign(_ context.Context, r *models.DispatchRequest) error {
	driverID := r.DriverID()
	if driverID == "" {
		return fmt.Errorf("assign request %s: no driver", r.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
	}
	if !d.Available {
		return ErrDriverUnavailable
	}
	d.Available = false
	d.UpdatedAt = m.now()
	m.drivers[driverID] = d
	if _, exists := m.requests[r.ID]; !exists {
		m.order = append(m.order, r.ID)
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Release(_ context.Context, id string, from, to models.Status) (*models.DispatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if r.Status != from {
		return nil, ErrStatusConflict
	}
	now := m.now()
	driverID := r.DriverID()
	r.Status = to
	r.UpdatedAt = now
	if to == models.StatusCancelled {
		r.AssignedDriverID = nil
	}
	if d, ok := m.drivers[driverID]; ok {
		d.Available = true
		d.UpdatedAt = now
		m.drivers[driverID] = d
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.DispatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRequests(_ context.Context) ([]*models.DispatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.DispatchRequest, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.requests[id].Clone())
	}
	return out, nil
}
