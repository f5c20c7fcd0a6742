package request

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/physiohome/engine/pkg/pagination"
)

type memRegistry struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*Request

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func NewMemRegistry() Registry {
	return &memRegistry{
		requests: make(map[uuid.UUID]*Request),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *memRegistry) lockFor(id uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *memRegistry) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *memRegistry) Get(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return r.Clone(), nil
}

func (m *memRegistry) filter(keep func(r *Request) bool) []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func byDeadline(items []*Request) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Deadline.Equal(items[j].Deadline) {
			return items[i].Deadline.Before(items[j].Deadline)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func (m *memRegistry) ListOpenForTherapist(_ context.Context, therapistID uuid.UUID, now time.Time, limit, offset int) ([]*Request, int, error) {
	items := m.filter(func(r *Request) bool {
		return r.IsOpen() && !r.Deadline.Before(now) && r.HasSlotAfter(now) && r.IsCandidate(therapistID)
	})
	byDeadline(items)
	return pagination.Page(items, limit, offset), len(items), nil
}

func (m *memRegistry) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Request, int, error) {
	items := m.filter(func(r *Request) bool { return r.PatientID == patientID })
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return pagination.Page(items, limit, offset), len(items), nil
}

func (m *memRegistry) ListDue(_ context.Context, now time.Time, limit int) ([]*Request, error) {
	items := m.filter(func(r *Request) bool { return r.IsOpen() && !r.Deadline.After(now) })
	byDeadline(items)
	return pagination.Page(items, limit, 0), nil
}

func (m *memRegistry) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, r *Request) error) (*Request, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, current); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current.ID = id
	current.Version++
	m.requests[id] = current.Clone()
	return current, nil
}
