package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memStore struct {
	mu         sync.RWMutex
	therapists map[uuid.UUID]*Therapist
	now        func() time.Time
}

// NewMemStore returns an in-process Store for development and tests.
func NewMemStore() Store {
	return &memStore{therapists: make(map[uuid.UUID]*Therapist), now: time.Now}
}

func (s *memStore) Register(_ context.Context, id uuid.UUID, radiusKm float64) (*Therapist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	t, ok := s.therapists[id]
	if !ok {
		t = &Therapist{ID: id, Weekly: map[time.Weekday][]Interval{}, CreatedAt: now}
		s.therapists[id] = t
	}
	t.ServiceRadiusKm = radiusKm
	t.UpdatedAt = now
	return t.Clone(), nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*Therapist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.therapists[id]
	if !ok {
		return nil, ErrTherapistNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) List(_ context.Context) ([]*Therapist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Therapist, 0, len(s.therapists))
	for _, t := range s.therapists {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *memStore) Update(_ context.Context, id uuid.UUID, fn func(t *Therapist) error) (*Therapist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.therapists[id]
	if !ok {
		return nil, ErrTherapistNotFound
	}
	work := t.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = s.now().UTC()
	s.therapists[id] = work
	return work.Clone(), nil
}
