package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memRepo struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]*Session
	byTherapist map[uuid.UUID][]*Session

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func NewMemRepo() Repository {
	return &memRepo{
		sessions:    make(map[uuid.UUID]*Session),
		byTherapist: make(map[uuid.UUID][]*Session),
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *memRepo) therapistLock(id uuid.UUID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func (r *memRepo) Lock(ctx context.Context, therapistID uuid.UUID, fn func(ctx context.Context) error) error {
	l := r.therapistLock(therapistID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (r *memRepo) Insert(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	stored := s.Clone()
	r.sessions[s.ID] = stored

	list := r.byTherapist[s.TherapistID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Start.Before(stored.Start) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = stored
	r.byTherapist[s.TherapistID] = list
	return nil
}

func (r *memRepo) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *memRepo) window(therapistID uuid.UUID, from, to time.Time, activeOnly bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byTherapist[therapistID] {
		if !s.Start.Before(to) {
			break
		}
		if !s.End.After(from) || (activeOnly && !s.Active()) {
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}

func (r *memRepo) Active(_ context.Context, therapistID uuid.UUID, from, to time.Time) ([]*Session, error) {
	return r.window(therapistID, from, to, true), nil
}

func (r *memRepo) ListByTherapist(_ context.Context, therapistID uuid.UUID, from, to time.Time) ([]*Session, error) {
	return r.window(therapistID, from, to, false), nil
}

func (r *memRepo) Cancel(_ context.Context, id uuid.UUID, at time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.Active() {
		return nil, ErrAlreadyCancelled
	}
	at = at.UTC()
	s.CancelledAt = &at
	return s.Clone(), nil
}
