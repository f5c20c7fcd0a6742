package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/physiohome/engine/internal/domain/errs"
)

type Service struct {
	store Store
	loc   *time.Location
}

func NewService(store Store, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, loc: loc}
}

// Location is the zone in which slot weekdays and hours are evaluated.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) RegisterTherapist(ctx context.Context, id uuid.UUID, radiusKm float64) (*Therapist, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: therapist id is required", errs.ErrInvalid)
	}
	if radiusKm < 0 {
		return nil, ErrInvalidRadius
	}
	return s.store.Register(ctx, id, radiusKm)
}

func (s *Service) SetServiceRadius(ctx context.Context, id uuid.UUID, radiusKm float64) (*Therapist, error) {
	if radiusKm < 0 {
		return nil, ErrInvalidRadius
	}
	return s.store.Update(ctx, id, func(t *Therapist) error {
		t.ServiceRadiusKm = radiusKm
		return nil
	})
}

// SetAvailability replaces the intervals declared for one weekday.
func (s *Service) SetAvailability(ctx context.Context, id uuid.UUID, day time.Weekday, intervals []Interval) (*Therapist, error) {
	if day < time.Sunday || day > time.Saturday {
		return nil, fmt.Errorf("%w: weekday %d", ErrInvalidInterval, day)
	}
	ivs, err := Normalize(intervals)
	if err != nil {
		return nil, err
	}
	return s.store.Update(ctx, id, func(t *Therapist) error {
		if t.Weekly == nil {
			t.Weekly = map[time.Weekday][]Interval{}
		}
		if len(ivs) == 0 {
			delete(t.Weekly, day)
			return nil
		}
		t.Weekly[day] = ivs
		return nil
	})
}

// SetAvailabilityHours declares availability from a set of selected hours.
func (s *Service) SetAvailabilityHours(ctx context.Context, id uuid.UUID, day time.Weekday, hours []int) (*Therapist, error) {
	ivs, err := HoursToIntervals(hours)
	if err != nil {
		return nil, err
	}
	return s.SetAvailability(ctx, id, day, ivs)
}

func (s *Service) SetOnline(ctx context.Context, id uuid.UUID, online bool) (*Therapist, error) {
	return s.store.Update(ctx, id, func(t *Therapist) error {
		if online && t.Vacation {
			return ErrOnVacation
		}
		t.Online = online
		return nil
	})
}

// SetVacationMode toggles vacation. Entering vacation also takes the
// therapist offline; declared intervals are kept.
func (s *Service) SetVacationMode(ctx context.Context, id uuid.UUID, vacation bool) (*Therapist, error) {
	return s.store.Update(ctx, id, func(t *Therapist) error {
		t.Vacation = vacation
		if vacation {
			t.Online = false
		}
		return nil
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Therapist, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Therapist, error) {
	return s.store.List(ctx)
}

func (s *Service) IsEligible(ctx context.Context, id uuid.UUID, start time.Time, duration time.Duration) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Eligible(start, duration, s.loc), nil
}

// Contains reports containment only; online and vacation are ignored.
func (s *Service) Contains(ctx context.Context, id uuid.UUID, start, end time.Time) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Covers(start, end, s.loc), nil
}
