package calendar

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Availability answers whether a window lies inside a therapist's declared
// availability.
type Availability interface {
	Contains(ctx context.Context, therapistID uuid.UUID, start, end time.Time) (bool, error)
}

type Service struct {
	repo  Repository
	avail Availability
	now   func() time.Time
}

func NewService(repo Repository, avail Availability) *Service {
	return &Service{repo: repo, avail: avail, now: time.Now}
}

// Reserve places a session on the therapist's calendar. It fails with
// ErrOverlap when the window intersects an active session and with
// ErrOutsideAvailability when it is not inside declared availability, unless
// in.Override is set.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (*Session, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var reserved *Session
	err := s.repo.Lock(ctx, in.TherapistID, func(ctx context.Context) error {
		if !in.Override {
			ok, err := s.avail.Contains(ctx, in.TherapistID, in.Start, in.End)
			if err != nil {
				return err
			}
			if !ok {
				return ErrOutsideAvailability
			}
		}

		existing, err := s.repo.Active(ctx, in.TherapistID, in.Start, in.End)
		if err != nil {
			return err
		}
		if findOverlap(existing, in.Start, in.End) != nil {
			return ErrOverlap
		}

		sess := &Session{
			ID:          uuid.New(),
			TherapistID: in.TherapistID,
			PatientID:   in.PatientID,
			RequestID:   in.RequestID,
			Kind:        in.Kind,
			Start:       in.Start.UTC(),
			End:         in.End.UTC(),
			Override:    in.Override,
			CreatedAt:   s.now().UTC(),
		}
		if err := s.repo.Insert(ctx, sess); err != nil {
			return err
		}
		reserved = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.repo.Cancel(ctx, id, s.now())
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByTherapist(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]*Session, error) {
	return s.repo.ListByTherapist(ctx, therapistID, from, to)
}
