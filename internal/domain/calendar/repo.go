package calendar

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Lock runs fn while holding the therapist's calendar lock. Reservations
	// for one therapist are serialized through it.
	Lock(ctx context.Context, therapistID uuid.UUID, fn func(ctx context.Context) error) error
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// Active lists non-cancelled sessions intersecting [from, to), by start.
	Active(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]*Session, error)
	// ListByTherapist lists all sessions intersecting [from, to), cancelled
	// ones included, by start.
	ListByTherapist(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]*Session, error)
	// Cancel stamps cancelled_at on an active session.
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) (*Session, error)
}
