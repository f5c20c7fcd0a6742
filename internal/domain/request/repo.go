package request

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Registry stores session requests and serializes their state changes.
type Registry interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id uuid.UUID) (*Request, error)
	// ListOpenForTherapist lists open requests the therapist can claim whose
	// deadline is not before now, most urgent first.
	ListOpenForTherapist(ctx context.Context, therapistID uuid.UUID, now time.Time, limit, offset int) ([]*Request, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Request, int, error)
	// ListDue lists open requests whose deadline is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Request, error)
	// Update runs fn with exclusive access to the request and persists the
	// result. The ctx passed to fn carries any transaction Update opened, so
	// writes made through it commit or roll back with the request. Nothing is
	// persisted when fn fails.
	Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, r *Request) error) (*Request, error)
}
