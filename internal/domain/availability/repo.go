package availability

import (
	"context"

	"github.com/google/uuid"
)

// Store persists therapist availability profiles.
type Store interface {
	// Register creates the therapist or, when it exists, updates its radius.
	Register(ctx context.Context, id uuid.UUID, radiusKm float64) (*Therapist, error)
	Get(ctx context.Context, id uuid.UUID) (*Therapist, error)
	List(ctx context.Context) ([]*Therapist, error)
	// Update runs fn with exclusive access to the therapist and saves the
	// result. Nothing is saved when fn fails.
	Update(ctx context.Context, id uuid.UUID, fn func(t *Therapist) error) (*Therapist, error)
}
