package calendar

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/physiohome/engine/internal/domain/errs"
)

var (
	ErrSessionNotFound     = fmt.Errorf("session %w", errs.ErrNotFound)
	ErrOverlap             = fmt.Errorf("%w: session overlaps an existing session", errs.ErrConflict)
	ErrOutsideAvailability = fmt.Errorf("%w: session outside declared availability", errs.ErrConflict)
	ErrAlreadyCancelled    = fmt.Errorf("%w: session already cancelled", errs.ErrConflict)
	ErrInvalidSession      = fmt.Errorf("%w: session", errs.ErrInvalid)
)

type Kind string

const (
	KindConsultationTreatment Kind = "consultation+treatment"
	KindTreatmentOnly         Kind = "treatment-only"
)

func (k Kind) Valid() bool {
	return k == KindConsultationTreatment || k == KindTreatmentOnly
}

// Session is a committed visit on a therapist's calendar.
type Session struct {
	ID          uuid.UUID  `json:"id"`
	TherapistID uuid.UUID  `json:"therapist_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	RequestID   *uuid.UUID `json:"request_id,omitempty"`
	Kind        Kind       `json:"kind"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Override    bool       `json:"override,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (s *Session) Active() bool { return s.CancelledAt == nil }

func (s *Session) Clone() *Session {
	cp := *s
	if s.RequestID != nil {
		id := *s.RequestID
		cp.RequestID = &id
	}
	if s.CancelledAt != nil {
		at := *s.CancelledAt
		cp.CancelledAt = &at
	}
	return &cp
}

// ReserveInput describes a session to place on a therapist's calendar.
// Override skips the availability check and is recorded on the session.
type ReserveInput struct {
	TherapistID uuid.UUID
	PatientID   uuid.UUID
	RequestID   *uuid.UUID
	Kind        Kind
	Start       time.Time
	End         time.Time
	Override    bool
}

func (in ReserveInput) validate() error {
	switch {
	case in.TherapistID == uuid.Nil:
		return fmt.Errorf("%w: therapist id is required", ErrInvalidSession)
	case in.PatientID == uuid.Nil:
		return fmt.Errorf("%w: patient id is required", ErrInvalidSession)
	case !in.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSession, in.Kind)
	case !in.End.After(in.Start):
		return fmt.Errorf("%w: end must be after start", ErrInvalidSession)
	}
	return nil
}

// findOverlap returns the first session in sorted that intersects
// [start, end), or nil. sorted must hold active, mutually disjoint sessions
// ordered by Start, so their ends are ordered too.
func findOverlap(sorted []*Session, start, end time.Time) *Session {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].End.After(start) })
	if i < len(sorted) && sorted[i].Start.Before(end) {
		return sorted[i]
	}
	return nil
}
