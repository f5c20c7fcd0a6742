package request

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/physiohome/engine/internal/domain/calendar"
	"github.com/physiohome/engine/internal/domain/errs"
)

var (
	ErrRequestNotFound = fmt.Errorf("request %w", errs.ErrNotFound)
	ErrAlreadyResolved = fmt.Errorf("%w: request no longer available", errs.ErrConflict)
	ErrInvalidRequest  = fmt.Errorf("%w: request", errs.ErrInvalid)

	errConcurrentUpdate = fmt.Errorf("%w: request modified concurrently", errs.ErrConflict)
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusClaimed   Status = "claimed"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
)

func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusExpired || s == StatusWithdrawn
}

// ValidTransition reports whether a request may move from one status to
// another. Only open requests move, and only to a terminal status.
func ValidTransition(from, to Status) bool {
	return from == StatusOpen && to.Terminal()
}

type Kind string

const (
	KindDirect Kind = "direct"
	KindOpen   Kind = "open"
)

// Slot is one time window a patient offers for the visit.
type Slot struct {
	Start    time.Time
	Duration time.Duration
}

func (s Slot) End() time.Time { return s.Start.Add(s.Duration) }

func (s Slot) Equal(o Slot) bool {
	return s.Start.Equal(o.Start) && s.Duration == o.Duration
}

type slotJSON struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal(slotJSON{Start: s.Start, DurationMinutes: int(s.Duration / time.Minute)})
}

func (s *Slot) UnmarshalJSON(b []byte) error {
	var v slotJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s.Start = v.Start
	s.Duration = time.Duration(v.DurationMinutes) * time.Minute
	return nil
}

// Meta is descriptive data carried with a request. Distances are supplied by
// the caller; the engine never computes them.
type Meta struct {
	CaseDescription      string                `json:"case_description,omitempty"`
	SessionKind          calendar.Kind         `json:"session_kind"`
	Address              string                `json:"address,omitempty"`
	DistanceKm           *float64              `json:"distance_km,omitempty"`
	TherapistDistancesKm map[uuid.UUID]float64 `json:"therapist_distances_km,omitempty"`
}

// DistanceFor returns the distance to a therapist, preferring the
// per-therapist figure. ok is false when no distance is known.
func (m Meta) DistanceFor(therapistID uuid.UUID) (km float64, ok bool) {
	if d, found := m.TherapistDistancesKm[therapistID]; found {
		return d, true
	}
	if m.DistanceKm != nil {
		return *m.DistanceKm, true
	}
	return 0, false
}

// Request is a patient's ask for a home visit.
type Request struct {
	ID                uuid.UUID   `json:"id"`
	Kind              Kind        `json:"kind"`
	PatientID         uuid.UUID   `json:"patient_id"`
	TargetTherapistID *uuid.UUID  `json:"target_therapist_id,omitempty"`
	Candidates        []uuid.UUID `json:"candidates"`
	Declined          []uuid.UUID `json:"declined,omitempty"`
	Slots             []Slot      `json:"slots"`
	Meta              Meta        `json:"meta"`
	Status            Status      `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	Deadline          time.Time   `json:"deadline"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
	ClaimedBy         *uuid.UUID  `json:"claimed_by,omitempty"`
	SessionID         *uuid.UUID  `json:"session_id,omitempty"`
	Version           int         `json:"version"`
}

func (r *Request) Clone() *Request {
	cp := *r
	cp.Candidates = append([]uuid.UUID(nil), r.Candidates...)
	cp.Declined = append([]uuid.UUID(nil), r.Declined...)
	cp.Slots = append([]Slot(nil), r.Slots...)
	if r.Meta.TherapistDistancesKm != nil {
		cp.Meta.TherapistDistancesKm = make(map[uuid.UUID]float64, len(r.Meta.TherapistDistancesKm))
		for k, v := range r.Meta.TherapistDistancesKm {
			cp.Meta.TherapistDistancesKm[k] = v
		}
	}
	return &cp
}

func (r *Request) IsOpen() bool { return r.Status == StatusOpen }

// IsCandidate reports whether the therapist may currently claim: the target
// of a direct request, or a member of an open request's candidate set.
func (r *Request) IsCandidate(therapistID uuid.UUID) bool {
	if r.Kind == KindDirect {
		return r.TargetTherapistID != nil && *r.TargetTherapistID == therapistID
	}
	for _, id := range r.Candidates {
		if id == therapistID {
			return true
		}
	}
	return false
}

// HasSlotAfter reports whether any offered slot starts after t.
func (r *Request) HasSlotAfter(t time.Time) bool {
	for _, s := range r.Slots {
		if s.Start.After(t) {
			return true
		}
	}
	return false
}

// Offers reports whether s is one of the request's slots.
func (r *Request) Offers(s Slot) bool {
	for _, o := range r.Slots {
		if o.Equal(s) {
			return true
		}
	}
	return false
}

// RemoveCandidate drops a therapist from the candidate set and records the
// decline. It reports whether the therapist was a candidate.
func (r *Request) RemoveCandidate(therapistID uuid.UUID) bool {
	for i, id := range r.Candidates {
		if id == therapistID {
			r.Candidates = append(r.Candidates[:i:i], r.Candidates[i+1:]...)
			r.Declined = append(r.Declined, therapistID)
			return true
		}
	}
	return false
}

// Resolve moves the request to a terminal status.
func (r *Request) Resolve(to Status, at time.Time) error {
	if !r.IsOpen() {
		return ErrAlreadyResolved
	}
	if !ValidTransition(r.Status, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidRequest, r.Status, to)
	}
	at = at.UTC()
	r.Status = to
	r.ResolvedAt = &at
	return nil
}
