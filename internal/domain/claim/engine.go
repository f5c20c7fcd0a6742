// Package claim coordinates the session request lifecycle: creating direct
// and open requests, claiming them onto a therapist's calendar, declining and
// withdrawing. Exactly one claim can succeed per request.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/physiohome/engine/internal/domain/availability"
	"github.com/physiohome/engine/internal/domain/calendar"
	"github.com/physiohome/engine/internal/domain/matching"
	"github.com/physiohome/engine/internal/domain/request"
	"github.com/physiohome/engine/internal/platform/events"
	"github.com/physiohome/engine/internal/platform/telemetry"
)

// Emitter receives lifecycle events after each committed transition.
type Emitter interface {
	Publish(ctx context.Context, evts ...events.Event)
}

// ExpiryScheduler arranges for a request to be expired at its deadline.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, requestID uuid.UUID, at time.Time) error
}

type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	MaxSlots   int
}

func DefaultConfig() Config {
	return Config{DefaultTTL: 24 * time.Hour, MaxTTL: 72 * time.Hour, MaxSlots: 3}
}

type Engine struct {
	avail     *availability.Service
	cal       *calendar.Service
	reg       request.Registry
	index     *matching.Index
	emitter   Emitter
	scheduler ExpiryScheduler
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithScheduler(s ExpiryScheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(avail *availability.Service, cal *calendar.Service, reg request.Registry,
	index *matching.Index, emitter Emitter, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		avail:   avail,
		cal:     cal,
		reg:     reg,
		index:   index,
		emitter: emitter,
		cfg:     cfg,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CreateInput carries what a patient submits. A zero TTL selects the
// configured default.
type CreateInput struct {
	PatientID uuid.UUID
	Slots     []request.Slot
	Meta      request.Meta
	TTL       time.Duration
}

func (e *Engine) validate(in *CreateInput, now time.Time) error {
	if in.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	}
	if len(in.Slots) == 0 || len(in.Slots) > e.cfg.MaxSlots {
		return fmt.Errorf("%w: between 1 and %d slots required, got %d", ErrInvalidRequest, e.cfg.MaxSlots, len(in.Slots))
	}
	for i, s := range in.Slots {
		if s.Duration <= 0 || s.Duration%time.Minute != 0 {
			return fmt.Errorf("%w: slot %d duration must be a positive number of minutes", ErrInvalidRequest, i)
		}
		if !s.Start.After(now) {
			return fmt.Errorf("%w: slot %d starts in the past", ErrInvalidRequest, i)
		}
		for _, prev := range in.Slots[:i] {
			if prev.Equal(s) {
				return fmt.Errorf("%w: slot %d is offered twice", ErrInvalidRequest, i)
			}
		}
	}
	switch {
	case in.TTL == 0:
		in.TTL = e.cfg.DefaultTTL
	case in.TTL < 0 || in.TTL > e.cfg.MaxTTL:
		return fmt.Errorf("%w: ttl must be between 0 and %s", ErrInvalidRequest, e.cfg.MaxTTL)
	}
	if in.Meta.SessionKind == "" {
		in.Meta.SessionKind = calendar.KindConsultationTreatment
	}
	if !in.Meta.SessionKind.Valid() {
		return fmt.Errorf("%w: unknown session kind %q", ErrInvalidRequest, in.Meta.SessionKind)
	}
	return nil
}

func (e *Engine) newRequest(in CreateInput, kind request.Kind, now time.Time) *request.Request {
	slots := make([]request.Slot, len(in.Slots))
	for i, s := range in.Slots {
		slots[i] = request.Slot{Start: s.Start.UTC(), Duration: s.Duration}
	}
	return &request.Request{
		ID:        uuid.New(),
		Kind:      kind,
		PatientID: in.PatientID,
		Slots:     slots,
		Meta:      in.Meta,
		Status:    request.StatusOpen,
		CreatedAt: now.UTC(),
		Deadline:  now.Add(in.TTL).UTC(),
		Version:   1,
	}
}

// CreateDirectRequest addresses a request to one therapist, who becomes its
// only candidate.
func (e *Engine) CreateDirectRequest(ctx context.Context, therapistID uuid.UUID, in CreateInput) (*request.Request, error) {
	now := e.now()
	if err := e.validate(&in, now); err != nil {
		return nil, err
	}
	if _, err := e.avail.Get(ctx, therapistID); err != nil {
		return nil, err
	}

	req := e.newRequest(in, request.KindDirect, now)
	target := therapistID
	req.TargetTherapistID = &target
	req.Candidates = []uuid.UUID{therapistID}
	return e.publish(ctx, req)
}

// CreateOpenRequest broadcasts a request to every currently eligible
// therapist. A request with no candidates is still stored and simply
// expires.
func (e *Engine) CreateOpenRequest(ctx context.Context, in CreateInput) (*request.Request, error) {
	now := e.now()
	if err := e.validate(&in, now); err != nil {
		return nil, err
	}

	req := e.newRequest(in, request.KindOpen, now)
	candidates, err := e.index.Candidates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("match candidates: %w", err)
	}
	req.Candidates = candidates
	return e.publish(ctx, req)
}

func (e *Engine) publish(ctx context.Context, req *request.Request) (*request.Request, error) {
	if err := e.reg.Create(ctx, req); err != nil {
		return nil, err
	}
	if e.scheduler != nil {
		if err := e.scheduler.ScheduleExpiry(ctx, req.ID, req.Deadline); err != nil {
			e.logger.Warn().Err(err).Str("request_id", req.ID.String()).
				Msg("schedule expiry failed, relying on periodic sweep")
		}
	}

	ev := events.New(events.RequestCreated, req.CreatedAt)
	ev.RequestID = req.ID.String()
	ev.PatientID = req.PatientID.String()
	for _, id := range req.Candidates {
		ev.Recipients = append(ev.Recipients, id.String())
	}
	e.emitter.Publish(ctx, ev.WithData(req))

	e.logger.Info().
		Str("request_id", req.ID.String()).
		Str("kind", string(req.Kind)).
		Int("candidates", len(req.Candidates)).
		Time("deadline", req.Deadline).
		Msg("request created")
	return req, nil
}

// Claim commits therapistID to the request at chosen. Lookup, authorization,
// deadline, reservation and the status change run under the request's
// exclusive lock, so concurrent claims have a single winner and losers see
// ErrAlreadyResolved.
func (e *Engine) Claim(ctx context.Context, requestID, therapistID uuid.UUID, chosen request.Slot) (sess *calendar.Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, "claim.Claim",
		attribute.String("request_id", requestID.String()),
		attribute.String("therapist_id", therapistID.String()))
	defer func() { telemetry.End(span, err) }()

	var others []uuid.UUID
	req, err := e.reg.Update(ctx, requestID, func(ctx context.Context, r *request.Request) error {
		now := e.now()
		if err := checkOpen(r); err != nil {
			return err
		}
		if err := e.authorize(ctx, r, therapistID, chosen); err != nil {
			return err
		}
		if now.After(r.Deadline) {
			return ErrExpired
		}
		if !chosen.Start.After(now) {
			return fmt.Errorf("%w: slot started at %s", ErrSlotUnavailable, chosen.Start.Format(time.RFC3339))
		}

		reqID := r.ID
		s, err := e.cal.Reserve(ctx, calendar.ReserveInput{
			TherapistID: therapistID,
			PatientID:   r.PatientID,
			RequestID:   &reqID,
			Kind:        r.Meta.SessionKind,
			Start:       chosen.Start,
			End:         chosen.End(),
		})
		if err != nil {
			if errors.Is(err, calendar.ErrOverlap) || errors.Is(err, calendar.ErrOutsideAvailability) {
				return fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
			}
			return err
		}

		if err := r.Resolve(request.StatusClaimed, now); err != nil {
			return err
		}
		winner := therapistID
		r.ClaimedBy = &winner
		r.SessionID = &s.ID
		sess = s
		if r.Kind == request.KindOpen {
			others = without(r.Candidates, therapistID)
		}
		return nil
	})
	if err != nil {
		e.logger.Info().Err(err).
			Str("request_id", requestID.String()).
			Str("therapist_id", therapistID.String()).
			Msg("claim rejected")
		return nil, err
	}

	at := e.now()
	ev := events.New(events.RequestClaimed, at)
	ev.RequestID = req.ID.String()
	ev.TherapistID = therapistID.String()
	ev.PatientID = req.PatientID.String()
	ev.SessionID = sess.ID.String()
	evts := []events.Event{ev.WithData(sess)}
	for _, id := range others {
		evts = append(evts, withdrawnFrom(req.ID, id, at))
	}
	e.emitter.Publish(ctx, evts...)

	e.logger.Info().
		Str("request_id", req.ID.String()).
		Str("therapist_id", therapistID.String()).
		Str("session_id", sess.ID.String()).
		Msg("request claimed")
	return sess, nil
}

// checkOpen rejects requests that can no longer change. An expired request
// reports ErrExpired so a late claim gets the same answer whether or not the
// sweeper has already run.
func checkOpen(r *request.Request) error {
	switch r.Status {
	case request.StatusOpen:
		return nil
	case request.StatusExpired:
		return ErrExpired
	default:
		return ErrAlreadyResolved
	}
}

func (e *Engine) authorize(ctx context.Context, r *request.Request, therapistID uuid.UUID, chosen request.Slot) error {
	if !r.IsCandidate(therapistID) {
		return ErrNotAuthorized
	}
	if !r.Offers(chosen) {
		return ErrSlotNotOffered
	}
	if r.Kind == request.KindDirect {
		return nil
	}
	ok, err := e.avail.IsEligible(ctx, therapistID, chosen.Start, chosen.Duration)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEligible
	}
	return nil
}

// Decline removes the therapist from an open request's candidates. The
// request stays open even when no candidates remain.
func (e *Engine) Decline(ctx context.Context, requestID, therapistID uuid.UUID) (req *request.Request, err error) {
	ctx, span := telemetry.StartSpan(ctx, "claim.Decline",
		attribute.String("request_id", requestID.String()),
		attribute.String("therapist_id", therapistID.String()))
	defer func() { telemetry.End(span, err) }()

	req, err = e.reg.Update(ctx, requestID, func(_ context.Context, r *request.Request) error {
		if err := checkOpen(r); err != nil {
			return err
		}
		if r.Kind == request.KindDirect {
			return fmt.Errorf("%w: direct requests cannot be declined", ErrNotAuthorized)
		}
		if !r.RemoveCandidate(therapistID) {
			return ErrNotAuthorized
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("request_id", requestID.String()).
		Str("therapist_id", therapistID.String()).
		Int("remaining", len(req.Candidates)).
		Msg("request declined")
	return req, nil
}

// Withdraw lets the owning patient cancel an open request.
func (e *Engine) Withdraw(ctx context.Context, requestID, patientID uuid.UUID) (req *request.Request, err error) {
	ctx, span := telemetry.StartSpan(ctx, "claim.Withdraw",
		attribute.String("request_id", requestID.String()))
	defer func() { telemetry.End(span, err) }()

	req, err = e.reg.Update(ctx, requestID, func(_ context.Context, r *request.Request) error {
		if r.PatientID != patientID {
			return ErrNotAuthorized
		}
		if err := checkOpen(r); err != nil {
			return err
		}
		now := e.now()
		if now.After(r.Deadline) {
			return ErrExpired
		}
		return r.Resolve(request.StatusWithdrawn, now)
	})
	if err != nil {
		return nil, err
	}

	at := e.now()
	ev := events.New(events.RequestWithdrawn, at)
	ev.RequestID = req.ID.String()
	ev.PatientID = req.PatientID.String()
	evts := []events.Event{ev}
	for _, id := range req.Candidates {
		evts = append(evts, withdrawnFrom(req.ID, id, at))
	}
	e.emitter.Publish(ctx, evts...)

	e.logger.Info().Str("request_id", req.ID.String()).Msg("request withdrawn")
	return req, nil
}

// CancelSession cancels a committed session. The originating request keeps
// its claimed status.
func (e *Engine) CancelSession(ctx context.Context, sessionID uuid.UUID) (*calendar.Session, error) {
	s, err := e.cal.Cancel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ev := events.New(events.SessionCancelled, e.now())
	ev.SessionID = s.ID.String()
	ev.TherapistID = s.TherapistID.String()
	ev.PatientID = s.PatientID.String()
	if s.RequestID != nil {
		ev.RequestID = s.RequestID.String()
	}
	e.emitter.Publish(ctx, ev.WithData(s))
	return s, nil
}

// ListCandidateRequests lists the open requests a therapist may claim now:
// before their deadline and with at least one slot still ahead.
func (e *Engine) ListCandidateRequests(ctx context.Context, therapistID uuid.UUID, limit, offset int) ([]*request.Request, int, error) {
	return e.reg.ListOpenForTherapist(ctx, therapistID, e.now(), limit, offset)
}

func (e *Engine) GetRequest(ctx context.Context, id uuid.UUID) (*request.Request, error) {
	return e.reg.Get(ctx, id)
}

func (e *Engine) ListPatientRequests(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*request.Request, int, error) {
	return e.reg.ListByPatient(ctx, patientID, limit, offset)
}

func (e *Engine) GetSession(ctx context.Context, id uuid.UUID) (*calendar.Session, error) {
	return e.cal.Get(ctx, id)
}

func (e *Engine) ListTherapistSessions(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]*calendar.Session, error) {
	return e.cal.ListByTherapist(ctx, therapistID, from, to)
}

func (e *Engine) SetAvailability(ctx context.Context, therapistID uuid.UUID, day time.Weekday, hours []int) (*availability.Therapist, error) {
	return e.avail.SetAvailabilityHours(ctx, therapistID, day, hours)
}

func (e *Engine) SetOnline(ctx context.Context, therapistID uuid.UUID, online bool) (*availability.Therapist, error) {
	return e.avail.SetOnline(ctx, therapistID, online)
}

func (e *Engine) SetVacationMode(ctx context.Context, therapistID uuid.UUID, vacation bool) (*availability.Therapist, error) {
	return e.avail.SetVacationMode(ctx, therapistID, vacation)
}

func withdrawnFrom(requestID, therapistID uuid.UUID, at time.Time) events.Event {
	ev := events.New(events.RequestWithdrawnFromCandidate, at)
	ev.RequestID = requestID.String()
	ev.TherapistID = therapistID.String()
	return ev
}

func without(ids []uuid.UUID, drop uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
