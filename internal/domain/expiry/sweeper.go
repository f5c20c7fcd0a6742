// Package expiry moves open requests past their deadline to expired, either
// periodically or at the deadline through a scheduled task.
package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/physiohome/engine/internal/domain/request"
	"github.com/physiohome/engine/internal/platform/events"
	"github.com/physiohome/engine/internal/platform/telemetry"
)

var ErrNotDue = errors.New("request deadline not reached")

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 200
)

type Emitter interface {
	Publish(ctx context.Context, evts ...events.Event)
}

type Sweeper struct {
	reg      request.Registry
	emitter  Emitter
	interval time.Duration
	batch    int
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

func NewSweeper(reg request.Registry, emitter Emitter, opts ...Option) *Sweeper {
	s := &Sweeper{
		reg:      reg,
		emitter:  emitter,
		interval: DefaultInterval,
		batch:    DefaultBatchSize,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExpireRequest expires one request if it is still open and its deadline has
// passed. It takes the same per-request lock as a claim, so a claim racing the
// deadline and the expiry resolve to exactly one outcome.
func (s *Sweeper) ExpireRequest(ctx context.Context, id uuid.UUID) (*request.Request, error) {
	req, err := s.reg.Update(ctx, id, func(_ context.Context, r *request.Request) error {
		if !r.IsOpen() {
			return request.ErrAlreadyResolved
		}
		now := s.now()
		if now.Before(r.Deadline) {
			return ErrNotDue
		}
		return r.Resolve(request.StatusExpired, now)
	})
	if err != nil {
		return nil, err
	}

	ev := events.New(events.RequestExpired, s.now())
	ev.RequestID = req.ID.String()
	ev.PatientID = req.PatientID.String()
	for _, c := range req.Candidates {
		ev.Recipients = append(ev.Recipients, c.String())
	}
	s.emitter.Publish(ctx, ev)
	return req, nil
}

// Sweep expires every due request and returns how many it expired. Requests
// resolved concurrently are skipped. The first unexpected error is returned
// after the pass completes.
func (s *Sweeper) Sweep(ctx context.Context) (n int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "expiry.Sweep")
	defer func() {
		span.SetAttributes(attribute.Int("expired", n))
		telemetry.End(span, err)
	}()

	var firstErr error
	for {
		due, err := s.reg.ListDue(ctx, s.now(), s.batch)
		if err != nil {
			return n, err
		}
		progressed := false
		for _, r := range due {
			_, err := s.ExpireRequest(ctx, r.ID)
			switch {
			case err == nil:
				n++
				progressed = true
			case errors.Is(err, request.ErrAlreadyResolved):
				progressed = true
			case errors.Is(err, ErrNotDue):
			default:
				s.logger.Error().Err(err).Str("request_id", r.ID.String()).Msg("expire request failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if len(due) < s.batch || !progressed {
			break
		}
	}

	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expiry sweep")
	}
	return n, firstErr
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("expiry sweep failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
