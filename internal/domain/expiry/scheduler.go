package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/physiohome/engine/internal/domain/request"
)

const TypeExpireRequest = "request:expire"

type ExpirePayload struct {
	RequestID uuid.UUID `json:"request_id"`
}

// NewExpireTask builds a task that fires at the request's deadline. The task
// id is derived from the request so scheduling twice is harmless.
func NewExpireTask(requestID uuid.UUID, at time.Time) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(ExpirePayload{RequestID: requestID})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeExpireRequest, b)
	opts := []asynq.Option{
		asynq.ProcessAt(at),
		asynq.TaskID("expire:" + requestID.String()),
		asynq.MaxRetry(5),
	}
	return task, opts, nil
}

// Enqueuer is the part of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Scheduler struct {
	client Enqueuer
}

func NewScheduler(client Enqueuer) *Scheduler {
	return &Scheduler{client: client}
}

func (s *Scheduler) ScheduleExpiry(ctx context.Context, requestID uuid.UUID, at time.Time) error {
	task, opts, err := NewExpireTask(requestID, at)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue %s: %w", TypeExpireRequest, err)
	}
	return nil
}

// HandleExpireTask expires the request named in the task. Requests already
// resolved, or not yet due, are left alone; the periodic sweep covers the
// latter.
func HandleExpireTask(sw *Sweeper, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p ExpirePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TypeExpireRequest, err, asynq.SkipRetry)
		}

		_, err := sw.ExpireRequest(ctx, p.RequestID)
		switch {
		case err == nil:
			logger.Info().Str("request_id", p.RequestID.String()).Msg("request expired")
			return nil
		case errors.Is(err, request.ErrAlreadyResolved), errors.Is(err, request.ErrRequestNotFound):
			return nil
		case errors.Is(err, ErrNotDue):
			logger.Warn().Str("request_id", p.RequestID.String()).Msg("expire task ran before deadline")
			return nil
		default:
			return err
		}
	}
}

func NewServeMux(sw *Sweeper, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireRequest, HandleExpireTask(sw, logger))
	return mux
}

// RedisConnOpt parses a redis:// URL into asynq connection options.
func RedisConnOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opt, nil
}
