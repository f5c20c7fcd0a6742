// Package events carries request lifecycle notifications from the engine to
// its subscribers: websocket clients, webhook endpoints and a redis channel.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Type string

const (
	RequestCreated                Type = "RequestCreated"
	RequestClaimed                Type = "RequestClaimed"
	RequestExpired                Type = "RequestExpired"
	RequestWithdrawn              Type = "RequestWithdrawn"
	RequestWithdrawnFromCandidate Type = "RequestWithdrawnFromCandidate"
	SessionCancelled              Type = "SessionCancelled"
)

// Event is a single lifecycle notification. Ids are empty when they do not
// apply (a RequestExpired event has no session). Recipients are further
// therapist ids the event is addressed to, such as the candidates of a newly
// created open request. Source names the process that put the event on the
// redis channel.
type Event struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	RequestID   string          `json:"request_id,omitempty"`
	TherapistID string          `json:"therapist_id,omitempty"`
	PatientID   string          `json:"patient_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Recipients  []string        `json:"recipients,omitempty"`
	Source      string          `json:"source,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// New stamps an event with a fresh id and timestamp.
func New(t Type, at time.Time) Event {
	return Event{ID: uuid.New().String(), Type: t, Timestamp: at.UTC()}
}

// WithData attaches a JSON payload. Marshal failures leave Data empty.
func (e Event) WithData(v interface{}) Event {
	if b, err := json.Marshal(v); err == nil {
		e.Data = b
	}
	return e
}

// Topics lists the routing keys an event is delivered on.
func (e Event) Topics() []string {
	var topics []string
	if e.TherapistID != "" {
		topics = append(topics, "therapist:"+e.TherapistID)
	}
	for _, id := range e.Recipients {
		if id != e.TherapistID {
			topics = append(topics, "therapist:"+id)
		}
	}
	if e.PatientID != "" {
		topics = append(topics, "patient:"+e.PatientID)
	}
	if e.RequestID != "" {
		topics = append(topics, "request:"+e.RequestID)
	}
	return topics
}

// Publisher is implemented by every sink the Bus fans out to.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus fans events out to its sinks in registration order. A failing sink is
// logged and never stops delivery to the rest, nor fails the caller.
type Bus struct {
	sinks  []Publisher
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger, sinks ...Publisher) *Bus {
	return &Bus{sinks: sinks, logger: logger}
}

// Add registers another sink. Not safe to call concurrently with Publish.
func (b *Bus) Add(sink Publisher) {
	b.sinks = append(b.sinks, sink)
}

func (b *Bus) Publish(ctx context.Context, evts ...Event) {
	for _, ev := range evts {
		for _, sink := range b.sinks {
			if err := sink.Publish(ctx, ev); err != nil {
				b.logger.Error().Err(err).
					Str("event_id", ev.ID).
					Str("event_type", string(ev.Type)).
					Str("request_id", ev.RequestID).
					Msg("event sink failed")
			}
		}
		b.logger.Debug().
			Str("event_type", string(ev.Type)).
			Str("request_id", ev.RequestID).
			Str("therapist_id", ev.TherapistID).
			Msg("event published")
	}
}
