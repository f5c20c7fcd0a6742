package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type failingSink struct{ calls int }

func (f *failingSink) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("sink down")
}

func TestEvent_Topics(t *testing.T) {
	ev := New(RequestClaimed, time.Now())
	ev.RequestID = "r1"
	ev.TherapistID = "t1"
	ev.PatientID = "p1"

	topics := ev.Topics()
	want := []string{"therapist:t1", "patient:p1", "request:r1"}
	if len(topics) != len(want) {
		t.Fatalf("expected %d topics, got %v", len(want), topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("topic %d: expected %s, got %s", i, want[i], topics[i])
		}
	}

	bare := New(RequestExpired, time.Now())
	bare.RequestID = "r2"
	if got := bare.Topics(); len(got) != 1 || got[0] != "request:r2" {
		t.Errorf("expected only request topic, got %v", got)
	}
}

func TestEvent_WithData(t *testing.T) {
	ev := New(RequestCreated, time.Now()).WithData(map[string]int{"candidates": 3})
	var body map[string]int
	if err := json.Unmarshal(ev.Data, &body); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if body["candidates"] != 3 {
		t.Errorf("expected candidates=3, got %v", body)
	}
	if ev.ID == "" {
		t.Error("expected generated id")
	}
}

func TestBus_FailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &failingSink{}
	rec := NewRecorder()
	bus := NewBus(zerolog.Nop(), bad, rec)

	bus.Publish(context.Background(), New(RequestClaimed, time.Now()), New(RequestWithdrawnFromCandidate, time.Now()))

	if bad.calls != 2 {
		t.Errorf("expected failing sink to be called twice, got %d", bad.calls)
	}
	if len(rec.Events()) != 2 {
		t.Errorf("expected recorder to receive 2 events, got %d", len(rec.Events()))
	}
}

func TestRecorder_OfType(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	_ = rec.Publish(ctx, New(RequestClaimed, time.Now()))
	_ = rec.Publish(ctx, New(RequestWithdrawnFromCandidate, time.Now()))
	_ = rec.Publish(ctx, New(RequestWithdrawnFromCandidate, time.Now()))

	if n := len(rec.OfType(RequestWithdrawnFromCandidate)); n != 2 {
		t.Errorf("expected 2 withdrawn-from-candidate events, got %d", n)
	}
	rec.Reset()
	if n := len(rec.Events()); n != 0 {
		t.Errorf("expected empty recorder after reset, got %d", n)
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not-a-redis-url"); err == nil {
		t.Error("expected error for malformed redis url")
	}
}

func TestNewRedisPublisher_DefaultChannel(t *testing.T) {
	p := NewRedisPublisher(nil, "", "server-1")
	if p.channel != DefaultChannel {
		t.Errorf("expected %s, got %s", DefaultChannel, p.channel)
	}
}

func TestRelay_ForwardsOnlyForeignEvents(t *testing.T) {
	rec := NewRecorder()
	relay := NewRelay(nil, "", "server-1", NewBus(zerolog.Nop(), rec), zerolog.Nop())
	ctx := context.Background()

	foreign := New(RequestExpired, time.Now())
	foreign.RequestID = "r1"
	foreign.Source = "worker-1"
	own := New(RequestClaimed, time.Now())
	own.Source = "server-1"

	for _, ev := range []Event{foreign, own} {
		payload, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		relay.handle(ctx, string(payload))
	}
	relay.handle(ctx, "{not json")

	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("expected 1 relayed event, got %d", len(got))
	}
	if got[0].ID != foreign.ID || got[0].Type != RequestExpired || got[0].RequestID != "r1" {
		t.Errorf("unexpected relayed event %+v", got[0])
	}
}

// Needs a reachable redis; set PHYSIOHOME_TEST_REDIS_URL to run it.
func TestRelay_RedisRoundTrip(t *testing.T) {
	url := os.Getenv("PHYSIOHOME_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PHYSIOHOME_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer client.Close()

	channel := "physiohome:test:" + New(RequestCreated, time.Now()).ID
	rec := NewRecorder()
	relay := NewRelay(client, channel, "server-1", NewBus(zerolog.Nop(), rec), zerolog.Nop())
	relayCtx, stopRelay := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- relay.Run(relayCtx) }()

	worker := NewRedisPublisher(client, channel, "worker-1")
	server := NewRedisPublisher(client, channel, "server-1")
	expired := New(RequestExpired, time.Now())
	for len(rec.Events()) == 0 {
		// publish until the subscription is live
		_ = server.Publish(ctx, New(RequestClaimed, time.Now()))
		if err := worker.Publish(ctx, expired); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case <-ctx.Done():
			t.Fatal("event never relayed")
		case <-time.After(50 * time.Millisecond):
		}
	}

	stopRelay()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	for _, ev := range rec.Events() {
		if ev.Type != RequestExpired || ev.Source != "worker-1" {
			t.Errorf("unexpected relayed event %+v", ev)
		}
	}
}

func TestEvent_TopicsRecipients(t *testing.T) {
	ev := New(RequestCreated, time.Now())
	ev.RequestID = "r1"
	ev.PatientID = "p1"
	ev.Recipients = []string{"t1", "t2"}

	want := []string{"therapist:t1", "therapist:t2", "patient:p1", "request:r1"}
	got := ev.Topics()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
