package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/physiohome/engine/internal/platform/auth"
	"github.com/physiohome/engine/internal/platform/events"
)

func newClient(topics ...string) *Client {
	c := NewClient()
	c.Topics = topics
	return c
}

func claimedEvent() events.Event {
	ev := events.New(events.RequestClaimed, time.Now())
	ev.RequestID = "r1"
	ev.TherapistID = "t1"
	ev.PatientID = "p1"
	return ev
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("therapist:t1")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("therapist:t1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.TopicCount("therapist:t1"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("therapist:t1") != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishRoutesByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	therapist := newClient("therapist:t1")
	patient := newClient("patient:p1")
	other := newClient("therapist:t2")
	hub.Register(therapist)
	hub.Register(patient)
	hub.Register(other)

	if err := hub.Publish(context.Background(), claimedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, c := range map[string]*Client{"therapist": therapist, "patient": patient} {
		select {
		case msg := <-c.Send:
			var got events.Event
			if err := json.Unmarshal(msg, &got); err != nil {
				t.Fatalf("%s: decode: %v", name, err)
			}
			if got.Type != events.RequestClaimed {
				t.Errorf("%s: expected RequestClaimed, got %s", name, got.Type)
			}
		default:
			t.Errorf("%s: expected an event", name)
		}
	}

	select {
	case <-other.Send:
		t.Error("unrelated therapist should not receive the event")
	default:
	}
}

func TestHub_PublishDeliversOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("therapist:t1", "request:r1")
	hub.Register(client)

	_ = hub.Publish(context.Background(), claimedEvent())

	if n := len(client.Send); n != 1 {
		t.Errorf("expected exactly one message, got %d", n)
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{"request:r1"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	_ = hub.Publish(context.Background(), claimedEvent())
	done := make(chan struct{})
	go func() {
		_ = hub.Publish(context.Background(), claimedEvent())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full client buffer")
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient()
	hub.Register(client)

	hub.Subscribe(client, []string{"request:r1", "request:r2", "request:r1"})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics without duplicates, got %v", client.Topics)
	}

	hub.Unsubscribe(client, []string{"request:r1"})
	if hub.TopicCount("request:r1") != 0 {
		t.Error("expected no subscribers on request:r1")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "request:r2" {
		t.Errorf("expected only request:r2 left, got %v", client.Topics)
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient("request:r1")
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), claimedEvent())
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_ProcessAppliesPolicy(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	onlyOwn := func(_ auth.Actor, topic string) bool { return topic == "therapist:t1" }
	h := NewHandler(hub, onlyOwn)
	client := newClient()
	hub.Register(client)

	h.process(auth.Actor{}, client, ClientMessage{Action: "subscribe", Topics: []string{"therapist:t1", "therapist:t2"}})
	if hub.TopicCount("therapist:t1") != 1 {
		t.Error("expected own topic to be subscribed")
	}
	if hub.TopicCount("therapist:t2") != 0 {
		t.Error("expected foreign topic to be denied")
	}

	h.process(auth.Actor{}, client, ClientMessage{Action: "unsubscribe", Topics: []string{"therapist:t1"}})
	if hub.TopicCount("therapist:t1") != 0 {
		t.Error("expected unsubscribe to remove topic")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler(NewHub(zerolog.Nop()), nil).HandleConnect(c); err == nil {
		t.Error("expected error for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"request:r1"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("request:r1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Publish(context.Background(), claimedEvent())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received events.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != events.RequestClaimed || received.RequestID != "r1" {
		t.Fatalf("unexpected event: %+v", received)
	}
}

// headerActor stands in for the auth middleware: it trusts the dev actor
// headers.
func headerActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := uuid.Parse(c.Request().Header.Get(auth.HeaderActorID))
		if err != nil {
			return echo.ErrUnauthorized
		}
		actor := auth.Actor{ID: id, Roles: []string{c.Request().Header.Get(auth.HeaderActorRole)}}
		c.SetRequest(c.Request().WithContext(auth.WithActor(c.Request().Context(), actor)))
		return next(c)
	}
}

func actorHeader(id uuid.UUID, role string) http.Header {
	h := http.Header{}
	h.Set(auth.HeaderActorID, id.String())
	h.Set(auth.HeaderActorRole, role)
	return h
}

func TestHandler_PolicySeesUpgradeActorAfterContextReuse(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	e.Use(headerActor)
	ownOrAdmin := func(actor auth.Actor, topic string) bool {
		return actor.IsAdmin() || topic == "patient:"+actor.ID.String()
	}
	NewHandler(hub, ownOrAdmin).RegisterRoutes(e.Group(""))
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	server := httptest.NewServer(e)
	defer server.Close()

	patient := uuid.New()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, actorHeader(patient, auth.RolePatient))
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	// echo hands its pooled contexts to these requests in the meantime
	admin := uuid.New()
	for i := 0; i < 50; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/ping", nil)
		req.Header = actorHeader(admin, auth.RoleAdmin)
		resp, err := server.Client().Do(req)
		if err != nil {
			t.Fatalf("admin request: %v", err)
		}
		resp.Body.Close()
	}

	own := "patient:" + patient.String()
	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"request:r1", own}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(own) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("own topic subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := hub.TopicCount("request:r1"); n != 0 {
		t.Fatalf("patient subscribed to an admin-only topic: count=%d", n)
	}
}
