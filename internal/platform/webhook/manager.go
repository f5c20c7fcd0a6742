// Package webhook delivers request lifecycle events to registered HTTP
// endpoints. Payloads are signed with HMAC-SHA256 under the endpoint secret
// and failed deliveries are retried with backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/physiohome/engine/internal/platform/events"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Endpoint is a registered webhook destination. Events holds the subscribed
// event types; "*" matches everything and a trailing "*" matches a prefix
// ("Request*").
type Endpoint struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret,omitempty"`
	Events      []string  `json:"events"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeliveryAttempt records a single delivery attempt for an event.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	EndpointID   string        `json:"endpoint_id"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	Payload      []byte        `json:"payload"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success", "failed", "pending"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DeliveryResult summarises the outcome of delivering an event to one endpoint.
type DeliveryResult struct {
	EndpointID string `json:"endpoint_id"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type ManagerOption func(*Manager)

func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; len(delays) retries are
// made after the first failure.
func WithRetryDelays(delays ...time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = delays }
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager registers endpoints and delivers events to them. It implements
// events.Publisher; Publish returns immediately and delivery happens in the
// background, one worker per endpoint so each endpoint sees events in
// publish order.
type Manager struct {
	store       Store
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	outboxes map[string]*outbox // endpoint id -> queued deliveries
	wg       sync.WaitGroup
}

type delivery struct {
	ctx   context.Context
	ep    *Endpoint
	event events.Event
}

type outbox struct {
	pending []delivery
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		logger:      zerolog.Nop(),
		outboxes:    make(map[string]*outbox),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// RegisterEndpoint validates and stores a new endpoint. An empty secret is
// replaced by a random one.
func (m *Manager) RegisterEndpoint(ctx context.Context, rawURL, secret, description string, eventTypes []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{"*"}
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:          uuid.New().String(),
		URL:         rawURL,
		Secret:      secret,
		Events:      eventTypes,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) setStatus(ctx context.Context, id, status string) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return m.store.UpdateEndpoint(ctx, ep)
}

func (m *Manager) PauseEndpoint(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusPaused)
}

func (m *Manager) ResumeEndpoint(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusActive)
}

func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (ep *Endpoint) subscribes(eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Publish queues the event on the outbox of every active, subscribed
// endpoint. The caller's cancellation does not abort delivery; Wait blocks
// until every outbox is drained.
func (m *Manager) Publish(ctx context.Context, event events.Event) error {
	bg := context.WithoutCancel(ctx)
	endpoints, err := m.targets(bg, event)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range endpoints {
		box, running := m.outboxes[ep.ID]
		if !running {
			box = &outbox{}
			m.outboxes[ep.ID] = box
		}
		box.pending = append(box.pending, delivery{ctx: bg, ep: ep, event: event})
		if !running {
			m.wg.Add(1)
			go m.drain(ep.ID, box)
		}
	}
	return nil
}

// drain delivers an endpoint's queued events one at a time, retries
// included, and retires the outbox once it is empty.
func (m *Manager) drain(endpointID string, box *outbox) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if len(box.pending) == 0 {
			delete(m.outboxes, endpointID)
			m.mu.Unlock()
			return
		}
		d := box.pending[0]
		box.pending[0] = delivery{}
		box.pending = box.pending[1:]
		m.mu.Unlock()

		attempt := m.deliverWithRetry(d.ctx, d.ep, d.event)
		if attempt.Status != "success" {
			m.logger.Warn().Str("endpoint_id", endpointID).Str("event_type", string(d.event.Type)).
				Int("attempts", attempt.Attempt).Str("error", attempt.Error).Msg("webhook delivery failed")
		}
	}
}

// Wait blocks until every background delivery started by Publish finishes.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) targets(ctx context.Context, event events.Event) ([]*Endpoint, error) {
	endpoints, _, err := m.store.ListEndpoints(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	out := endpoints[:0]
	for _, ep := range endpoints {
		if ep.Status == StatusActive && ep.subscribes(string(event.Type)) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// Deliver sends the event to every active, subscribed endpoint, retrying
// failures according to the configured delays.
func (m *Manager) Deliver(ctx context.Context, event events.Event) []DeliveryResult {
	endpoints, err := m.targets(ctx, event)
	if err != nil {
		m.logger.Error().Err(err).Msg("deliver webhook event")
		return nil
	}

	var results []DeliveryResult
	for _, ep := range endpoints {
		attempt := m.deliverWithRetry(ctx, ep, event)
		results = append(results, DeliveryResult{
			EndpointID: ep.ID,
			Success:    attempt.Status == "success",
			StatusCode: attempt.StatusCode,
			Attempts:   attempt.Attempt,
			Error:      attempt.Error,
		})
	}
	return results
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, event events.Event) *DeliveryAttempt {
	attempt := m.DeliverToEndpoint(ctx, ep, event, 1)
	for i, delay := range m.retryDelays {
		if attempt.Status == "success" {
			break
		}
		select {
		case <-ctx.Done():
			return attempt
		case <-time.After(delay):
		}
		attempt = m.DeliverToEndpoint(ctx, ep, event, i+2)
	}
	return attempt
}

// DeliverToEndpoint signs the event and POSTs it once, recording the attempt.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep *Endpoint, event events.Event, attemptNo int) *DeliveryAttempt {
	payload, _ := json.Marshal(event)
	sig := SignPayload(payload, ep.Secret)
	now := time.Now()

	attempt := &DeliveryAttempt{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventType:  string(event.Type),
		EventID:    event.ID,
		Payload:    payload,
		Signature:  sig,
		Attempt:    attemptNo,
		Status:     "pending",
		CreatedAt:  now,
	}
	defer func() {
		if err := m.store.RecordDelivery(ctx, attempt); err != nil {
			m.logger.Error().Err(err).Str("endpoint_id", ep.ID).Msg("record webhook delivery")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", string(event.Type))
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
	} else {
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}

// RetryDelivery re-sends the payload of a recorded attempt once.
func (m *Manager) RetryDelivery(ctx context.Context, deliveryID string) (*DeliveryAttempt, error) {
	original, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.store.GetEndpoint(ctx, original.EndpointID)
	if err != nil {
		return nil, err
	}

	var event events.Event
	if err := json.Unmarshal(original.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode original payload: %w", err)
	}
	return m.DeliverToEndpoint(ctx, ep, event, original.Attempt+1), nil
}

// TestEndpoint sends a synthetic "WebhookTest" event to check connectivity.
func (m *Manager) TestEndpoint(ctx context.Context, endpointID string) (*DeliveryAttempt, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	ev := events.New("WebhookTest", time.Now()).WithData(map[string]bool{"test": true})
	return m.DeliverToEndpoint(ctx, ep, ev, 1), nil
}

func (m *Manager) GetDeliveryLogs(ctx context.Context, endpointID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}
