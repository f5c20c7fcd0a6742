package claim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/physiohome/engine/internal/domain/calendar"
	"github.com/physiohome/engine/internal/domain/request"
	"github.com/physiohome/engine/internal/platform/auth"
	"github.com/physiohome/engine/internal/platform/db"
)

func newContext(e *echo.Echo, method, body string, actor auth.Actor, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 0
}

func TestHandler_CreateOpenThenClaim(t *testing.T) {
	h := newHarness(t)
	a := h.therapist(t, evening()...)
	handler, e := NewHandler(h.engine), echo.New()
	patient := auth.Actor{ID: uuid.New(), Roles: []string{auth.RolePatient}}

	body := fmt.Sprintf(`{"slots":[{"start":%q,"duration_minutes":60}],"meta":{"session_kind":"treatment-only"},"ttl_minutes":120}`,
		tuesday1800.Format("2006-01-02T15:04:05Z07:00"))
	c, rec := newContext(e, http.MethodPost, body, patient, "")
	if err := handler.CreateOpenRequest(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created request.Request
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.PatientID != patient.ID || len(created.Candidates) != 1 {
		t.Fatalf("unexpected request: %+v", created)
	}

	claim := fmt.Sprintf(`{"slot":{"start":%q,"duration_minutes":60}}`, tuesday1800.Format("2006-01-02T15:04:05Z07:00"))
	c, rec = newContext(e, http.MethodPost, claim, auth.Actor{ID: a, Roles: []string{auth.RoleTherapist}}, created.ID.String())
	if err := handler.Claim(c); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var sess calendar.Session
	json.Unmarshal(rec.Body.Bytes(), &sess)
	if sess.Kind != calendar.KindTreatmentOnly {
		t.Errorf("expected session kind from request meta, got %q", sess.Kind)
	}

	c, _ = newContext(e, http.MethodPost, claim, auth.Actor{ID: a, Roles: []string{auth.RoleTherapist}}, created.ID.String())
	err := handler.Claim(c)
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("expected 409 for second claim, got %v", err)
	}
	if he := err.(*echo.HTTPError); he.Message != "request no longer available" {
		t.Errorf("unexpected message: %v", he.Message)
	}
}

func TestHandler_ActForAnotherUser(t *testing.T) {
	h := newHarness(t)
	handler, e := NewHandler(h.engine), echo.New()
	body := fmt.Sprintf(`{"patient_id":%q,"slots":[]}`, uuid.New())

	c, _ := newContext(e, http.MethodPost, body, auth.Actor{ID: uuid.New(), Roles: []string{auth.RolePatient}}, "")
	if code := statusOf(handler.CreateOpenRequest(c)); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_GetRequest_Visibility(t *testing.T) {
	h := newHarness(t)
	a := h.therapist(t, evening()...)
	req := h.openRequest(t, 0)
	handler, e := NewHandler(h.engine), echo.New()

	tests := []struct {
		name  string
		actor auth.Actor
		want  int
	}{
		{"owner", auth.Actor{ID: req.PatientID, Roles: []string{auth.RolePatient}}, http.StatusOK},
		{"candidate", auth.Actor{ID: a, Roles: []string{auth.RoleTherapist}}, http.StatusOK},
		{"stranger", auth.Actor{ID: uuid.New(), Roles: []string{auth.RolePatient}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(e, http.MethodGet, "", tt.actor, req.ID.String())
			err := handler.GetRequest(c)
			code := rec.Code
			if err != nil {
				code = statusOf(err)
			}
			if code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_ListCandidateRequests(t *testing.T) {
	h := newHarness(t)
	a := h.therapist(t, evening()...)
	h.openRequest(t, 0)
	handler, e := NewHandler(h.engine), echo.New()

	c, rec := newContext(e, http.MethodGet, "", auth.Actor{ID: a, Roles: []string{auth.RoleTherapist}}, a.String())
	if err := handler.ListCandidateRequests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 request, got %d", page.Total)
	}

	c, _ = newContext(e, http.MethodGet, "", auth.Actor{ID: uuid.New(), Roles: []string{auth.RoleTherapist}}, a.String())
	if code := statusOf(handler.ListCandidateRequests(c)); code != http.StatusForbidden {
		t.Errorf("expected 403 for another therapist, got %d", code)
	}
}

func TestHandler_Withdraw(t *testing.T) {
	h := newHarness(t)
	req := h.openRequest(t, 0)
	handler, e := NewHandler(h.engine), echo.New()

	c, rec := newContext(e, http.MethodPost, `{}`, auth.Actor{ID: req.PatientID, Roles: []string{auth.RolePatient}}, req.ID.String())
	if err := handler.Withdraw(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", ErrRequestNotFound, http.StatusNotFound},
		{"not authorized", ErrNotAuthorized, http.StatusForbidden},
		{"not eligible", ErrNotEligible, http.StatusForbidden},
		{"already resolved", ErrAlreadyResolved, http.StatusConflict},
		{"expired", ErrExpired, http.StatusGone},
		{"slot unavailable", fmt.Errorf("%w: %w", ErrSlotUnavailable, calendar.ErrOverlap), http.StatusConflict},
		{"invalid", ErrInvalidRequest, http.StatusBadRequest},
		{"unavailable", db.Unavailable(errors.New("conn reset")), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			if got := statusOf(MapError(c, tt.err)); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
			if tt.want == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header")
			}
		})
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if he := MapError(c, ErrNotEligible).(*echo.HTTPError); he.Message != "you are not currently available for this slot" {
		t.Errorf("unexpected message: %v", he.Message)
	}
}
