package availability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/physiohome/engine/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func actorRequest(method, body string, actor auth.Actor) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithActor(req.Context(), actor))
}

func statusOf(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestHandler_SetAvailability_Hours(t *testing.T) {
	h, e := newTestHandler()
	id := uuid.New()
	h.svc.RegisterTherapist(context.Background(), id, 10)

	req := actorRequest(http.MethodPut, `{"hours":[9,10,11]}`, auth.Actor{ID: id, Roles: []string{auth.RoleTherapist}})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id", "weekday")
	c.SetParamValues(id.String(), "tuesday")

	if err := h.SetAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var th Therapist
	if err := json.Unmarshal(rec.Body.Bytes(), &th); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := th.Weekly[time.Tuesday]; len(got) != 1 || got[0] != (Interval{9, 12}) {
		t.Errorf("expected [9,12), got %v", got)
	}
}

func TestHandler_SetAvailability_InvalidInterval(t *testing.T) {
	h, e := newTestHandler()
	id := uuid.New()
	h.svc.RegisterTherapist(context.Background(), id, 10)

	req := actorRequest(http.MethodPut, `{"intervals":[{"start":12,"end":9}]}`, auth.Actor{ID: id, Roles: []string{auth.RoleTherapist}})
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id", "weekday")
	c.SetParamValues(id.String(), "2")

	if code := statusOf(h.SetAvailability(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_OtherTherapistForbidden(t *testing.T) {
	h, e := newTestHandler()
	id := uuid.New()
	h.svc.RegisterTherapist(context.Background(), id, 10)

	req := actorRequest(http.MethodPut, `{"enabled":true}`, auth.Actor{ID: uuid.New(), Roles: []string{auth.RoleTherapist}})
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id.String())

	if code := statusOf(h.SetOnline(c)); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_AdminMayActForTherapist(t *testing.T) {
	h, e := newTestHandler()
	id := uuid.New()
	h.svc.RegisterTherapist(context.Background(), id, 10)

	req := actorRequest(http.MethodPut, `{"enabled":true}`, auth.Actor{ID: uuid.New(), Roles: []string{auth.RoleAdmin}})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())

	if err := h.SetVacationMode(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_SetOnline_OnVacationConflict(t *testing.T) {
	h, e := newTestHandler()
	id := uuid.New()
	h.svc.RegisterTherapist(context.Background(), id, 10)
	h.svc.SetVacationMode(context.Background(), id, true)

	req := actorRequest(http.MethodPut, `{"enabled":true}`, auth.Actor{ID: id, Roles: []string{auth.RoleTherapist}})
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id.String())

	if code := statusOf(h.SetOnline(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_GetTherapist_NotFound(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if code := statusOf(h.GetTherapist(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Weekday
		wantErr bool
	}{
		{"0", time.Sunday, false},
		{"6", time.Saturday, false},
		{"Tuesday", time.Tuesday, false},
		{"tue", time.Tuesday, false},
		{"7", 0, true},
		{"someday", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseWeekday(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWeekday(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseWeekday(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
