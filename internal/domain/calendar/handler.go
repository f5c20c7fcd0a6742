package calendar

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/physiohome/engine/internal/domain/errs"
	"github.com/physiohome/engine/internal/platform/auth"
	"github.com/physiohome/engine/internal/platform/db"
)

// defaultWindow is how far ahead ListSessions looks when no range is given.
const defaultWindow = 14 * 24 * time.Hour

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleTherapist, auth.RolePatient))
	read.GET("/sessions/:id", h.GetSession)
	read.GET("/therapists/:id/sessions", h.ListSessions)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/sessions", h.BookOverride)
}

type overrideBody struct {
	TherapistID uuid.UUID  `json:"therapist_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	RequestID   *uuid.UUID `json:"request_id,omitempty"`
	Kind        Kind       `json:"kind"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return MapError(c, err)
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	if !actor.Is(s.TherapistID) && !actor.Is(s.PatientID) {
		return MapError(c, ErrSessionNotFound)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListSessions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	if !actor.Is(id) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another therapist's calendar")
	}

	from := time.Now().UTC()
	if v := c.QueryParam("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC3339")
		}
	}
	to := from.Add(defaultWindow)
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC3339")
		}
	}
	if !to.After(from) {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be after from")
	}

	items, err := h.svc.ListByTherapist(c.Request().Context(), id, from, to)
	if err != nil {
		return MapError(c, err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, items)
}

// BookOverride places a session outside declared availability. Overlap with
// other sessions is still rejected.
func (h *Handler) BookOverride(c echo.Context) error {
	var body overrideBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.svc.Reserve(c.Request().Context(), ReserveInput{
		TherapistID: body.TherapistID,
		PatientID:   body.PatientID,
		RequestID:   body.RequestID,
		Kind:        body.Kind,
		Start:       body.Start,
		End:         body.End,
		Override:    true,
	})
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

// MapError translates calendar errors to HTTP errors.
func MapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrOverlap), errors.Is(err, ErrOutsideAvailability):
		return echo.NewHTTPError(http.StatusConflict, "slot unavailable")
	case errors.Is(err, errs.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrUnavailable):
		c.Response().Header().Set("Retry-After", "5")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
