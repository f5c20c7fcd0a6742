package availability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/physiohome/engine/internal/domain/errs"
	"github.com/physiohome/engine/internal/platform/auth"
	"github.com/physiohome/engine/internal/platform/db"
	"github.com/physiohome/engine/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleTherapist, auth.RoleAdmin))
	read.GET("/therapists", h.ListTherapists)
	read.GET("/therapists/:id", h.GetTherapist)

	write := api.Group("", auth.RequireRole(auth.RoleTherapist))
	write.PUT("/therapists/:id", h.RegisterTherapist)
	write.PUT("/therapists/:id/radius", h.SetServiceRadius)
	write.PUT("/therapists/:id/availability/:weekday", h.SetAvailability)
	write.PUT("/therapists/:id/online", h.SetOnline)
	write.PUT("/therapists/:id/vacation", h.SetVacationMode)
}

type registerBody struct {
	ServiceRadiusKm float64 `json:"service_radius_km"`
}

type availabilityBody struct {
	Intervals []Interval `json:"intervals"`
	Hours     []int      `json:"hours"`
}

type toggleBody struct {
	Enabled bool `json:"enabled"`
}

// therapistParam parses :id and checks the caller acts for that therapist.
func therapistParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok || !actor.Is(id) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "cannot act for another therapist")
	}
	return id, nil
}

func (h *Handler) RegisterTherapist(c echo.Context) error {
	id, err := therapistParam(c)
	if err != nil {
		return err
	}
	var body registerBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.RegisterTherapist(c.Request().Context(), id, body.ServiceRadiusKm)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetTherapist(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTherapists(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.List(c.Request().Context())
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg.Limit, pg.Offset), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) SetServiceRadius(c echo.Context) error {
	id, err := therapistParam(c)
	if err != nil {
		return err
	}
	var body registerBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.SetServiceRadius(c.Request().Context(), id, body.ServiceRadiusKm)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// SetAvailability accepts either explicit intervals or the hour-picker form.
func (h *Handler) SetAvailability(c echo.Context) error {
	id, err := therapistParam(c)
	if err != nil {
		return err
	}
	day, err := ParseWeekday(c.Param("weekday"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var body availabilityBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var t *Therapist
	if body.Hours != nil {
		t, err = h.svc.SetAvailabilityHours(c.Request().Context(), id, day, body.Hours)
	} else {
		t, err = h.svc.SetAvailability(c.Request().Context(), id, day, body.Intervals)
	}
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) SetOnline(c echo.Context) error {
	id, err := therapistParam(c)
	if err != nil {
		return err
	}
	var body toggleBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.SetOnline(c.Request().Context(), id, body.Enabled)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) SetVacationMode(c echo.Context) error {
	id, err := therapistParam(c)
	if err != nil {
		return err
	}
	var body toggleBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.SetVacationMode(c.Request().Context(), id, body.Enabled)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// ParseWeekday accepts 0..6 (Sunday first) or an English day name.
func ParseWeekday(s string) (time.Weekday, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, errors.New("weekday must be 0..6")
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return d, nil
		}
	}
	return 0, errors.New("unknown weekday " + strconv.Quote(s))
}

func mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrUnavailable):
		c.Response().Header().Set("Retry-After", "5")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
