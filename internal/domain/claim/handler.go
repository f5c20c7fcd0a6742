package claim

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/physiohome/engine/internal/domain/errs"
	"github.com/physiohome/engine/internal/domain/request"
	"github.com/physiohome/engine/internal/platform/auth"
	"github.com/physiohome/engine/internal/platform/db"
	"github.com/physiohome/engine/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/requests/direct", h.CreateDirectRequest)
	patient.POST("/requests/open", h.CreateOpenRequest)
	patient.POST("/requests/:id/withdraw", h.Withdraw)
	patient.GET("/patients/:id/requests", h.ListPatientRequests)

	therapist := api.Group("", auth.RequireRole(auth.RoleTherapist))
	therapist.GET("/therapists/:id/requests", h.ListCandidateRequests)
	therapist.POST("/requests/:id/claim", h.Claim)
	therapist.POST("/requests/:id/decline", h.Decline)

	participant := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleTherapist))
	participant.GET("/requests/:id", h.GetRequest)
	participant.POST("/sessions/:id/cancel", h.CancelSession)
}

type createBody struct {
	TherapistID *uuid.UUID     `json:"therapist_id,omitempty"`
	PatientID   *uuid.UUID     `json:"patient_id,omitempty"`
	Slots       []request.Slot `json:"slots"`
	Meta        request.Meta   `json:"meta"`
	TTLMinutes  int            `json:"ttl_minutes"`
}

type claimBody struct {
	TherapistID *uuid.UUID   `json:"therapist_id,omitempty"`
	Slot        request.Slot `json:"slot"`
}

type actorBody struct {
	TherapistID *uuid.UUID `json:"therapist_id,omitempty"`
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
}

// actingAs resolves whom the caller acts for. Only admins may name someone
// other than themselves.
func actingAs(c echo.Context, named *uuid.UUID) (uuid.UUID, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if named == nil || *named == actor.ID {
		return actor.ID, nil
	}
	if !actor.IsAdmin() {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "cannot act for another user")
	}
	return *named, nil
}

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) bindCreate(c echo.Context) (createBody, CreateInput, error) {
	var body createBody
	if err := c.Bind(&body); err != nil {
		return body, CreateInput{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := actingAs(c, body.PatientID)
	if err != nil {
		return body, CreateInput{}, err
	}
	return body, CreateInput{
		PatientID: patientID,
		Slots:     body.Slots,
		Meta:      body.Meta,
		TTL:       time.Duration(body.TTLMinutes) * time.Minute,
	}, nil
}

func (h *Handler) CreateDirectRequest(c echo.Context) error {
	body, in, err := h.bindCreate(c)
	if err != nil {
		return err
	}
	if body.TherapistID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "therapist_id is required")
	}
	req, err := h.engine.CreateDirectRequest(c.Request().Context(), *body.TherapistID, in)
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) CreateOpenRequest(c echo.Context) error {
	_, in, err := h.bindCreate(c)
	if err != nil {
		return err
	}
	req, err := h.engine.CreateOpenRequest(c.Request().Context(), in)
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	req, err := h.engine.GetRequest(c.Request().Context(), id)
	if err != nil {
		return MapError(c, err)
	}
	actor, _ := auth.ActorFromContext(c.Request().Context())
	if !canView(actor, req) {
		return MapError(c, ErrRequestNotFound)
	}
	return c.JSON(http.StatusOK, req)
}

func canView(actor auth.Actor, req *request.Request) bool {
	if actor.Is(req.PatientID) || req.IsCandidate(actor.ID) {
		return true
	}
	return req.ClaimedBy != nil && *req.ClaimedBy == actor.ID
}

func (h *Handler) ListPatientRequests(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if _, err := actingAs(c, &id); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.ListPatientRequests(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListCandidateRequests(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if _, err := actingAs(c, &id); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.ListCandidateRequests(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Claim(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body claimBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	therapistID, err := actingAs(c, body.TherapistID)
	if err != nil {
		return err
	}
	sess, err := h.engine.Claim(c.Request().Context(), id, therapistID, body.Slot)
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) Decline(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body actorBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	therapistID, err := actingAs(c, body.TherapistID)
	if err != nil {
		return err
	}
	if _, err := h.engine.Decline(c.Request().Context(), id, therapistID); err != nil {
		return MapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Withdraw(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body actorBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patientID, err := actingAs(c, body.PatientID)
	if err != nil {
		return err
	}
	req, err := h.engine.Withdraw(c.Request().Context(), id, patientID)
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) CancelSession(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sess, err := h.engine.GetSession(ctx, id)
	if err != nil {
		return MapError(c, err)
	}
	actor, _ := auth.ActorFromContext(ctx)
	if !actor.Is(sess.TherapistID) && !actor.Is(sess.PatientID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a participant of this session")
	}
	sess, err = h.engine.CancelSession(ctx, id)
	if err != nil {
		return MapError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// MapError translates engine errors into HTTP errors with the messages
// shown to end users.
func MapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotEligible):
		return echo.NewHTTPError(http.StatusForbidden, "you are not currently available for this slot")
	case errors.Is(err, ErrNotAuthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrExpired):
		return echo.NewHTTPError(http.StatusGone, "request expired")
	case errors.Is(err, ErrSlotUnavailable):
		return echo.NewHTTPError(http.StatusConflict, "slot unavailable")
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, "request no longer available")
	case errors.Is(err, errs.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrUnavailable):
		c.Response().Header().Set("Retry-After", "5")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
