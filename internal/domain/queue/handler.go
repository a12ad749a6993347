package queue

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/pkg/pagination"
)

// Handler exposes the queue engine over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/queues", h.CreateQueue, auth.RequireRole(auth.RoleDoctor, auth.RoleStaff))
	g.GET("/queues", h.ListQueues)
	g.GET("/queues/:id", h.GetQueue)
	g.POST("/queues/:id/entries", h.Join, auth.RequireRole(auth.RolePatient, auth.RoleStaff))
	g.POST("/queues/:id/entries/:entryId/status", h.AdvanceStatus)
	g.POST("/queues/:id/status", h.UpdateQueueStatus, auth.RequireRole(auth.RoleDoctor, auth.RoleStaff))
	g.GET("/patients/:id/entries", h.ListPatientEntries)
}

// errorBody is the JSON error payload. The code lets clients render a
// precise message per failed precondition.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps engine errors onto HTTP statuses and machine-readable
// codes. Unknown errors become a 500 without leaking internals.
func writeError(c echo.Context, err error) error {
	var status int
	var code string
	switch {
	case errors.Is(err, ErrQueueNotFound):
		status, code = http.StatusNotFound, "queue_not_found"
	case errors.Is(err, ErrEntryNotFound):
		status, code = http.StatusNotFound, "entry_not_found"
	case errors.Is(err, ErrDuplicateActiveQueue):
		status, code = http.StatusConflict, "duplicate_active_queue"
	case errors.Is(err, ErrQueueNotActive):
		status, code = http.StatusConflict, "queue_not_active"
	case errors.Is(err, ErrQueueFull):
		status, code = http.StatusConflict, "queue_full"
	case errors.Is(err, ErrAlreadyInQueue):
		status, code = http.StatusConflict, "already_in_queue"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, ErrNotAuthorized):
		status, code = http.StatusForbidden, "not_authorized"
	default:
		return c.JSON(http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal server error"})
	}
	return c.JSON(status, errorBody{Code: code, Message: err.Error()})
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	actor := Actor{Role: auth.RoleFromContext(ctx)}
	if id, err := uuid.Parse(auth.ActorIDFromContext(ctx)); err == nil {
		actor.ID = id
	}
	return actor
}

func parseIDParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type createQueueRequest struct {
	HospitalID  uuid.UUID `json:"hospital_id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	Date        string    `json:"date"`
	MaxPatients int       `json:"max_patients"`
}

func (h *Handler) CreateQueue(c echo.Context) error {
	var req createQueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Date == "" {
		req.Date = time.Now().Format(DateLayout)
	}

	q, err := h.svc.CreateQueue(c.Request().Context(), req.HospitalID, req.DoctorID, req.Date, req.MaxPatients)
	if err != nil {
		if errors.Is(err, ErrDuplicateActiveQueue) {
			return writeError(c, err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, q)
}

func (h *Handler) ListQueues(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		date = time.Now().Format(DateLayout)
	}
	p := pagination.FromContext(c)

	if raw := c.QueryParam("doctor_id"); raw != "" {
		doctorID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		view, err := h.svc.GetViewByDoctorDate(c.Request().Context(), doctorID, date)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}

	raw := c.QueryParam("hospital_id")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "hospital_id or doctor_id is required")
	}
	hospitalID, err := uuid.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
	}

	views, total, err := h.svc.ListViewsByHospital(c.Request().Context(), hospitalID, date, p.Limit, p.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, p.Limit, p.Offset))
}

func (h *Handler) GetQueue(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetView(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type joinRequest struct {
	PatientID       uuid.UUID  `json:"patient_id"`
	Reason          string     `json:"reason"`
	AppointmentTime *time.Time `json:"appointment_time"`
}

func (h *Handler) Join(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	entry, err := h.svc.Join(c.Request().Context(), id, actorFrom(c), req.PatientID, req.Reason, req.AppointmentTime)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

type advanceRequest struct {
	Status       EntryStatus `json:"status"`
	Prescription *string     `json:"prescription"`
	FollowUpDate *time.Time  `json:"follow_up_date"`
}

func (h *Handler) AdvanceStatus(c echo.Context) error {
	queueID, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	entryID, err := parseIDParam(c, "entryId")
	if err != nil {
		return err
	}
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}

	entry, err := h.svc.AdvanceStatus(c.Request().Context(), queueID, entryID, actorFrom(c), req.Status,
		AdvanceExtra{Prescription: req.Prescription, FollowUpDate: req.FollowUpDate})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

type queueStatusRequest struct {
	Status QueueStatus `json:"status"`
}

func (h *Handler) UpdateQueueStatus(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	var req queueStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}

	q, err := h.svc.UpdateQueueStatus(c.Request().Context(), id, actorFrom(c), req.Status)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ListPatientEntries(c echo.Context) error {
	patientID, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)

	items, total, err := h.svc.ListPatientEntries(c.Request().Context(), actorFrom(c), patientID, p.Limit, p.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}
