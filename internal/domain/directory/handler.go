package directory

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/pkg/pagination"
)

// Handler exposes the directory over HTTP. Reads are open to any
// authenticated actor; writes are staff-only.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	staffOnly := auth.RequireRole(auth.RoleStaff)

	g.GET("/hospitals", h.ListHospitals)
	g.GET("/hospitals/:id", h.GetHospital)
	g.POST("/hospitals", h.CreateHospital, staffOnly)

	g.GET("/doctors", h.ListDoctors)
	g.GET("/doctors/:id", h.GetDoctor)
	g.POST("/doctors", h.CreateDoctor, staffOnly)
}

func (h *Handler) CreateHospital(c echo.Context) error {
	var hosp Hospital
	if err := c.Bind(&hosp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreateHospital(c.Request().Context(), &hosp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, hosp)
}

func (h *Handler) GetHospital(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital id")
	}
	hosp, err := h.svc.GetHospital(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "hospital not found")
	}
	return c.JSON(http.StatusOK, hosp)
}

func (h *Handler) ListHospitals(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListHospitals(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list hospitals")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) CreateDoctor(c echo.Context) error {
	var doc Doctor
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreateDoctor(c.Request().Context(), &doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor id")
	}
	doc, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "doctor not found")
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	p := pagination.FromContext(c)

	hospitalID := uuid.Nil
	if raw := c.QueryParam("hospital_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		hospitalID = id
	}

	items, total, err := h.svc.ListDoctors(c.Request().Context(), hospitalID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list doctors")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}
