package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/paperrecord/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClerk, auth.RoleArchivist))
	read.GET("/patients", h.FindPatient)
	read.GET("/patients/:id", h.GetPatient)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/patients", h.CreatePatient)
	write.POST("/patients/merge", h.MergePatients)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreatePatient(c.Request().Context(), &p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

// FindPatient looks a patient up by ?identifier=.
func (h *Handler) FindPatient(c echo.Context) error {
	identifier := c.QueryParam("identifier")
	if identifier == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identifier is required")
	}
	p, err := h.svc.FindByPrimaryIdentifier(c.Request().Context(), identifier)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type mergeRequest struct {
	PreferredID    uuid.UUID `json:"preferred_id"`
	NotPreferredID uuid.UUID `json:"not_preferred_id"`
}

func (h *Handler) MergePatients(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PreferredID == uuid.Nil || req.NotPreferredID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "preferred_id and not_preferred_id are required")
	}
	p, err := h.svc.MergePatients(c.Request().Context(), req.PreferredID, req.NotPreferredID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidMerge), errors.Is(err, ErrMissingRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
