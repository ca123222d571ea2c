package asset

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/auth"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/assignments", h.CreateAssignment)
	api.GET("/assignments/:id", h.GetAssignment)
	api.POST("/assignments/:id/complete", h.CompleteAssignment)
	api.POST("/assignments/:id/cancel", h.CancelAssignment)
	api.GET("/assets/:id/assignments", h.ListAssignments)
	api.GET("/appointments/:id/assignments", h.ListAppointmentAssignments)
	api.GET("/assets/:id/availability", h.CheckAvailability)
}

type createAssignmentRequest struct {
	AssetID         int64               `json:"asset_id" validate:"required,gt=0"`
	AppointmentID   int64               `json:"appointment_id" validate:"required,gt=0"`
	Date            string              `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime       timeofday.TimeOfDay `json:"start_time"`
	DurationMinutes int                 `json:"duration_minutes" validate:"required,gt=0,lte=1440"`
	Notes           string              `json:"notes" validate:"max=1000"`
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateAssignment(c echo.Context) error {
	var req createAssignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	date, err := timeofday.ParseDate(req.Date)
	if err != nil {
		return apperr.Validation("%v", err)
	}
	a, err := h.svc.CreateAssignment(c.Request().Context(), AssignmentRequest{
		AssetID:         req.AssetID,
		AppointmentID:   req.AppointmentID,
		Date:            date,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Notes:           req.Notes,
	}, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAssignment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAssignment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CompleteAssignment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.svc.CompleteAssignment(c.Request().Context(), id, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAssignment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.svc.CancelAssignment(c.Request().Context(), id, auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// ListAssignments handles GET /assets/:id/assignments?date=.
func (h *Handler) ListAssignments(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	date, err := timeofday.ParseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.Validation("%v", err)
	}
	items, err := h.svc.ListAssignments(c.Request().Context(), id, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListAppointmentAssignments(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListAppointmentAssignments(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

// CheckAvailability handles GET /assets/:id/availability?date=&start=&end=.
func (h *Handler) CheckAvailability(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	date, err := timeofday.ParseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.Validation("%v", err)
	}
	start, err := timeofday.Parse(c.QueryParam("start"))
	if err != nil {
		return apperr.Validation("start: %v", err)
	}
	end, err := timeofday.Parse(c.QueryParam("end"))
	if err != nil {
		return apperr.Validation("end: %v", err)
	}
	ok, err := h.svc.IsAssetAvailable(c.Request().Context(), id, date, start, end)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"asset_id": id, "available": ok})
}
