package scheduling

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/auth"
	"github.com/dialysis/dialysis/pkg/pagination"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.GET("/appointments/:id/slots", h.ListSlots)
	api.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	api.POST("/appointments/:id/cancel", h.CancelAppointment)
	api.PUT("/appointments/:id/status", h.UpdateStatus)
	api.DELETE("/appointments/:id", h.DeleteAppointment, auth.RequireRole("admin"))
	api.GET("/availability", h.CheckAvailability)
}

type createAppointmentRequest struct {
	PatientID int64               `json:"patient_id" validate:"required,gt=0"`
	CenterID  int64               `json:"center_id" validate:"required,gt=0"`
	CompanyID int64               `json:"company_id" validate:"required,gt=0"`
	Date      string              `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime timeofday.TimeOfDay `json:"start_time"`
	EndTime   timeofday.TimeOfDay `json:"end_time"`
}

type rescheduleRequest struct {
	Date      string              `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime timeofday.TimeOfDay `json:"start_time"`
	EndTime   timeofday.TimeOfDay `json:"end_time"`
	Reason    string              `json:"reason" validate:"max=500"`
}

type statusRequest struct {
	Status AppointmentStatus `json:"status" validate:"required"`
}

func paramID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(v)
}

func actor(c echo.Context) string {
	return auth.ActorFromContext(c.Request().Context())
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	date, err := timeofday.ParseDate(req.Date)
	if err != nil {
		return apperr.Validation("%v", err)
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), BookingRequest{
		PatientID: req.PatientID,
		CenterID:  req.CenterID,
		CompanyID: req.CompanyID,
		Date:      date,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// ListAppointments handles GET /appointments?center_id=&date= or ?patient_id=.
func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if p := c.QueryParam("patient_id"); p != "" {
		patientID, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListAppointmentsByPatient(ctx, patientID, pg.Limit, pg.Offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}

	centerID, err := strconv.ParseInt(c.QueryParam("center_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "center_id and date, or patient_id, are required")
	}
	date, err := timeofday.ParseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.Validation("%v", err)
	}
	items, total, err := h.svc.ListAppointmentsByCenterDate(ctx, centerID, date, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListSlots(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	slots, err := h.svc.ListSlots(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slots)
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	date, err := timeofday.ParseDate(req.Date)
	if err != nil {
		return apperr.Validation("%v", err)
	}
	a, err := h.svc.RescheduleAppointment(c.Request().Context(), id, date, req.StartTime, req.EndTime, req.Reason, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.CancelAppointment(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAppointment(c.Request().Context(), id, actor(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// CheckAvailability handles GET /availability?center_id=&date=&start=&end=[&exclude=].
func (h *Handler) CheckAvailability(c echo.Context) error {
	centerID, err := strconv.ParseInt(c.QueryParam("center_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid center_id")
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
	var exclude int64
	if x := c.QueryParam("exclude"); x != "" {
		if exclude, err = strconv.ParseInt(x, 10, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid exclude")
		}
	}
	av, err := h.svc.CheckAvailability(c.Request().Context(), centerID, date, start, end, exclude)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, av)
}
