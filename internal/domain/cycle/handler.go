package cycle

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/dialysis/internal/platform/auth"
	"github.com/dialysis/dialysis/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/cycle", h.GetPatientCycle)
	api.GET("/patients/:id/cycles", h.ListCycleHistory)
	api.POST("/cycles/sweep", h.Sweep, auth.RequireRole("admin"))
}

func patientID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

func (h *Handler) GetPatientCycle(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatientCycle(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListCycleHistory(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCycleHistory(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// Sweep runs ProcessExpiredCycles once and reports how many cycles closed.
func (h *Handler) Sweep(c echo.Context) error {
	closed, err := h.svc.ProcessExpiredCycles(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"closed": closed})
}
