package inventory

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
	api.POST("/stock", h.AddStock)
	api.GET("/stock", h.ListStock)
	api.GET("/stock/:id", h.GetStock)
	api.GET("/stock/:id/items", h.ListStockItems)

	api.GET("/items/available", h.ListAvailableItems)
	api.GET("/items/:id", h.GetItem)
	api.POST("/items/:id/use", h.IncrementUsage)
	api.POST("/items/:id/discard-requests", h.CreateDiscardRequest)

	api.GET("/discard-requests", h.ListPendingDiscards)
	api.GET("/discard-requests/:id", h.GetDiscardRequest)
	api.POST("/discard-requests/:id/review", h.ProcessDiscardRequest, auth.RequireRole("admin", "inventory-manager"))

	api.POST("/sessions/:id/inventory", h.AddInventoryToSession)
	api.GET("/sessions/:id/inventory", h.ListSessionInventory)
}

type addStockRequest struct {
	ItemTypeID  int64  `json:"item_type_id" validate:"required,gt=0"`
	CenterID    int64  `json:"center_id" validate:"required,gt=0"`
	BatchNumber string `json:"batch_number" validate:"required,max=50"`
	Quantity    int    `json:"quantity" validate:"required,gt=0"`
	MaxUsage    *int   `json:"max_usage" validate:"omitempty,gt=0"`
	ExpiryDate  string `json:"expiry_date"`
}

type addStockResponse struct {
	Stock *Stock            `json:"stock"`
	Items []*IndividualItem `json:"items"`
}

type consumeRequest struct {
	ItemTypeID       int64  `json:"item_type_id" validate:"required,gt=0"`
	IndividualItemID *int64 `json:"individual_item_id" validate:"omitempty,gt=0"`
	StockID          int64  `json:"stock_id" validate:"required,gt=0"`
	Quantity         int    `json:"quantity" validate:"required,gt=0"`
	Condition        string `json:"condition" validate:"max=50"`
}

type discardRequest struct {
	DiscardType string `json:"discard_type" validate:"required,max=50"`
	Reason      string `json:"reason" validate:"required"`
}

type reviewRequest struct {
	Approve  *bool  `json:"approve" validate:"required"`
	Comments string `json:"comments"`
}

func paramID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.QueryParam(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
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

func (h *Handler) AddStock(c echo.Context) error {
	var req addStockRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	in := AddStockRequest{
		ItemTypeID:  req.ItemTypeID,
		CenterID:    req.CenterID,
		BatchNumber: req.BatchNumber,
		Quantity:    req.Quantity,
		MaxUsage:    req.MaxUsage,
	}
	if req.ExpiryDate != "" {
		d, err := timeofday.ParseDate(req.ExpiryDate)
		if err != nil {
			return apperr.Validation("%v", err)
		}
		in.ExpiryDate = &d
	}
	st, items, err := h.svc.AddStock(c.Request().Context(), in, actor(c))
	if err != nil {
		return err
	}
	if items == nil {
		items = []*IndividualItem{}
	}
	return c.JSON(http.StatusCreated, addStockResponse{Stock: st, Items: items})
}

func (h *Handler) ListStock(c echo.Context) error {
	centerID, err := queryID(c, "center_id")
	if err != nil {
		return err
	}
	itemTypeID, err := queryID(c, "item_type_id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListStock(c.Request().Context(), centerID, itemTypeID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetStock(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.GetStock(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListStockItems(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListStockItems(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListAvailableItems(c echo.Context) error {
	centerID, err := queryID(c, "center_id")
	if err != nil {
		return err
	}
	itemTypeID, err := queryID(c, "item_type_id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListAvailableItems(c.Request().Context(), centerID, itemTypeID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	it, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) IncrementUsage(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	it, err := h.svc.IncrementUsageCount(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) CreateDiscardRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req discardRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	d, err := h.svc.CreateDiscardRequest(c.Request().Context(), id, req.DiscardType, req.Reason, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListPendingDiscards(c echo.Context) error {
	centerID, err := queryID(c, "center_id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPendingDiscards(c.Request().Context(), centerID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetDiscardRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDiscardRequest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ProcessDiscardRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req reviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	d, err := h.svc.ProcessDiscardRequest(c.Request().Context(), id, *req.Approve, req.Comments, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) AddInventoryToSession(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req consumeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	u, err := h.svc.AddInventoryToSession(c.Request().Context(), ConsumeRequest{
		SessionID:        id,
		ItemTypeID:       req.ItemTypeID,
		IndividualItemID: req.IndividualItemID,
		StockID:          req.StockID,
		Quantity:         req.Quantity,
		Condition:        req.Condition,
	}, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) ListSessionInventory(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListSessionInventory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}
