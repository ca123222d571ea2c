package session

import (
	"net/http"
	"strconv"
	"strings"
	"time"

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
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.GET("/appointments/:id/session", h.GetSessionByAppointment)
	api.POST("/sessions/:id/machine", h.AssignMachine)
	api.POST("/sessions/:id/start", h.Start)
	api.POST("/sessions/:id/complete", h.Complete)
	api.POST("/sessions/:id/terminate", h.Terminate)
	api.GET("/sessions/:id/timeline", h.ListTimeline)
	api.POST("/sessions/:id/complications", h.ReportComplication)
	api.GET("/sessions/:id/complications", h.ListComplications)
	api.POST("/complications/:id/resolve", h.ResolveComplication)
	api.POST("/sessions/:id/notes", h.AddNote)
	api.GET("/sessions/:id/notes", h.ListNotes)
	api.GET("/sessions/:id/notes/mandatory", h.MandatoryNotes)
}

type createSessionRequest struct {
	AppointmentID  int64      `json:"appointment_id" validate:"required,gt=0"`
	PatientID      int64      `json:"patient_id" validate:"required,gt=0"`
	CenterID       int64      `json:"center_id" validate:"required,gt=0"`
	Date           string     `json:"date" validate:"required"`
	ScheduledStart *time.Time `json:"scheduled_start"`
	DialysisType   string     `json:"dialysis_type" validate:"required,max=50"`
	PreNotes       string     `json:"pre_notes"`
}

type assignMachineRequest struct {
	AssetID      int64 `json:"asset_id" validate:"required,gt=0"`
	AssignmentID int64 `json:"assignment_id" validate:"required,gt=0"`
}

type completeRequest struct {
	PostNotes string `json:"post_notes"`
}

type terminateRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type complicationRequest struct {
	Type        string `json:"complication_type" validate:"required,max=100"`
	Severity    string `json:"severity" validate:"omitempty,max=20"`
	Description string `json:"description"`
	ActionTaken string `json:"action_taken"`
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

type noteRequest struct {
	NoteTypeID int64  `json:"note_type_id" validate:"required,gt=0"`
	Value      string `json:"value" validate:"required"`
}

func paramID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
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

func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	date, err := timeofday.ParseDate(req.Date)
	if err != nil {
		return apperr.Validation("%v", err)
	}
	sess, err := h.svc.CreateSession(c.Request().Context(), CreateRequest{
		AppointmentID:  req.AppointmentID,
		PatientID:      req.PatientID,
		CenterID:       req.CenterID,
		Date:           date,
		ScheduledStart: req.ScheduledStart,
		DialysisType:   req.DialysisType,
		PreNotes:       req.PreNotes,
	}, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	centerID, err := strconv.ParseInt(c.QueryParam("center_id"), 10, 64)
	if err != nil || centerID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "center_id is required")
	}
	date, err := timeofday.ParseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.Validation("%v", err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSessions(c.Request().Context(), centerID, date, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetSessionByAppointment(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSessionByAppointment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) AssignMachine(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req assignMachineRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sess, err := h.svc.AssignMachine(c.Request().Context(), id, req.AssetID, req.AssignmentID, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Start(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// Complete refuses to finish a session until every mandatory note type has
// been recorded.
func (h *Handler) Complete(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.svc.GetSession(ctx, id); err != nil {
		return err
	}
	ok, missing, err := h.svc.AreAllMandatoryNotesRecorded(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.State("mandatory notes missing: %s", strings.Join(missing, ", "))
	}
	sess, err := h.svc.Complete(ctx, id, req.PostNotes, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Terminate(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req terminateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sess, err := h.svc.Terminate(c.Request().Context(), id, req.Reason, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListTimeline(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListTimeline(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ReportComplication(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req complicationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cp, err := h.svc.ReportComplication(c.Request().Context(), id, ComplicationRequest{
		Type:        req.Type,
		Severity:    req.Severity,
		Description: req.Description,
		ActionTaken: req.ActionTaken,
	}, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cp)
}

func (h *Handler) ListComplications(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListComplications(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ResolveComplication(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cp, err := h.svc.ResolveComplication(c.Request().Context(), id, req.Notes, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cp)
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req noteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	n, err := h.svc.AddNote(c.Request().Context(), id, req.NoteTypeID, req.Value, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) ListNotes(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListNotes(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) MandatoryNotes(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	ok, missing, err := h.svc.AreAllMandatoryNotesRecorded(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if missing == nil {
		missing = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"complete": ok, "missing": missing})
}
