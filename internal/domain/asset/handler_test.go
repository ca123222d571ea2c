package asset

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/middleware"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _ := newTestService()
	e := echo.New()
	e.Validator = middleware.NewValidator()
	return NewHandler(svc), svc, e
}

func TestHandler_CreateAssignment(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"asset_id":1,"appointment_id":2,"date":"2024-03-04","start_time":"09:00","duration_minutes":240}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.CreateAssignment(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateAssignment_MissingDuration(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"asset_id":1,"appointment_id":2,"date":"2024-03-04","start_time":"09:00"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	if err := h.CreateAssignment(e.NewContext(req, httptest.NewRecorder())); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_CancelAssignment(t *testing.T) {
	h, svc, e := newTestHandler()
	a, _ := svc.CreateAssignment(nil, request(1, 2, "09:00", 60), "tech1")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))
	if err := h.CancelAssignment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Assignment
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != AssignmentCancelled {
		t.Errorf("expected Cancelled, got %s", got.Status)
	}
}

func TestHandler_CheckAvailability(t *testing.T) {
	h, svc, e := newTestHandler()
	svc.CreateAssignment(nil, request(1, 2, "09:00", 60), "tech1")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?date=2024-03-04&start=09:30&end=10:00", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := h.CheckAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Available bool `json:"available"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Available {
		t.Error("expected machine unavailable")
	}
}

func TestHandler_ListAppointmentAssignments(t *testing.T) {
	h, svc, e := newTestHandler()
	svc.CreateAssignment(nil, request(1, 2, "09:00", 60), "tech1")
	svc.CreateAssignment(nil, request(3, 4, "09:00", 60), "tech1")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("2")
	if err := h.ListAppointmentAssignments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []Assignment
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got) != 1 || got[0].AssetID != 1 || got[0].AppointmentID != 2 {
		t.Errorf("unexpected assignments %+v", got)
	}
}
