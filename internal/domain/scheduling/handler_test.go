package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/auth"
	"github.com/dialysis/dialysis/internal/platform/middleware"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	e := echo.New()
	e.Validator = middleware.NewValidator()
	return NewHandler(env.svc), env, e
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithActor(req.Context(), "nurse1", []string{"nurse"}))
}

func TestHandler_CreateAppointment(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"patient_id":1,"center_id":1,"company_id":1,"date":"2024-03-04","start_time":"09:00","end_time":"10:00"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)

	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var a Appointment
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.ID == 0 || a.CreatedBy != "nurse1" || a.Status != StatusScheduled {
		t.Errorf("unexpected appointment: %+v", a)
	}
}

func TestHandler_CreateAppointment_Invalid(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"patient_id":1,"center_id":1,"date":"2024-03-04","start_time":"09:00","end_time":"10:00"}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())

	if err := h.CreateAppointment(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for missing company_id, got %v", err)
	}
}

func TestHandler_CreateAppointment_Conflict(t *testing.T) {
	h, env, e := newTestHandler()
	mustBook(t, env.svc, booking(1, "09:00", "10:00"))
	mustBook(t, env.svc, booking(2, "09:00", "10:00"))

	body := `{"patient_id":3,"center_id":1,"company_id":1,"date":"2024-03-04","start_time":"09:30","end_time":"10:30"}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())
	if err := h.CreateAppointment(c); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestHandler_GetAppointment(t *testing.T) {
	h, env, e := newTestHandler()
	a := mustBook(t, env.svc, booking(1, "09:00", "10:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))

	if err := h.GetAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetAppointment_BadID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("abc")

	err := h.GetAppointment(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	h, env, e := newTestHandler()
	mustBook(t, env.svc, booking(1, "09:00", "10:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/appointments?center_id=1&date=2024-03-04", nil), rec)
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Errorf("expected total 1, got %d", resp.Total)
	}
}

func TestHandler_CancelAppointment(t *testing.T) {
	h, env, e := newTestHandler()
	a := mustBook(t, env.svc, booking(1, "09:00", "10:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))

	if err := h.CancelAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.appts.appts[a.ID].Status != StatusCancelled {
		t.Errorf("expected Cancelled, got %s", env.appts.appts[a.ID].Status)
	}
}

func TestHandler_RescheduleAppointment(t *testing.T) {
	h, env, e := newTestHandler()
	a := mustBook(t, env.svc, booking(1, "09:00", "10:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"date":"2024-03-05","start_time":"10:00","end_time":"11:00","reason":"transport"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))

	if err := h.RescheduleAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.appts.appts[a.ID].RescheduleRevision != 1 {
		t.Error("expected revision 1")
	}
}

func TestHandler_UpdateStatus(t *testing.T) {
	h, env, e := newTestHandler()
	a := mustBook(t, env.svc, booking(1, "09:00", "10:00"))

	c := e.NewContext(jsonRequest(http.MethodPut, `{"status":2}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))
	if err := h.UpdateStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c = e.NewContext(jsonRequest(http.MethodPut, `{"status":1}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))
	if err := h.UpdateStatus(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_DeleteAppointment(t *testing.T) {
	h, env, e := newTestHandler()
	a := mustBook(t, env.svc, booking(1, "09:00", "10:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))
	if err := h.DeleteAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_DeleteRequiresAdmin(t *testing.T) {
	h, env, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))
	a := mustBook(t, env.svc, booking(1, "09:00", "10:00"))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/appointments/"+strconv.FormatInt(a.ID, 10), nil)
	req = req.WithContext(auth.WithActor(context.Background(), "nurse1", []string{"nurse"}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if _, ok := env.appts.appts[a.ID]; !ok {
		t.Error("appointment must survive a forbidden delete")
	}
}

func TestHandler_CheckAvailability(t *testing.T) {
	h, env, e := newTestHandler()
	mustBook(t, env.svc, booking(1, "09:00", "10:00"))
	mustBook(t, env.svc, booking(2, "09:00", "10:00"))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/availability?center_id=1&date=2024-03-04&start=09:30&end=10:30", nil), rec)
	if err := h.CheckAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var av Availability
	json.Unmarshal(rec.Body.Bytes(), &av)
	if av.Available || av.Booked != 2 || av.Machines != 2 {
		t.Errorf("unexpected availability: %+v", av)
	}
}
