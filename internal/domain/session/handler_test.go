package session

import (
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

func withID(c echo.Context, id int64) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(id, 10))
	return c
}

func TestHandler_CreateSession(t *testing.T) {
	h, env, e := newTestHandler()
	body := `{"appointment_id":10,"patient_id":100,"center_id":1,"date":"2024-01-01","dialysis_type":"Hemodialysis"}`
	rec := httptest.NewRecorder()

	if err := h.CreateSession(e.NewContext(jsonRequest(http.MethodPost, body), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var s Session
	json.Unmarshal(rec.Body.Bytes(), &s)
	if s.SessionCode != "CDC-20240101-001" || s.CreatedBy != "nurse1" {
		t.Errorf("unexpected session: %+v", s)
	}
	if len(env.sessions.items) != 1 {
		t.Errorf("expected one stored session, got %d", len(env.sessions.items))
	}
}

func TestHandler_CreateSession_MissingType(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"appointment_id":10,"patient_id":100,"center_id":1,"date":"2024-01-01"}`
	err := h.CreateSession(e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder()))
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_Complete_RequiresMandatoryNotes(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.create(t, 10, 100)
	env.svc.Start(jsonRequest(http.MethodPost, "").Context(), sess.ID, "nurse1")

	c := withID(e.NewContext(jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder()), sess.ID)
	err := h.Complete(c)
	if !apperr.Is(err, apperr.KindState) || !strings.Contains(err.Error(), "Systolic BP") {
		t.Fatalf("expected state error naming the missing note, got %v", err)
	}

	for _, body := range []string{`{"note_type_id":1,"value":"120"}`, `{"note_type_id":2,"value":"70"}`} {
		rec := httptest.NewRecorder()
		if err := h.AddNote(withID(e.NewContext(jsonRequest(http.MethodPost, body), rec), sess.ID)); err != nil {
			t.Fatalf("add note: %v", err)
		}
		if rec.Code != http.StatusCreated {
			t.Errorf("expected 201, got %d", rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	c = withID(e.NewContext(jsonRequest(http.MethodPost, `{"post_notes":"ok"}`), rec), sess.ID)
	if err := h.Complete(c); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"Completed"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_Terminate_RequiresReason(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.create(t, 10, 100)

	c := withID(e.NewContext(jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder()), sess.ID)
	if err := h.Terminate(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_GetSession_BadID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodGet, ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("abc")

	err := h.GetSession(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_MandatoryNotes(t *testing.T) {
	h, env, e := newTestHandler()
	sess := env.create(t, 10, 100)

	rec := httptest.NewRecorder()
	if err := h.MandatoryNotes(withID(e.NewContext(jsonRequest(http.MethodGet, ""), rec), sess.ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Complete bool     `json:"complete"`
		Missing  []string `json:"missing"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Complete || len(body.Missing) != 2 {
		t.Errorf("unexpected body: %+v", body)
	}
}
