package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/apperr"
)

func noteData() map[string]string {
	return map[string]string{
		"note_type":    "Systolic BP",
		"session_code": "CDC-20240101-001",
		"value":        "190",
		"min":          "90",
		"max":          "160",
		"actor":        "nurse1",
	}
}

func TestTemplateEngine_Render(t *testing.T) {
	eng := NewTemplateEngine()
	subject, body, err := eng.Render(TypeAbnormalNote, noteData())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Abnormal Systolic BP in session CDC-20240101-001" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, "recorded as 190 (expected 90 to 160)") {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("unknown", nil); err == nil {
		t.Fatal("expected error for unknown alert type")
	}
}

func TestTemplateEngine_LeavesUnknownPlaceholders(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, err := eng.Render(TypeComplication, map[string]string{"complication_type": "Hypotension"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "{{severity}}") {
		t.Errorf("expected untouched placeholder, got %q", body)
	}
}

func TestManager_RaisePublishes(t *testing.T) {
	pub := &RecordingPublisher{}
	mgr := NewManager(pub, NewTemplateEngine(), 10, zerolog.Nop())

	a, err := mgr.Raise(context.Background(), TypeAbnormalNote, 3, 42, "high", noteData())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != StatusSent || a.PublishedAt == nil {
		t.Errorf("expected sent alert, got %s", a.Status)
	}
	got := pub.Alerts()
	if len(got) != 1 || got[0].SessionID != 42 || got[0].CenterID != 3 {
		t.Fatalf("unexpected published alerts: %+v", got)
	}
}

func TestManager_FailedPublishThenRetry(t *testing.T) {
	pub := &RecordingPublisher{Err: errors.New("redis down")}
	mgr := NewManager(pub, NewTemplateEngine(), 10, zerolog.Nop())

	a, err := mgr.Raise(context.Background(), TypeComplication, 1, 1, "severe", map[string]string{})
	if err == nil {
		t.Fatal("expected publish error")
	}
	stored, _ := mgr.Get(a.ID)
	if stored.Status != StatusFailed || stored.Error != "redis down" {
		t.Errorf("expected failed status, got %s (%s)", stored.Status, stored.Error)
	}

	pub.Err = nil
	if err := mgr.Retry(context.Background(), a.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	stored, _ = mgr.Get(a.ID)
	if stored.Status != StatusSent {
		t.Errorf("expected sent after retry, got %s", stored.Status)
	}

	if err := mgr.Retry(context.Background(), a.ID); !apperr.Is(err, apperr.KindState) {
		t.Errorf("expected state error retrying sent alert, got %v", err)
	}
}

func TestManager_RetryUnknown(t *testing.T) {
	mgr := NewManager(&RecordingPublisher{}, NewTemplateEngine(), 10, zerolog.Nop())
	if err := mgr.Retry(context.Background(), "nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestManager_EvictsOldest(t *testing.T) {
	mgr := NewManager(&RecordingPublisher{}, NewTemplateEngine(), 2, zerolog.Nop())
	first, _ := mgr.Raise(context.Background(), TypeAbnormalNote, 1, 1, "", noteData())
	mgr.Raise(context.Background(), TypeAbnormalNote, 1, 2, "", noteData())
	mgr.Raise(context.Background(), TypeAbnormalNote, 1, 3, "", noteData())

	if _, err := mgr.Get(first.ID); err == nil {
		t.Error("expected oldest alert to be evicted")
	}
	list := mgr.ListByCenter(1, 10)
	if len(list) != 2 || list[0].SessionID != 3 {
		t.Errorf("expected newest first, got %+v", list)
	}
}

func TestManager_Stats(t *testing.T) {
	pub := &RecordingPublisher{}
	mgr := NewManager(pub, NewTemplateEngine(), 10, zerolog.Nop())
	mgr.Raise(context.Background(), TypeAbnormalNote, 1, 1, "", noteData())
	pub.Err = errors.New("x")
	mgr.Raise(context.Background(), TypeAbnormalNote, 1, 2, "", noteData())

	stats := mgr.Stats()
	if stats[StatusSent] != 1 || stats[StatusFailed] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestChannel(t *testing.T) {
	if got := Channel(7); got != "dialysis:alerts:7" {
		t.Errorf("Channel(7) = %q", got)
	}
}

func TestLogPublisher(t *testing.T) {
	var buf strings.Builder
	p := NewLogPublisher(zerolog.New(&buf))
	if err := p.Publish(context.Background(), &Alert{ID: "a1", Subject: "Abnormal BP"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Abnormal BP") {
		t.Errorf("expected subject in log, got %s", buf.String())
	}
}

func TestHandler_ListAndGet(t *testing.T) {
	mgr := NewManager(&RecordingPublisher{}, NewTemplateEngine(), 10, zerolog.Nop())
	a, _ := mgr.Raise(context.Background(), TypeAbnormalNote, 5, 1, "", noteData())
	h := NewHandler(mgr)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/alerts?center_id=5", nil)
	rec := httptest.NewRecorder()
	if err := h.HandleList(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []Alert
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("unexpected list: %+v", list)
	}

	rec = httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID)
	if err := h.HandleGet(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListRequiresCenter(t *testing.T) {
	h := NewHandler(NewManager(&RecordingPublisher{}, NewTemplateEngine(), 10, zerolog.Nop()))
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/alerts", nil), httptest.NewRecorder())

	err := h.HandleList(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
