// Package notification delivers clinical alerts raised by dialysis sessions
// (abnormal vital readings, complications) to subscribers, with template
// rendering, an in-memory recent-alert store, retry and Echo HTTP handlers.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/apperr"
)

// ---------------------------------------------------------------------------
// Alert Types
// ---------------------------------------------------------------------------

type AlertType string

const (
	TypeAbnormalNote AlertType = "abnormal-note"
	TypeComplication AlertType = "complication"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Alert is one clinical alert about a session.
type Alert struct {
	ID          string            `json:"id"`
	Type        AlertType         `json:"type"`
	CenterID    int64             `json:"center_id"`
	SessionID   int64             `json:"session_id"`
	Severity    string            `json:"severity,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Publishers
// ---------------------------------------------------------------------------

// Publisher pushes an alert to its subscribers.
type Publisher interface {
	Publish(ctx context.Context, a *Alert) error
}

// Channel names the pub/sub channel alerts for a center are published on.
func Channel(centerID int64) string {
	return "dialysis:alerts:" + strconv.FormatInt(centerID, 10)
}

// RedisPublisher publishes alerts as JSON on a per-center Redis channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return p.client.Publish(ctx, Channel(a.CenterID), payload).Err()
}

// LogPublisher writes alerts to the log. Used when Redis is not configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, a *Alert) error {
	p.logger.Warn().
		Str("alert_id", a.ID).
		Str("type", string(a.Type)).
		Int64("center_id", a.CenterID).
		Int64("session_id", a.SessionID).
		Str("severity", a.Severity).
		Msg(a.Subject)
	return nil
}

// RecordingPublisher keeps every published alert in memory. Test double.
type RecordingPublisher struct {
	mu     sync.Mutex
	alerts []*Alert
	Err    error
}

func (r *RecordingPublisher) Publish(_ context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	cp := *a
	r.alerts = append(r.alerts, &cp)
	return nil
}

func (r *RecordingPublisher) Alerts() []*Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	Type    AlertType
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders for each alert type.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[AlertType]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[AlertType]Template)}
	e.Register(Template{
		Type:    TypeAbnormalNote,
		Subject: "Abnormal {{note_type}} in session {{session_code}}",
		Body:    "{{note_type}} recorded as {{value}} (expected {{min}} to {{max}}) by {{actor}}.",
	})
	e.Register(Template{
		Type:    TypeComplication,
		Subject: "Complication in session {{session_code}}: {{complication_type}}",
		Body:    "{{complication_type}} reported by {{actor}}, severity {{severity}}. {{description}}",
	})
	return e
}

func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Type] = t
}

// Render fills the template for typ. Placeholders without data are left as-is.
func (e *TemplateEngine) Render(typ AlertType, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[typ]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for alert type %q", typ)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Alert Manager
// ---------------------------------------------------------------------------

// Manager renders, publishes and remembers recent alerts.
type Manager struct {
	publisher Publisher
	templates *TemplateEngine
	logger    zerolog.Logger
	capacity  int

	mu     sync.RWMutex
	alerts map[string]*Alert
	order  []string
}

// NewManager keeps at most capacity alerts, evicting the oldest.
func NewManager(pub Publisher, tpl *TemplateEngine, capacity int, logger zerolog.Logger) *Manager {
	if capacity <= 0 {
		capacity = 500
	}
	return &Manager{
		publisher: pub,
		templates: tpl,
		logger:    logger,
		capacity:  capacity,
		alerts:    make(map[string]*Alert),
	}
}

// Raise renders an alert of the given type and publishes it. A publish
// failure is recorded on the alert and logged; the alert stays retryable.
func (m *Manager) Raise(ctx context.Context, typ AlertType, centerID, sessionID int64, severity string, data map[string]string) (*Alert, error) {
	subject, body, err := m.templates.Render(typ, data)
	if err != nil {
		return nil, err
	}
	a := &Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		CenterID:  centerID,
		SessionID: sessionID,
		Severity:  severity,
		Subject:   subject,
		Body:      body,
		Data:      data,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	m.store(a)
	return a, m.publish(ctx, a)
}

func (m *Manager) publish(ctx context.Context, a *Alert) error {
	err := m.publisher.Publish(ctx, a)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		a.Status = StatusFailed
		a.Error = err.Error()
		m.logger.Error().Err(err).Str("alert_id", a.ID).Msg("publish alert")
		return err
	}
	now := time.Now().UTC()
	a.Status = StatusSent
	a.Error = ""
	a.PublishedAt = &now
	return nil
}

func (m *Manager) store(a *Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	m.order = append(m.order, a.ID)
	for len(m.order) > m.capacity {
		delete(m.alerts, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Manager) Get(id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, apperr.NotFound("alert", id)
	}
	cp := *a
	return &cp, nil
}

// ListByCenter returns the newest alerts for a center first, up to limit.
func (m *Manager) ListByCenter(centerID int64, limit int) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Alert
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.alerts[m.order[i]]
		if a.CenterID == centerID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// Retry republishes a failed alert.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	a, ok := m.alerts[id]
	var status string
	if ok {
		status = a.Status
	}
	m.mu.RUnlock()
	if !ok {
		return apperr.NotFound("alert", id)
	}
	if status != StatusFailed {
		return apperr.State("alert %s is %s, only failed alerts can be retried", id, status)
	}
	return m.publish(ctx, a)
}

// Stats counts remembered alerts by status.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, a := range m.alerts {
		stats[a.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/alerts/stats", h.HandleStats)
	g.GET("/alerts/:id", h.HandleGet)
	g.GET("/alerts", h.HandleList)
	g.POST("/alerts/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	a, err := h.manager.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// HandleList handles GET /alerts?center_id=...&limit=...
func (h *Handler) HandleList(c echo.Context) error {
	centerID, err := strconv.ParseInt(c.QueryParam("center_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "center_id query parameter is required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	list := h.manager.ListByCenter(centerID, limit)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		return err
	}
	a, err := h.manager.Get(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats())
}
