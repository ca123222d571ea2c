package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/domain/asset"
	"github.com/dialysis/dialysis/internal/domain/scheduling"
	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/db"
	"github.com/dialysis/dialysis/internal/platform/metrics"
	"github.com/dialysis/dialysis/internal/platform/notification"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

// AppointmentUpdater moves the owning appointment through its state machine.
type AppointmentUpdater interface {
	UpdateStatus(ctx context.Context, id int64, newStatus scheduling.AppointmentStatus, actor string) (*scheduling.Appointment, error)
}

// AssignmentManager is the part of the allocator a session touches.
type AssignmentManager interface {
	GetAssignment(ctx context.Context, id int64) (*asset.Assignment, error)
	CompleteAssignment(ctx context.Context, id int64, actor string) (*asset.Assignment, error)
	CancelAssignment(ctx context.Context, id int64, actor string) (*asset.Assignment, error)
}

// Alerter publishes clinical alerts after a transaction commits.
type Alerter interface {
	Raise(ctx context.Context, typ notification.AlertType, centerID, sessionID int64, severity string, data map[string]string) (*notification.Alert, error)
}

type Repositories struct {
	Sessions      SessionRepository
	Timeline      TimelineRepository
	Complications ComplicationRepository
	Notes         NoteRepository
	NoteTypes     NoteTypeRepository
}

type Service struct {
	sessions      SessionRepository
	timeline      TimelineRepository
	complications ComplicationRepository
	notes         NoteRepository
	noteTypes     NoteTypeRepository
	appointments  AppointmentUpdater
	assignments   AssignmentManager
	alerts        Alerter
	tx            db.Transactor
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	typeCache     *cache.Cache
	now           func() time.Time
}

// NewService wires the session engine. alerts may be nil. Note types are
// cached for noteTypeTTL.
func NewService(repos Repositories, appointments AppointmentUpdater, assignments AssignmentManager, alerts Alerter,
	tx db.Transactor, m *metrics.Metrics, noteTypeTTL time.Duration, logger zerolog.Logger) *Service {
	if noteTypeTTL <= 0 {
		noteTypeTTL = 5 * time.Minute
	}
	return &Service{
		sessions:      repos.Sessions,
		timeline:      repos.Timeline,
		complications: repos.Complications,
		notes:         repos.Notes,
		noteTypes:     repos.NoteTypes,
		appointments:  appointments,
		assignments:   assignments,
		alerts:        alerts,
		tx:            tx,
		metrics:       m,
		logger:        logger.With().Str("component", "sessions").Logger(),
		typeCache:     cache.New(noteTypeTTL, 2*noteTypeTTL),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) appendTimeline(ctx context.Context, sessionID int64, eventType, description, actor string) error {
	e := &TimelineEntry{
		SessionID:   sessionID,
		EventType:   eventType,
		Description: description,
		OccurredAt:  s.now(),
		Actor:       actor,
	}
	if err := s.timeline.Append(ctx, e); err != nil {
		return apperr.Storage("append session timeline", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id int64) (*Session, error) {
	sess, err := s.sessions.GetForUpdate(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "session", id)
	}
	return sess, nil
}

// CreateSession opens a NotStarted session for a Scheduled appointment and
// moves the appointment to InProgress.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest, actor string) (*Session, error) {
	defer s.metrics.Observe("create_session", time.Now())
	if err := req.Validate(); err != nil {
		return nil, err
	}
	date := timeofday.DateOf(req.Date)

	sess := &Session{
		AppointmentID:  req.AppointmentID,
		PatientID:      req.PatientID,
		CenterID:       req.CenterID,
		SessionDate:    date,
		ScheduledStart: req.ScheduledStart,
		DialysisType:   strings.TrimSpace(req.DialysisType),
		PreNotes:       optional(req.PreNotes),
		Status:         StatusNotStarted,
		CreatedBy:      actor,
	}

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		existing, err := s.sessions.GetByAppointment(ctx, req.AppointmentID)
		switch {
		case err == nil:
			return apperr.Conflict("appointment %d already has session %s", req.AppointmentID, existing.SessionCode)
		case !errors.Is(err, pgx.ErrNoRows):
			return apperr.Storage("load session by appointment", err)
		}

		appt, err := s.appointments.UpdateStatus(ctx, req.AppointmentID, scheduling.StatusInProgress, actor)
		if err != nil {
			return err
		}
		if appt.PatientID != req.PatientID || appt.CenterID != req.CenterID {
			return apperr.Validation("appointment %d belongs to patient %d at center %d",
				appt.ID, appt.PatientID, appt.CenterID)
		}

		name, err := s.sessions.CenterName(ctx, req.CenterID)
		if err != nil {
			return apperr.FromStore(err, "center", req.CenterID)
		}
		seq, err := s.sessions.NextSequence(ctx, req.CenterID, date)
		if err != nil {
			return apperr.Storage("next session sequence", err)
		}
		sess.SessionCode = GenerateSessionCode(name, date, seq)

		if err := s.sessions.Create(ctx, sess); err != nil {
			if db.IsUniqueViolation(err, "") {
				return apperr.Conflict("session code %s is taken, retry", sess.SessionCode)
			}
			return apperr.Storage("insert session", err)
		}
		return s.appendTimeline(ctx, sess.ID, TimelineSessionCreated,
			fmt.Sprintf("Session %s created for appointment %d", sess.SessionCode, sess.AppointmentID), actor)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SessionEvent("create")
	s.logger.Info().Int64("session_id", sess.ID).Str("session_code", sess.SessionCode).
		Int64("appointment_id", sess.AppointmentID).Str("actor", actor).Msg("session created")
	return sess, nil
}

// AssignMachine attaches an Active assignment of the session's appointment.
// A different assignment already on the session is cancelled in the same
// transaction so its machine is released.
func (s *Service) AssignMachine(ctx context.Context, sessionID, assetID, assignmentID int64, actor string) (*Session, error) {
	var sess *Session
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if sess, err = s.load(ctx, sessionID); err != nil {
			return err
		}
		if sess.Status.IsTerminal() {
			return apperr.State("cannot assign a machine to a session that is %s", sess.Status)
		}
		a, err := s.assignments.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.AppointmentID != sess.AppointmentID || a.AssetID != assetID {
			return apperr.Validation("assignment %d does not bind machine %d to appointment %d",
				assignmentID, assetID, sess.AppointmentID)
		}
		if a.Status != asset.AssignmentActive {
			return apperr.State("assignment %d is %s", assignmentID, a.Status)
		}
		if sess.AssignmentID != nil && *sess.AssignmentID != assignmentID {
			if err := s.releaseAssignment(ctx, sess, actor); err != nil {
				return err
			}
		}
		if err := s.sessions.AssignMachine(ctx, sessionID, assetID, assignmentID, actor); err != nil {
			return apperr.Storage("assign machine", err)
		}
		sess.AssetID, sess.AssignmentID = &assetID, &assignmentID
		return s.appendTimeline(ctx, sessionID, TimelineMachineAssigned,
			fmt.Sprintf("Machine %d assigned (assignment %d)", assetID, assignmentID), actor)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SessionEvent("assign_machine")
	return sess, nil
}

func (s *Service) Start(ctx context.Context, sessionID int64, actor string) (*Session, error) {
	var sess *Session
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if sess, err = s.load(ctx, sessionID); err != nil {
			return err
		}
		to, err := Transition(sess.Status, EventStart)
		if err != nil {
			return err
		}
		now := s.now()
		if err := s.sessions.MarkStarted(ctx, sessionID, now, actor); err != nil {
			return apperr.Storage("start session", err)
		}
		sess.Status, sess.ActualStart, sess.UpdatedBy = to, &now, &actor
		return s.appendTimeline(ctx, sessionID, TimelineSessionStarted, "Session started", actor)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SessionEvent("start")
	s.logger.Info().Int64("session_id", sessionID).Str("actor", actor).Msg("session started")
	return sess, nil
}

// Complete finishes an InProgress session. The appointment moves to
// Completed, which also updates the patient's treatment cycle, and the
// machine assignment is closed.
func (s *Service) Complete(ctx context.Context, sessionID int64, postNotes, actor string) (*Session, error) {
	sess, err := s.finish(ctx, sessionID, EventComplete, func(sess *Session) {
		sess.PostNotes = optional(postNotes)
	}, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("session_id", sessionID).Str("actor", actor).Msg("session completed")
	return sess, nil
}

// Terminate stops a session early. The appointment moves to Terminated.
func (s *Service) Terminate(ctx context.Context, sessionID int64, reason, actor string) (*Session, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("termination reason is required")
	}
	sess, err := s.finish(ctx, sessionID, EventTerminate, func(sess *Session) {
		sess.TerminationReason = optional(reason)
	}, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Warn().Int64("session_id", sessionID).Str("reason", reason).Str("actor", actor).Msg("session terminated")
	return sess, nil
}

func (s *Service) finish(ctx context.Context, sessionID int64, ev Event, apply func(*Session), actor string) (*Session, error) {
	apptStatus, timelineType := scheduling.StatusCompleted, TimelineSessionCompleted
	if ev == EventTerminate {
		apptStatus, timelineType = scheduling.StatusTerminated, TimelineSessionTerminated
	}

	var sess *Session
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if sess, err = s.load(ctx, sessionID); err != nil {
			return err
		}
		to, err := Transition(sess.Status, ev)
		if err != nil {
			return err
		}

		now := s.now()
		sess.Status, sess.ActualEnd, sess.UpdatedBy = to, &now, &actor
		if sess.ActualStart != nil {
			minutes := int(now.Sub(*sess.ActualStart).Minutes())
			sess.DurationMinutes = &minutes
		}
		apply(sess)
		if err := s.sessions.MarkFinished(ctx, sess, actor); err != nil {
			return apperr.Storage("finish session", err)
		}

		if _, err := s.appointments.UpdateStatus(ctx, sess.AppointmentID, apptStatus, actor); err != nil {
			return err
		}
		if err := s.closeAssignment(ctx, sess, actor); err != nil {
			return err
		}
		return s.appendTimeline(ctx, sessionID, timelineType, finishDescription(sess), actor)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.SessionEvent(string(ev))
	return sess, nil
}

func finishDescription(sess *Session) string {
	var b strings.Builder
	if sess.Status == StatusTerminated {
		b.WriteString("Session terminated")
		if sess.TerminationReason != nil {
			b.WriteString(": " + *sess.TerminationReason)
		}
	} else {
		b.WriteString("Session completed")
	}
	if sess.DurationMinutes != nil {
		fmt.Fprintf(&b, " after %d minutes", *sess.DurationMinutes)
	}
	return b.String()
}

// closeAssignment completes the linked assignment if it is still Active.
func (s *Service) closeAssignment(ctx context.Context, sess *Session, actor string) error {
	if sess.AssignmentID == nil {
		return nil
	}
	a, err := s.assignments.GetAssignment(ctx, *sess.AssignmentID)
	if err != nil {
		return err
	}
	if a.Status != asset.AssignmentActive {
		return nil
	}
	_, err = s.assignments.CompleteAssignment(ctx, a.ID, actor)
	return err
}

// releaseAssignment cancels the session's current assignment if it is still
// Active.
func (s *Service) releaseAssignment(ctx context.Context, sess *Session, actor string) error {
	prev, err := s.assignments.GetAssignment(ctx, *sess.AssignmentID)
	if err != nil {
		return err
	}
	if prev.Status != asset.AssignmentActive {
		return nil
	}
	if _, err := s.assignments.CancelAssignment(ctx, prev.ID, actor); err != nil {
		return err
	}
	return s.appendTimeline(ctx, sess.ID, TimelineMachineReleased,
		fmt.Sprintf("Machine %d released (assignment %d)", prev.AssetID, prev.ID), actor)
}

// ReportComplication records a complication without changing the session
// status. An alert is raised after commit.
func (s *Service) ReportComplication(ctx context.Context, sessionID int64, req ComplicationRequest, actor string) (*Complication, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, apperr.Validation("complication type is required")
	}
	c := &Complication{
		SessionID:        sessionID,
		ComplicationType: strings.TrimSpace(req.Type),
		Severity:         optional(req.Severity),
		Description:      optional(req.Description),
		ActionTaken:      optional(req.ActionTaken),
		ReportedBy:       actor,
	}

	var sess *Session
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if sess, err = s.load(ctx, sessionID); err != nil {
			return err
		}
		c.OccurredAt = s.now()
		if err := s.complications.Create(ctx, c); err != nil {
			return apperr.Storage("insert complication", err)
		}
		desc := "Complication reported: " + c.ComplicationType
		if c.Severity != nil {
			desc += " (severity " + *c.Severity + ")"
		}
		return s.appendTimeline(ctx, sessionID, TimelineComplicationReported, desc, actor)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SessionEvent("complication")
	s.raise(ctx, notification.TypeComplication, sess, deref(c.Severity, "unspecified"), map[string]string{
		"session_code":      sess.SessionCode,
		"complication_type": c.ComplicationType,
		"severity":          deref(c.Severity, "unspecified"),
		"description":       deref(c.Description, ""),
		"actor":             actor,
	})
	return c, nil
}

// ResolveComplication stamps the resolution time and appends notes.
func (s *Service) ResolveComplication(ctx context.Context, id int64, notes, actor string) (*Complication, error) {
	var c *Complication
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.complications.GetForUpdate(ctx, id)
		if err != nil {
			return apperr.FromStore(err, "complication", id)
		}
		if c.IsResolved() {
			return apperr.State("complication %d was already resolved", id)
		}
		now := s.now()
		n := optional(notes)
		if err := s.complications.Resolve(ctx, id, now, n); err != nil {
			return apperr.Storage("resolve complication", err)
		}
		c.ResolvedAt = &now
		if n != nil {
			if c.ResolutionNotes != nil {
				joined := *c.ResolutionNotes + "\n" + *n
				n = &joined
			}
			c.ResolutionNotes = n
		}
		return s.appendTimeline(ctx, c.SessionID, TimelineComplicationResolved,
			"Complication resolved: "+c.ComplicationType, actor)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) noteType(ctx context.Context, id int64) (*NoteType, error) {
	key := strconv.FormatInt(id, 10)
	if v, ok := s.typeCache.Get(key); ok {
		return v.(*NoteType), nil
	}
	t, err := s.noteTypes.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "note type", id)
	}
	s.typeCache.SetDefault(key, t)
	return t, nil
}

// AddNote records a vital or observation. Numeric values outside the note
// type's bounds are flagged abnormal and raise an alert after commit.
func (s *Service) AddNote(ctx context.Context, sessionID, noteTypeID int64, rawValue, actor string) (*Note, error) {
	rawValue = strings.TrimSpace(rawValue)
	if rawValue == "" {
		return nil, apperr.Validation("note value is required")
	}
	nt, err := s.noteType(ctx, noteTypeID)
	if err != nil {
		return nil, err
	}

	n := &Note{
		SessionID:  sessionID,
		NoteTypeID: noteTypeID,
		RawValue:   rawValue,
		RecordedBy: actor,
	}
	if nt.IsNumeric {
		v, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			return nil, apperr.Validation("%s expects a numeric value, got %q", nt.Name, rawValue)
		}
		n.NumericValue = &v
		n.IsAbnormal = nt.OutOfRange(v)
		n.AlertGenerated = n.IsAbnormal
	}

	var sess *Session
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if sess, err = s.load(ctx, sessionID); err != nil {
			return err
		}
		n.RecordedAt = s.now()
		if err := s.notes.Create(ctx, n); err != nil {
			return apperr.Storage("insert session note", err)
		}
		return s.appendTimeline(ctx, sessionID, TimelineNoteRecorded, noteDescription(nt, n), actor)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.SessionEvent("note")
	if n.AlertGenerated {
		s.raise(ctx, notification.TypeAbnormalNote, sess, "warning", map[string]string{
			"session_code": sess.SessionCode,
			"note_type":    nt.Name,
			"value":        rawValue,
			"min":          formatBound(nt.MinValue),
			"max":          formatBound(nt.MaxValue),
			"actor":        actor,
		})
	}
	return n, nil
}

func noteDescription(nt *NoteType, n *Note) string {
	desc := nt.Name + " = " + n.RawValue
	if nt.Unit != nil {
		desc += " " + *nt.Unit
	}
	if n.IsAbnormal {
		desc = AbnormalPrefix + desc + fmt.Sprintf(" (expected %s to %s)", formatBound(nt.MinValue), formatBound(nt.MaxValue))
	}
	return desc
}

func formatBound(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func deref(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// AreAllMandatoryNotesRecorded reports whether every mandatory note type has
// at least one note on the session, and names the missing ones.
func (s *Service) AreAllMandatoryNotesRecorded(ctx context.Context, sessionID int64) (bool, []string, error) {
	mandatory, err := s.noteTypes.ListMandatory(ctx)
	if err != nil {
		return false, nil, apperr.Storage("list mandatory note types", err)
	}
	recorded, err := s.notes.RecordedTypeIDs(ctx, sessionID)
	if err != nil {
		return false, nil, apperr.Storage("list recorded note types", err)
	}
	seen := make(map[int64]bool, len(recorded))
	for _, id := range recorded {
		seen[id] = true
	}
	var missing []string
	for _, t := range mandatory {
		if !seen[t.ID] {
			missing = append(missing, t.Name)
		}
	}
	return len(missing) == 0, missing, nil
}

// LogEvent appends a timeline row for an existing session. It joins the
// caller's transaction when there is one.
func (s *Service) LogEvent(ctx context.Context, sessionID int64, eventType, description, actor string) error {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		return apperr.FromStore(err, "session", sessionID)
	}
	return s.appendTimeline(ctx, sessionID, eventType, description, actor)
}

func (s *Service) raise(ctx context.Context, typ notification.AlertType, sess *Session, severity string, data map[string]string) {
	if s.alerts == nil {
		return
	}
	a, err := s.alerts.Raise(ctx, typ, sess.CenterID, sess.ID, severity, data)
	if err != nil {
		s.logger.Error().Err(err).Int64("session_id", sess.ID).Str("alert_type", string(typ)).Msg("raise alert")
		return
	}
	s.logger.Info().Int64("session_id", sess.ID).Str("alert_id", a.ID).Str("alert_type", string(typ)).Msg("alert raised")
}

func (s *Service) GetSession(ctx context.Context, id int64) (*Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "session", id)
	}
	return sess, nil
}

func (s *Service) GetSessionByAppointment(ctx context.Context, appointmentID int64) (*Session, error) {
	sess, err := s.sessions.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, apperr.FromStore(err, "session for appointment", appointmentID)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, centerID int64, date time.Time, limit, offset int) ([]*Session, int, error) {
	items, total, err := s.sessions.ListByCenterDate(ctx, centerID, timeofday.DateOf(date), limit, offset)
	if err != nil {
		return nil, 0, apperr.Storage("list sessions", err)
	}
	return items, total, nil
}

func (s *Service) ListTimeline(ctx context.Context, sessionID int64) ([]*TimelineEntry, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	items, err := s.timeline.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Storage("list session timeline", err)
	}
	return items, nil
}

func (s *Service) ListComplications(ctx context.Context, sessionID int64) ([]*Complication, error) {
	items, err := s.complications.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Storage("list complications", err)
	}
	return items, nil
}

func (s *Service) ListNotes(ctx context.Context, sessionID int64) ([]*Note, error) {
	items, err := s.notes.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Storage("list session notes", err)
	}
	return items, nil
}
