package session

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/dialysis/dialysis/internal/platform/apperr"
)

type Status string

const (
	StatusNotStarted Status = "NotStarted"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusTerminated Status = "Terminated"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

type Event string

const (
	EventStart     Event = "start"
	EventComplete  Event = "complete"
	EventTerminate Event = "terminate"
)

var transitions = map[Event]map[Status]Status{
	EventStart:     {StatusNotStarted: StatusInProgress},
	EventComplete:  {StatusInProgress: StatusCompleted},
	EventTerminate: {StatusNotStarted: StatusTerminated, StatusInProgress: StatusTerminated},
}

// Transition returns the status reached by applying ev in from, or a
// StateError when the pair is not legal.
func Transition(from Status, ev Event) (Status, error) {
	legal, ok := transitions[ev]
	if !ok {
		return "", apperr.Validation("unknown session event %q", ev)
	}
	to, ok := legal[from]
	if !ok {
		return "", apperr.State("cannot %s a session that is %s", ev, from)
	}
	return to, nil
}

// Timeline event types.
const (
	TimelineSessionCreated       = "SessionCreated"
	TimelineMachineAssigned      = "MachineAssigned"
	TimelineMachineReleased      = "MachineReleased"
	TimelineSessionStarted       = "SessionStarted"
	TimelineSessionCompleted     = "SessionCompleted"
	TimelineSessionTerminated    = "SessionTerminated"
	TimelineComplicationReported = "ComplicationReported"
	TimelineComplicationResolved = "ComplicationResolved"
	TimelineNoteRecorded         = "NoteRecorded"
	TimelineInventoryUsed        = "InventoryUsed"
)

// AbnormalPrefix marks timeline descriptions of out-of-range readings.
const AbnormalPrefix = "ABNORMAL: "

// GenerateSessionCode builds codes like CDC-20240101-001 from the initials of
// the center name, the session date and a per-center daily sequence.
func GenerateSessionCode(centerName string, date time.Time, seq int) string {
	var initials strings.Builder
	for _, word := range strings.Fields(centerName) {
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				initials.WriteRune(unicode.ToUpper(r))
				break
			}
		}
	}
	prefix := initials.String()
	if prefix == "" {
		prefix = "DS"
	}
	return fmt.Sprintf("%s-%s-%03d", prefix, date.Format("20060102"), seq)
}

// Session is one dialysis treatment, owned 1:1 by an appointment.
type Session struct {
	ID                int64      `json:"id"`
	SessionCode       string     `json:"session_code"`
	AppointmentID     int64      `json:"appointment_id"`
	PatientID         int64      `json:"patient_id"`
	CenterID          int64      `json:"center_id"`
	AssetID           *int64     `json:"asset_id,omitempty"`
	AssignmentID      *int64     `json:"assignment_id,omitempty"`
	SessionDate       time.Time  `json:"session_date"`
	ScheduledStart    *time.Time `json:"scheduled_start,omitempty"`
	ActualStart       *time.Time `json:"actual_start,omitempty"`
	ActualEnd         *time.Time `json:"actual_end,omitempty"`
	DurationMinutes   *int       `json:"duration_minutes,omitempty"`
	DialysisType      string     `json:"dialysis_type"`
	PreNotes          *string    `json:"pre_notes,omitempty"`
	PostNotes         *string    `json:"post_notes,omitempty"`
	TerminationReason *string    `json:"termination_reason,omitempty"`
	Status            Status     `json:"status"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedBy         *string    `json:"updated_by,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TimelineEntry is one append-only audit row of a session.
type TimelineEntry struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"session_id"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
	Actor       string    `json:"actor"`
}

type Complication struct {
	ID               int64      `json:"id"`
	SessionID        int64      `json:"session_id"`
	ComplicationType string     `json:"complication_type"`
	Severity         *string    `json:"severity,omitempty"`
	Description      *string    `json:"description,omitempty"`
	ActionTaken      *string    `json:"action_taken,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes  *string    `json:"resolution_notes,omitempty"`
	ReportedBy       string     `json:"reported_by"`
}

func (c *Complication) IsResolved() bool { return c.ResolvedAt != nil }

// NoteType is master data describing one vital or observation.
type NoteType struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Unit        *string  `json:"unit,omitempty"`
	IsNumeric   bool     `json:"is_numeric"`
	MinValue    *float64 `json:"min_value,omitempty"`
	MaxValue    *float64 `json:"max_value,omitempty"`
	IsMandatory bool     `json:"is_mandatory"`
}

// OutOfRange reports whether v falls outside the configured bounds. Missing
// bounds are open.
func (t *NoteType) OutOfRange(v float64) bool {
	return (t.MinValue != nil && v < *t.MinValue) || (t.MaxValue != nil && v > *t.MaxValue)
}

type Note struct {
	ID             int64     `json:"id"`
	SessionID      int64     `json:"session_id"`
	NoteTypeID     int64     `json:"note_type_id"`
	RawValue       string    `json:"raw_value"`
	NumericValue   *float64  `json:"numeric_value,omitempty"`
	IsAbnormal     bool      `json:"is_abnormal"`
	AlertGenerated bool      `json:"alert_generated"`
	RecordedAt     time.Time `json:"recorded_at"`
	RecordedBy     string    `json:"recorded_by"`
}

type CreateRequest struct {
	AppointmentID  int64
	PatientID      int64
	CenterID       int64
	Date           time.Time
	ScheduledStart *time.Time
	DialysisType   string
	PreNotes       string
}

func (r CreateRequest) Validate() error {
	if r.AppointmentID <= 0 || r.PatientID <= 0 || r.CenterID <= 0 {
		return apperr.Validation("appointment, patient and center are required")
	}
	if r.Date.IsZero() {
		return apperr.Validation("session date is required")
	}
	if strings.TrimSpace(r.DialysisType) == "" {
		return apperr.Validation("dialysis type is required")
	}
	return nil
}

type ComplicationRequest struct {
	Type        string
	Severity    string
	Description string
	ActionTaken string
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
