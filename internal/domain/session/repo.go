package session

import (
	"context"
	"time"
)

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id int64) (*Session, error)
	GetForUpdate(ctx context.Context, id int64) (*Session, error)
	GetByAppointment(ctx context.Context, appointmentID int64) (*Session, error)
	// NextSequence is one past the number of sessions already coded for the
	// center on date.
	NextSequence(ctx context.Context, centerID int64, date time.Time) (int, error)
	CenterName(ctx context.Context, centerID int64) (string, error)
	AssignMachine(ctx context.Context, id, assetID, assignmentID int64, actor string) error
	MarkStarted(ctx context.Context, id int64, at time.Time, actor string) error
	MarkFinished(ctx context.Context, s *Session, actor string) error
	ListByCenterDate(ctx context.Context, centerID int64, date time.Time, limit, offset int) ([]*Session, int, error)
}

// TimelineRepository is append-only.
type TimelineRepository interface {
	Append(ctx context.Context, e *TimelineEntry) error
	ListBySession(ctx context.Context, sessionID int64) ([]*TimelineEntry, error)
}

type ComplicationRepository interface {
	Create(ctx context.Context, c *Complication) error
	GetForUpdate(ctx context.Context, id int64) (*Complication, error)
	Resolve(ctx context.Context, id int64, at time.Time, notes *string) error
	ListBySession(ctx context.Context, sessionID int64) ([]*Complication, error)
}

type NoteRepository interface {
	Create(ctx context.Context, n *Note) error
	ListBySession(ctx context.Context, sessionID int64) ([]*Note, error)
	RecordedTypeIDs(ctx context.Context, sessionID int64) ([]int64, error)
}

type NoteTypeRepository interface {
	GetByID(ctx context.Context, id int64) (*NoteType, error)
	ListMandatory(ctx context.Context) ([]*NoteType, error)
}
