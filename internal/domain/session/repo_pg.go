package session

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialysis/dialysis/internal/platform/db"
)

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

func (r *sessionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const sessionCols = `id, session_code, appointment_id, patient_id, center_id, asset_id, assignment_id,
	session_date, scheduled_start, actual_start, actual_end, duration_minutes, dialysis_type,
	pre_notes, post_notes, termination_reason, status, created_by, created_at, updated_by, updated_at`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.SessionCode, &s.AppointmentID, &s.PatientID, &s.CenterID, &s.AssetID, &s.AssignmentID,
		&s.SessionDate, &s.ScheduledStart, &s.ActualStart, &s.ActualEnd, &s.DurationMinutes, &s.DialysisType,
		&s.PreNotes, &s.PostNotes, &s.TerminationReason, &s.Status, &s.CreatedBy, &s.CreatedAt, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO dialysis_sessions (session_code, appointment_id, patient_id, center_id, session_date,
			scheduled_start, dialysis_type, pre_notes, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, created_at, updated_at`,
		s.SessionCode, s.AppointmentID, s.PatientID, s.CenterID, s.SessionDate,
		s.ScheduledStart, s.DialysisType, s.PreNotes, string(s.Status), s.CreatedBy,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id int64) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM dialysis_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetForUpdate(ctx context.Context, id int64) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM dialysis_sessions WHERE id = $1 FOR UPDATE`, id))
}

func (r *sessionRepoPG) GetByAppointment(ctx context.Context, appointmentID int64) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM dialysis_sessions WHERE appointment_id = $1`, appointmentID))
}

func (r *sessionRepoPG) NextSequence(ctx context.Context, centerID int64, date time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) + 1 FROM dialysis_sessions WHERE center_id = $1 AND session_date = $2`,
		centerID, date).Scan(&n)
	return n, err
}

func (r *sessionRepoPG) CenterName(ctx context.Context, centerID int64) (string, error) {
	var name string
	err := r.conn(ctx).QueryRow(ctx, `SELECT name FROM centers WHERE id = $1`, centerID).Scan(&name)
	return name, err
}

func (r *sessionRepoPG) AssignMachine(ctx context.Context, id, assetID, assignmentID int64, actor string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE dialysis_sessions SET asset_id = $2, assignment_id = $3, updated_by = $4, updated_at = NOW()
		WHERE id = $1`, id, assetID, assignmentID, actor)
	return err
}

func (r *sessionRepoPG) MarkStarted(ctx context.Context, id int64, at time.Time, actor string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE dialysis_sessions SET status = $2, actual_start = $3, updated_by = $4, updated_at = NOW()
		WHERE id = $1`, id, string(StatusInProgress), at, actor)
	return err
}

func (r *sessionRepoPG) MarkFinished(ctx context.Context, s *Session, actor string) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE dialysis_sessions SET status = $2, actual_end = $3, duration_minutes = $4,
			post_notes = $5, termination_reason = $6, updated_by = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, string(s.Status), s.ActualEnd, s.DurationMinutes, s.PostNotes, s.TerminationReason, actor,
	).Scan(&s.UpdatedAt)
}

func (r *sessionRepoPG) ListByCenterDate(ctx context.Context, centerID int64, date time.Time, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM dialysis_sessions WHERE center_id = $1 AND session_date = $2`,
		centerID, date).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM dialysis_sessions
		WHERE center_id = $1 AND session_date = $2
		ORDER BY session_code LIMIT $3 OFFSET $4`, centerID, date, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Timeline Repository ===========

type timelineRepoPG struct{ pool *pgxpool.Pool }

func NewTimelineRepoPG(pool *pgxpool.Pool) TimelineRepository { return &timelineRepoPG{pool: pool} }

func (r *timelineRepoPG) Append(ctx context.Context, e *TimelineEntry) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO session_timeline (session_id, event_type, description, occurred_at, actor)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id`,
		e.SessionID, e.EventType, e.Description, e.OccurredAt, e.Actor,
	).Scan(&e.ID)
}

func (r *timelineRepoPG) ListBySession(ctx context.Context, sessionID int64) ([]*TimelineEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, session_id, event_type, description, occurred_at, actor
		FROM session_timeline WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Description, &e.OccurredAt, &e.Actor); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

// =========== Complication Repository ===========

type complicationRepoPG struct{ pool *pgxpool.Pool }

func NewComplicationRepoPG(pool *pgxpool.Pool) ComplicationRepository {
	return &complicationRepoPG{pool: pool}
}

const complicationCols = `id, session_id, complication_type, severity, description, action_taken,
	occurred_at, resolved_at, resolution_notes, reported_by`

func scanComplication(row pgx.Row) (*Complication, error) {
	var c Complication
	err := row.Scan(&c.ID, &c.SessionID, &c.ComplicationType, &c.Severity, &c.Description, &c.ActionTaken,
		&c.OccurredAt, &c.ResolvedAt, &c.ResolutionNotes, &c.ReportedBy)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *complicationRepoPG) Create(ctx context.Context, c *Complication) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO session_complications (session_id, complication_type, severity, description,
			action_taken, occurred_at, reported_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		c.SessionID, c.ComplicationType, c.Severity, c.Description, c.ActionTaken, c.OccurredAt, c.ReportedBy,
	).Scan(&c.ID)
}

func (r *complicationRepoPG) GetForUpdate(ctx context.Context, id int64) (*Complication, error) {
	return scanComplication(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+complicationCols+` FROM session_complications WHERE id = $1 FOR UPDATE`, id))
}

// Resolve appends notes to any earlier resolution notes.
func (r *complicationRepoPG) Resolve(ctx context.Context, id int64, at time.Time, notes *string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE session_complications
		SET resolved_at = $2,
		    resolution_notes = CASE
		        WHEN $3::text IS NULL THEN resolution_notes
		        WHEN resolution_notes IS NULL THEN $3::text
		        ELSE resolution_notes || E'\n' || $3::text
		    END
		WHERE id = $1`, id, at, notes)
	return err
}

func (r *complicationRepoPG) ListBySession(ctx context.Context, sessionID int64) ([]*Complication, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+complicationCols+` FROM session_complications
		WHERE session_id = $1 ORDER BY occurred_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Complication
	for rows.Next() {
		c, err := scanComplication(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// =========== Note Repository ===========

type noteRepoPG struct{ pool *pgxpool.Pool }

func NewNoteRepoPG(pool *pgxpool.Pool) NoteRepository { return &noteRepoPG{pool: pool} }

func (r *noteRepoPG) Create(ctx context.Context, n *Note) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO session_notes (session_id, note_type_id, raw_value, numeric_value, is_abnormal,
			alert_generated, recorded_at, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		n.SessionID, n.NoteTypeID, n.RawValue, n.NumericValue, n.IsAbnormal,
		n.AlertGenerated, n.RecordedAt, n.RecordedBy,
	).Scan(&n.ID)
}

func (r *noteRepoPG) ListBySession(ctx context.Context, sessionID int64) ([]*Note, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, session_id, note_type_id, raw_value, numeric_value, is_abnormal,
			alert_generated, recorded_at, recorded_by
		FROM session_notes WHERE session_id = $1 ORDER BY recorded_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.NoteTypeID, &n.RawValue, &n.NumericValue, &n.IsAbnormal,
			&n.AlertGenerated, &n.RecordedAt, &n.RecordedBy); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}

func (r *noteRepoPG) RecordedTypeIDs(ctx context.Context, sessionID int64) ([]int64, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT DISTINCT note_type_id FROM session_notes WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// =========== Note Type Repository ===========

type noteTypeRepoPG struct{ pool *pgxpool.Pool }

func NewNoteTypeRepoPG(pool *pgxpool.Pool) NoteTypeRepository { return &noteTypeRepoPG{pool: pool} }

const noteTypeCols = `id, name, unit, is_numeric, min_value, max_value, is_mandatory`

func (r *noteTypeRepoPG) GetByID(ctx context.Context, id int64) (*NoteType, error) {
	var t NoteType
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+noteTypeCols+` FROM note_types WHERE id = $1 AND is_active`, id).
		Scan(&t.ID, &t.Name, &t.Unit, &t.IsNumeric, &t.MinValue, &t.MaxValue, &t.IsMandatory)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *noteTypeRepoPG) ListMandatory(ctx context.Context) ([]*NoteType, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+noteTypeCols+` FROM note_types WHERE is_active AND is_mandatory ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*NoteType
	for rows.Next() {
		var t NoteType
		if err := rows.Scan(&t.ID, &t.Name, &t.Unit, &t.IsNumeric, &t.MinValue, &t.MaxValue, &t.IsMandatory); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}
