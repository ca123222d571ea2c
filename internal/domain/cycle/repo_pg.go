package cycle

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialysis/dialysis/internal/platform/db"
)

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const patientCycleCols = `id, cycle_number, cycle_start, cycle_end, cycle_session_count, completed_cycles`

func scanPatientCycle(row pgx.Row) (*PatientCycle, error) {
	var p PatientCycle
	if err := row.Scan(&p.PatientID, &p.CycleNumber, &p.CycleStart, &p.CycleEnd, &p.SessionCount, &p.CompletedCycles); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) GetCycle(ctx context.Context, patientID int64) (*PatientCycle, error) {
	return scanPatientCycle(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCycleCols+` FROM patients WHERE id = $1`, patientID))
}

func (r *patientRepoPG) GetCycleForUpdate(ctx context.Context, patientID int64) (*PatientCycle, error) {
	return scanPatientCycle(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCycleCols+` FROM patients WHERE id = $1 FOR UPDATE`, patientID))
}

func (r *patientRepoPG) StartCycle(ctx context.Context, patientID int64, cycleNumber int, start, end time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET cycle_number = $2, cycle_start = $3, cycle_end = $4,
			cycle_session_count = 0, updated_at = NOW()
		WHERE id = $1`, patientID, cycleNumber, start, end)
	return err
}

func (r *patientRepoPG) CloseCycle(ctx context.Context, patientID int64, completed bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET cycle_number = cycle_number + 1,
			completed_cycles = completed_cycles + CASE WHEN $2 THEN 1 ELSE 0 END,
			cycle_start = NULL, cycle_end = NULL, cycle_session_count = 0, updated_at = NOW()
		WHERE id = $1`, patientID, completed)
	return err
}

func (r *patientRepoPG) SetSessionCount(ctx context.Context, patientID int64, n int) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE patients SET cycle_session_count = $2, updated_at = NOW() WHERE id = $1`, patientID, n)
	return err
}

func (r *patientRepoPG) ListExpired(ctx context.Context, asOf time.Time, afterID int64, limit int) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id
		FROM patients p
		JOIN treatment_cycle_history h ON h.patient_id = p.id AND h.status = 'Active'
		WHERE p.cycle_end IS NOT NULL AND p.cycle_end < $1 AND p.id > $2
		ORDER BY p.id
		LIMIT $3`, asOf, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========== History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository { return &historyRepoPG{pool: pool} }

func (r *historyRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const historyCols = `id, patient_id, cycle_number, start_date, end_date, planned_sessions,
	session_count, status, closed_at, created_at`

func scanHistory(row pgx.Row) (*History, error) {
	var h History
	if err := row.Scan(&h.ID, &h.PatientID, &h.CycleNumber, &h.StartDate, &h.EndDate, &h.PlannedSessions,
		&h.SessionCount, &h.Status, &h.ClosedAt, &h.CreatedAt); err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *historyRepoPG) Create(ctx context.Context, h *History) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatment_cycle_history (patient_id, cycle_number, start_date, end_date,
			planned_sessions, session_count, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at`,
		h.PatientID, h.CycleNumber, h.StartDate, h.EndDate, h.PlannedSessions, h.SessionCount, string(h.Status),
	).Scan(&h.ID, &h.CreatedAt)
}

func (r *historyRepoPG) GetActive(ctx context.Context, patientID int64) (*History, error) {
	return scanHistory(r.conn(ctx).QueryRow(ctx,
		`SELECT `+historyCols+` FROM treatment_cycle_history WHERE patient_id = $1 AND status = 'Active'`, patientID))
}

func (r *historyRepoPG) Close(ctx context.Context, id int64, status Status, sessionCount int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment_cycle_history SET status = $2, session_count = $3, closed_at = NOW()
		WHERE id = $1 AND status = 'Active'`, id, string(status), sessionCount)
	return err
}

func (r *historyRepoPG) SetSessionCount(ctx context.Context, id int64, n int) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE treatment_cycle_history SET session_count = $2 WHERE id = $1`, id, n)
	return err
}

func (r *historyRepoPG) ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*History, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM treatment_cycle_history WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+historyCols+` FROM treatment_cycle_history
		WHERE patient_id = $1 ORDER BY cycle_number DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}

// =========== Session Counter ===========

type sessionCounterPG struct{ pool *pgxpool.Pool }

func NewSessionCounterPG(pool *pgxpool.Pool) SessionCounter { return &sessionCounterPG{pool: pool} }

// Statuses 3 (Completed) and 4 (CompletedForBilling) both count.
func (r *sessionCounterPG) CountCompleted(ctx context.Context, patientID int64, from, to time.Time) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE patient_id = $1 AND status IN (3, 4)
		  AND appointment_date BETWEEN $2 AND $3`, patientID, from, to).Scan(&n)
	return n, err
}
