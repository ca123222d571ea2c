package scheduling

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialysis/dialysis/internal/platform/db"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, center_id, company_id, status, appointment_date,
	start_minute, end_minute, reschedule_revision, reschedule_reason,
	created_by, created_at, updated_by, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.CenterID, &a.CompanyID, &a.Status, &a.AppointmentDate,
		&a.StartTime, &a.EndTime, &a.RescheduleRevision, &a.RescheduleReason,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedBy, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (patient_id, center_id, company_id, status, appointment_date,
			start_minute, end_minute, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`,
		a.PatientID, a.CenterID, a.CompanyID, int16(a.Status), a.AppointmentDate,
		int(a.StartTime), int(a.EndTime), a.CreatedBy,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id int64) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id int64) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id int64, from, to AppointmentStatus, actor string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = $3, updated_by = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, int16(from), int16(to), actor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *appointmentRepoPG) Reschedule(ctx context.Context, a *Appointment, actor string) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET appointment_date = $2, start_minute = $3, end_minute = $4,
			status = $5, reschedule_revision = $6, reschedule_reason = $7,
			updated_by = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.AppointmentDate, int(a.StartTime), int(a.EndTime),
		int16(a.Status), a.RescheduleRevision, a.RescheduleReason, actor,
	).Scan(&a.UpdatedAt)
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	return err
}

func (r *appointmentRepoPG) HasOpenOnDate(ctx context.Context, patientID int64, date time.Time, excludeID int64) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $1 AND appointment_date = $2 AND id <> $3
			  AND status <> ALL($4)
		)`, patientID, date, excludeID, terminalStatuses).Scan(&exists)
	return exists, err
}

func (r *appointmentRepoPG) ListByCenterDate(ctx context.Context, centerID int64, date time.Time, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE center_id = $1 AND appointment_date = $2`,
		centerID, date).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE center_id = $1 AND appointment_date = $2
		ORDER BY start_minute, id LIMIT $3 OFFSET $4`, centerID, date, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE patient_id = $1
		ORDER BY appointment_date DESC, start_minute LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const slotCols = `id, appointment_id, center_id, slot_date, start_minute, end_minute,
	is_active, created_by, created_at, deactivated_at`

func (r *slotRepoPG) Create(ctx context.Context, sl *Slot) error {
	sl.IsActive = true
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_slots (appointment_id, center_id, slot_date, start_minute, end_minute, is_active, created_by)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6)
		RETURNING id, created_at`,
		sl.AppointmentID, sl.CenterID, sl.SlotDate, int(sl.StartTime), int(sl.EndTime), sl.CreatedBy,
	).Scan(&sl.ID, &sl.CreatedAt)
}

// The three-way overlap predicate matches timeofday.Window.Overlaps.
func (r *slotRepoPG) CountOverlapping(ctx context.Context, centerID int64, date time.Time, w timeofday.Window, excludeAppointmentID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointment_slots s
		JOIN appointments a ON a.id = s.appointment_id
		WHERE s.center_id = $1 AND s.slot_date = $2 AND s.is_active
		  AND a.status = ANY($6)
		  AND s.appointment_id <> $5
		  AND (($3 >= s.start_minute AND $3 < s.end_minute)
		    OR ($4 > s.start_minute AND $4 <= s.end_minute)
		    OR ($3 <= s.start_minute AND $4 >= s.end_minute))`,
		centerID, date, int(w.Start), int(w.End), excludeAppointmentID, capacityStatuses).Scan(&n)
	return n, err
}

func (r *slotRepoPG) DeactivateByAppointment(ctx context.Context, appointmentID int64) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_slots SET is_active = FALSE, deactivated_at = NOW()
		WHERE appointment_id = $1 AND is_active`, appointmentID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *slotRepoPG) ListByAppointment(ctx context.Context, appointmentID int64) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+slotCols+` FROM appointment_slots
		WHERE appointment_id = $1 ORDER BY id`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		var sl Slot
		if err := rows.Scan(&sl.ID, &sl.AppointmentID, &sl.CenterID, &sl.SlotDate, &sl.StartTime, &sl.EndTime,
			&sl.IsActive, &sl.CreatedBy, &sl.CreatedAt, &sl.DeactivatedAt); err != nil {
			return nil, err
		}
		items = append(items, &sl)
	}
	return items, rows.Err()
}

// =========== Center Repository ===========

type centerRepoPG struct{ pool *pgxpool.Pool }

func NewCenterRepoPG(pool *pgxpool.Pool) CenterRepository { return &centerRepoPG{pool: pool} }

func (r *centerRepoPG) ActiveMachineCount(ctx context.Context, centerID int64) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM assets a
		JOIN asset_types t ON t.id = a.asset_type_id
		WHERE a.center_id = $1 AND a.is_active AND a.status <> 'Retired'
		  AND t.is_dialysis_machine`, centerID).Scan(&n)
	return n, err
}
