package asset

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialysis/dialysis/internal/platform/db"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

type assignmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssignmentRepoPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const assignCols = `id, asset_id, appointment_id, assignment_date, assignment_minute, duration_minutes,
	status, notes, created_by, created_at, updated_by, updated_at`

func (r *assignmentRepoPG) scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	if err := row.Scan(&a.ID, &a.AssetID, &a.AppointmentID, &a.AssignmentDate, &a.StartTime, &a.DurationMinutes,
		&a.Status, &a.Notes, &a.CreatedBy, &a.CreatedAt, &a.UpdatedBy, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assignmentRepoPG) Create(ctx context.Context, a *Assignment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO asset_assignments (asset_id, appointment_id, assignment_date, assignment_minute,
			duration_minutes, status, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`,
		a.AssetID, a.AppointmentID, a.AssignmentDate, int(a.StartTime), a.DurationMinutes,
		string(a.Status), a.Notes, a.CreatedBy,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *assignmentRepoPG) GetByID(ctx context.Context, id int64) (*Assignment, error) {
	return r.scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+assignCols+` FROM asset_assignments WHERE id = $1`, id))
}

func (r *assignmentRepoPG) GetForUpdate(ctx context.Context, id int64) (*Assignment, error) {
	return r.scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+assignCols+` FROM asset_assignments WHERE id = $1 FOR UPDATE`, id))
}

func (r *assignmentRepoPG) UpdateStatus(ctx context.Context, id int64, status AssignmentStatus, actor string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE asset_assignments SET status = $2, updated_by = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), actor)
	return err
}

func (r *assignmentRepoPG) CountActiveOverlapping(ctx context.Context, assetID int64, date time.Time, w timeofday.Window, excludeID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM asset_assignments
		WHERE asset_id = $1 AND assignment_date = $2 AND status = 'Active' AND id <> $5
		  AND (($3 >= assignment_minute AND $3 < assignment_minute + duration_minutes)
		    OR ($4 > assignment_minute AND $4 <= assignment_minute + duration_minutes)
		    OR ($3 <= assignment_minute AND $4 >= assignment_minute + duration_minutes))`,
		assetID, date, int(w.Start), int(w.End), excludeID).Scan(&n)
	return n, err
}

func (r *assignmentRepoPG) ListByAssetDate(ctx context.Context, assetID int64, date time.Time) ([]*Assignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignCols+` FROM asset_assignments
		WHERE asset_id = $1 AND assignment_date = $2 ORDER BY assignment_minute, id`, assetID, date)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *assignmentRepoPG) ListByAppointment(ctx context.Context, appointmentID int64) ([]*Assignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignCols+` FROM asset_assignments
		WHERE appointment_id = $1 ORDER BY id`, appointmentID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *assignmentRepoPG) collect(rows pgx.Rows) ([]*Assignment, error) {
	defer rows.Close()
	var items []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
