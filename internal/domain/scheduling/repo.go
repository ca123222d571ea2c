package scheduling

import (
	"context"
	"time"

	"github.com/dialysis/dialysis/pkg/timeofday"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id int64) (*Appointment, error)
	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id int64) (*Appointment, error)
	// UpdateStatus moves the row from one status to another and returns
	// ErrStaleStatus when it no longer holds from.
	UpdateStatus(ctx context.Context, id int64, from, to AppointmentStatus, actor string) error
	// Reschedule persists date, window, status, revision and reason.
	Reschedule(ctx context.Context, a *Appointment, actor string) error
	Delete(ctx context.Context, id int64) error
	// HasOpenOnDate reports whether the patient holds a non-terminal
	// appointment on date other than excludeID.
	HasOpenOnDate(ctx context.Context, patientID int64, date time.Time, excludeID int64) (bool, error)
	ListByCenterDate(ctx context.Context, centerID int64, date time.Time, limit, offset int) ([]*Appointment, int, error)
	ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Appointment, int, error)
}

type SlotRepository interface {
	Create(ctx context.Context, sl *Slot) error
	// CountOverlapping counts active slots at the center on date whose window
	// overlaps w and whose appointment still holds capacity, ignoring the
	// slots of excludeAppointmentID.
	CountOverlapping(ctx context.Context, centerID int64, date time.Time, w timeofday.Window, excludeAppointmentID int64) (int, error)
	DeactivateByAppointment(ctx context.Context, appointmentID int64) (int, error)
	ListByAppointment(ctx context.Context, appointmentID int64) ([]*Slot, error)
}

type CenterRepository interface {
	// ActiveMachineCount counts active, non-retired dialysis machines.
	ActiveMachineCount(ctx context.Context, centerID int64) (int, error)
}
