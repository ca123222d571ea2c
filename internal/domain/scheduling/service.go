package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/db"
	"github.com/dialysis/dialysis/internal/platform/lock"
	"github.com/dialysis/dialysis/internal/platform/metrics"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

// CycleTracker is told about every appointment that reaches Completed.
type CycleTracker interface {
	UpdatePatientDialysisCycles(ctx context.Context, patientID int64, appointmentDate time.Time) error
}

type Service struct {
	appointments AppointmentRepository
	slots        SlotRepository
	calc         *Calculator
	tx           db.Transactor
	locker       lock.Locker
	cycles       CycleTracker
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// NewService wires the scheduler. cycles may be nil, in which case completed
// appointments do not advance treatment cycles.
func NewService(appt AppointmentRepository, slots SlotRepository, centers CenterRepository,
	tx db.Transactor, locker lock.Locker, cycles CycleTracker, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = lock.Nop{}
	}
	return &Service{
		appointments: appt,
		slots:        slots,
		calc:         NewCalculator(centers, slots, m),
		tx:           tx,
		locker:       locker,
		cycles:       cycles,
		metrics:      m,
		logger:       logger.With().Str("component", "scheduler").Logger(),
	}
}

// -- Capacity --

func (s *Service) IsSlotAvailable(ctx context.Context, centerID int64, date time.Time, start, end timeofday.TimeOfDay, excludeAppointmentID int64) (bool, error) {
	av, err := s.calc.Check(ctx, centerID, date, timeofday.NewWindow(start, end), excludeAppointmentID)
	if err != nil {
		return false, err
	}
	return av.Available, nil
}

func (s *Service) CheckAvailability(ctx context.Context, centerID int64, date time.Time, start, end timeofday.TimeOfDay, excludeAppointmentID int64) (*Availability, error) {
	return s.calc.Check(ctx, centerID, date, timeofday.NewWindow(start, end), excludeAppointmentID)
}

// reserve runs fn under the center/date reservation lock inside one
// serializable transaction, so the capacity check and the slot insert are a
// single check-and-reserve step.
func (s *Service) reserve(ctx context.Context, centerID int64, date time.Time, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, lock.SlotKey(centerID, date), func(ctx context.Context) error {
		return s.tx.WithSerializableTx(ctx, fn)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return apperr.Conflict("calendar for center %d on %s is busy, retry the booking", centerID, date.Format(timeofday.DateLayout))
	}
	return err
}

func (s *Service) checkBookable(ctx context.Context, patientID, centerID int64, date time.Time, w timeofday.Window, excludeID int64) error {
	dup, err := s.appointments.HasOpenOnDate(ctx, patientID, date, excludeID)
	if err != nil {
		return apperr.Storage("check duplicate booking", err)
	}
	if dup {
		return apperr.Conflict("patient %d already has an open appointment on %s", patientID, date.Format(timeofday.DateLayout))
	}
	av, err := s.calc.Check(ctx, centerID, date, w, excludeID)
	if err != nil {
		return err
	}
	if !av.Available {
		return apperr.Conflict("no machine available at center %d on %s %s (%d of %d booked)",
			centerID, date.Format(timeofday.DateLayout), w, av.Booked, av.Machines)
	}
	return nil
}

func bookingResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.Is(err, apperr.KindConflict):
		return "conflict"
	case apperr.Is(err, apperr.KindValidation), apperr.Is(err, apperr.KindState), apperr.Is(err, apperr.KindNotFound):
		return "rejected"
	}
	return "error"
}

// -- Appointments --

// CreateAppointment books a patient into a window and reserves its slot.
func (s *Service) CreateAppointment(ctx context.Context, req BookingRequest, actor string) (a *Appointment, err error) {
	defer s.metrics.Observe("create_appointment", time.Now())
	defer func() { s.metrics.Booking("create", bookingResult(err)) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	date := timeofday.DateOf(req.Date)
	w := timeofday.NewWindow(req.StartTime, req.EndTime)

	err = s.reserve(ctx, req.CenterID, date, func(ctx context.Context) error {
		if err := s.checkBookable(ctx, req.PatientID, req.CenterID, date, w, 0); err != nil {
			return err
		}
		a = &Appointment{
			PatientID:       req.PatientID,
			CenterID:        req.CenterID,
			CompanyID:       req.CompanyID,
			Status:          StatusScheduled,
			AppointmentDate: date,
			StartTime:       w.Start,
			EndTime:         w.End,
			CreatedBy:       actor,
		}
		if err := s.appointments.Create(ctx, a); err != nil {
			return apperr.Storage("insert appointment", err)
		}
		slot := &Slot{
			AppointmentID: a.ID,
			CenterID:      a.CenterID,
			SlotDate:      date,
			StartTime:     w.Start,
			EndTime:       w.End,
			CreatedBy:     actor,
		}
		if err := s.slots.Create(ctx, slot); err != nil {
			return apperr.Storage("insert slot", err)
		}
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.logger.Warn().Err(err).Int64("patient_id", req.PatientID).Int64("center_id", req.CenterID).Msg("booking rejected")
		}
		return nil, err
	}

	s.logger.Info().Int64("appointment_id", a.ID).Int64("patient_id", a.PatientID).
		Str("date", date.Format(timeofday.DateLayout)).Str("window", w.String()).Str("actor", actor).
		Msg("appointment booked")
	return a, nil
}

// RescheduleAppointment moves an appointment to a new window. The old slots
// are released and the new window must pass the same duplicate and capacity
// checks as a fresh booking, ignoring the appointment's own slots.
func (s *Service) RescheduleAppointment(ctx context.Context, id int64, newDate time.Time, start, end timeofday.TimeOfDay, reason, actor string) (a *Appointment, err error) {
	defer s.metrics.Observe("reschedule_appointment", time.Now())
	defer func() { s.metrics.Booking("reschedule", bookingResult(err)) }()

	if newDate.IsZero() {
		return nil, apperr.Validation("new appointment date is required")
	}
	w := timeofday.NewWindow(start, end)
	if err := w.Validate(); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	date := timeofday.DateOf(newDate)

	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "appointment", id)
	}

	err = s.reserve(ctx, current.CenterID, date, func(ctx context.Context) error {
		a, err = s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return apperr.FromStore(err, "appointment", id)
		}
		pending, err := Transition(a.Status, EventReschedule)
		if err != nil {
			return err
		}
		if err := s.checkBookable(ctx, a.PatientID, a.CenterID, date, w, a.ID); err != nil {
			return err
		}
		if _, err := s.slots.DeactivateByAppointment(ctx, a.ID); err != nil {
			return apperr.Storage("deactivate slots", err)
		}

		// Rescheduled is transient: the same row is confirmed back to Scheduled.
		if a.Status, err = Transition(pending, EventConfirm); err != nil {
			return err
		}
		a.AppointmentDate = date
		a.StartTime, a.EndTime = w.Start, w.End
		a.RescheduleRevision++
		if reason != "" {
			a.RescheduleReason = &reason
		}
		a.UpdatedBy = &actor
		if err := s.appointments.Reschedule(ctx, a, actor); err != nil {
			return apperr.Storage("update appointment", err)
		}
		slot := &Slot{AppointmentID: a.ID, CenterID: a.CenterID, SlotDate: date, StartTime: w.Start, EndTime: w.End, CreatedBy: actor}
		if err := s.slots.Create(ctx, slot); err != nil {
			return apperr.Storage("insert slot", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("appointment_id", a.ID).Int("revision", a.RescheduleRevision).
		Str("date", date.Format(timeofday.DateLayout)).Str("window", w.String()).Str("actor", actor).
		Msg("appointment rescheduled")
	return a, nil
}

// CancelAppointment cancels a Scheduled or Rescheduled appointment and frees
// its slots.
func (s *Service) CancelAppointment(ctx context.Context, id int64, actor string) (*Appointment, error) {
	var a *Appointment
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if a, err = s.transition(ctx, id, EventCancel, actor); err != nil {
			return err
		}
		if _, err := s.slots.DeactivateByAppointment(ctx, id); err != nil {
			return apperr.Storage("deactivate slots", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Booking("cancel", "ok")
	s.logger.Info().Int64("appointment_id", id).Str("actor", actor).Msg("appointment cancelled")
	return a, nil
}

// UpdateStatus applies the lifecycle event that leads to newStatus. Reaching
// Completed advances the patient's treatment cycle in the same transaction.
func (s *Service) UpdateStatus(ctx context.Context, id int64, newStatus AppointmentStatus, actor string) (*Appointment, error) {
	ev, err := EventFor(newStatus)
	if err != nil {
		return nil, err
	}
	if ev == EventCancel {
		return s.CancelAppointment(ctx, id, actor)
	}

	var a *Appointment
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if a, err = s.transition(ctx, id, ev, actor); err != nil {
			return err
		}
		if a.Status == StatusCompleted && s.cycles != nil {
			if err := s.cycles.UpdatePatientDialysisCycles(ctx, a.PatientID, a.AppointmentDate); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("appointment_id", id).Str("status", a.Status.String()).Str("actor", actor).Msg("appointment status changed")
	return a, nil
}

func (s *Service) transition(ctx context.Context, id int64, ev Event, actor string) (*Appointment, error) {
	a, err := s.appointments.GetForUpdate(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "appointment", id)
	}
	to, err := Transition(a.Status, ev)
	if err != nil {
		return nil, err
	}
	if err := s.appointments.UpdateStatus(ctx, id, a.Status, to, actor); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, apperr.State("appointment %d changed while applying %s, reload and retry", id, ev)
		}
		return nil, apperr.Storage("update appointment status", err)
	}
	a.Status = to
	a.UpdatedBy = &actor
	return a, nil
}

// DeleteAppointment permanently removes an appointment and its slots,
// bypassing the lifecycle.
func (s *Service) DeleteAppointment(ctx context.Context, id int64, actor string) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.appointments.GetForUpdate(ctx, id); err != nil {
			return apperr.FromStore(err, "appointment", id)
		}
		if err := s.appointments.Delete(ctx, id); err != nil {
			return apperr.Storage("delete appointment", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn().Int64("appointment_id", id).Str("actor", actor).Msg("appointment permanently deleted")
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "appointment", id)
	}
	return a, nil
}

func (s *Service) ListAppointmentsByCenterDate(ctx context.Context, centerID int64, date time.Time, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.appointments.ListByCenterDate(ctx, centerID, timeofday.DateOf(date), limit, offset)
	if err != nil {
		return nil, 0, apperr.Storage("list appointments", err)
	}
	return items, total, nil
}

func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.appointments.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Storage("list appointments", err)
	}
	return items, total, nil
}

func (s *Service) ListSlots(ctx context.Context, appointmentID int64) ([]*Slot, error) {
	if _, err := s.GetAppointment(ctx, appointmentID); err != nil {
		return nil, err
	}
	items, err := s.slots.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, apperr.Storage("list slots", err)
	}
	return items, nil
}
