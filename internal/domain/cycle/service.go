package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/db"
	"github.com/dialysis/dialysis/internal/platform/metrics"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

const (
	triggerCompletion = "completion"
	triggerSweep      = "sweep"
)

// sweepBatch bounds how many expired patients one sweep page loads.
const sweepBatch = 500

// Service is the treatment cycle tracker.
type Service struct {
	patients PatientRepository
	history  HistoryRepository
	sessions SessionCounter
	tx       db.Transactor
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	batch    int
}

func NewService(patients PatientRepository, history HistoryRepository, sessions SessionCounter,
	tx db.Transactor, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		history:  history,
		sessions: sessions,
		tx:       tx,
		metrics:  m,
		logger:   logger.With().Str("component", "cycles").Logger(),
		now:      time.Now,
		batch:    sweepBatch,
	}
}

func (s *Service) today() time.Time {
	return timeofday.DateOf(s.now().UTC())
}

func (s *Service) loadForUpdate(ctx context.Context, patientID int64) (*PatientCycle, error) {
	p, err := s.patients.GetCycleForUpdate(ctx, patientID)
	if err != nil {
		return nil, apperr.FromStore(err, "patient", patientID)
	}
	return p, nil
}

// UpdatePatientDialysisCycles runs on every completed appointment. It opens
// a cycle when none is open, rolls an expired cycle over first, and always
// finishes by recounting the open cycle's sessions.
func (s *Service) UpdatePatientDialysisCycles(ctx context.Context, patientID int64, appointmentDate time.Time) error {
	defer s.metrics.Observe("update_patient_cycles", time.Now())
	appointmentDate = timeofday.DateOf(appointmentDate)

	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.loadForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		switch {
		case !p.HasOpenCycle():
			if err := s.startNewCycle(ctx, p, appointmentDate); err != nil {
				return err
			}
		case p.ExpiredOn(s.today()):
			if err := s.completeAndStartNew(ctx, p, appointmentDate, triggerCompletion); err != nil {
				return err
			}
		}
		return s.updateSessionCount(ctx, patientID)
	})
}

// StartNewCycle opens a 42-day cycle beginning on start.
func (s *Service) StartNewCycle(ctx context.Context, patientID int64, start time.Time) (*History, error) {
	var h *History
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.loadForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		if p.HasOpenCycle() {
			return apperr.State("patient %d already has an open cycle ending %s",
				patientID, p.CycleEnd.Format(timeofday.DateLayout))
		}
		if err := s.startNewCycle(ctx, p, timeofday.DateOf(start)); err != nil {
			return err
		}
		h, err = s.history.GetActive(ctx, patientID)
		return apperr.FromStore(err, "active cycle", patientID)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) startNewCycle(ctx context.Context, p *PatientCycle, start time.Time) error {
	number := p.CycleNumber
	if number < 1 {
		number = 1
	}
	end := EndDate(start)
	if err := s.patients.StartCycle(ctx, p.PatientID, number, start, end); err != nil {
		return apperr.Storage("start patient cycle", err)
	}
	h := &History{
		PatientID:       p.PatientID,
		CycleNumber:     number,
		StartDate:       start,
		EndDate:         end,
		PlannedSessions: PlannedSessions,
		Status:          StatusActive,
	}
	if err := s.history.Create(ctx, h); err != nil {
		if db.IsUniqueViolation(err, "uq_cycle_active") {
			return apperr.Conflict("patient %d already has an active cycle", p.PatientID)
		}
		return apperr.Storage("insert cycle history", err)
	}

	p.CycleNumber = number
	p.CycleStart, p.CycleEnd = &start, &end
	p.SessionCount = 0

	s.logger.Info().Int64("patient_id", p.PatientID).Int("cycle_number", number).
		Str("start", start.Format(timeofday.DateLayout)).Str("end", end.Format(timeofday.DateLayout)).
		Msg("treatment cycle started")
	return nil
}

// CompleteCycleAndStartNew closes the patient's open cycle as Completed or
// Incomplete and opens the next one on start.
func (s *Service) CompleteCycleAndStartNew(ctx context.Context, patientID int64, start time.Time) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.loadForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		if !p.HasOpenCycle() {
			return apperr.State("patient %d has no open cycle to complete", patientID)
		}
		return s.completeAndStartNew(ctx, p, timeofday.DateOf(start), triggerCompletion)
	})
}

func (s *Service) completeAndStartNew(ctx context.Context, p *PatientCycle, start time.Time, trigger string) error {
	status := ClosingStatus(p.SessionCount)

	active, err := s.history.GetActive(ctx, p.PatientID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		s.logger.Warn().Int64("patient_id", p.PatientID).Msg("open cycle without active history row")
	case err != nil:
		return apperr.Storage("load active cycle", err)
	default:
		status = ClosingStatus(active.SessionCount)
		if err := s.history.Close(ctx, active.ID, status, active.SessionCount); err != nil {
			return apperr.Storage("close cycle history", err)
		}
	}

	if err := s.patients.CloseCycle(ctx, p.PatientID, status == StatusCompleted); err != nil {
		return apperr.Storage("close patient cycle", err)
	}
	s.metrics.CycleClosed(string(status), trigger)
	s.logger.Info().Int64("patient_id", p.PatientID).Int("cycle_number", p.CycleNumber).
		Int("sessions", p.SessionCount).Str("status", string(status)).Str("trigger", trigger).
		Msg("treatment cycle closed")

	p.CycleNumber++
	if status == StatusCompleted {
		p.CompletedCycles++
	}
	p.CycleStart, p.CycleEnd = nil, nil
	p.SessionCount = 0
	return s.startNewCycle(ctx, p, start)
}

// UpdateCycleSessionCount recounts completed appointments inside the open
// cycle and stores the count on the patient and the active history row.
func (s *Service) UpdateCycleSessionCount(ctx context.Context, patientID int64) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.updateSessionCount(ctx, patientID)
	})
}

func (s *Service) updateSessionCount(ctx context.Context, patientID int64) error {
	p, err := s.patients.GetCycle(ctx, patientID)
	if err != nil {
		return apperr.FromStore(err, "patient", patientID)
	}
	if !p.HasOpenCycle() {
		return nil
	}
	n, err := s.sessions.CountCompleted(ctx, patientID, *p.CycleStart, *p.CycleEnd)
	if err != nil {
		return apperr.Storage("count cycle sessions", err)
	}
	if err := s.patients.SetSessionCount(ctx, patientID, n); err != nil {
		return apperr.Storage("update patient session count", err)
	}
	active, err := s.history.GetActive(ctx, patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperr.Storage("load active cycle", err)
	}
	if err := s.history.SetSessionCount(ctx, active.ID, n); err != nil {
		return apperr.Storage("update cycle session count", err)
	}
	return nil
}

// ProcessExpiredCycles closes every cycle that ended before today while its
// history row is still Active, and opens the next cycle on today's date.
// Each patient runs in its own transaction and is re-checked under a row
// lock, so concurrent or repeated sweeps close each cycle once.
func (s *Service) ProcessExpiredCycles(ctx context.Context) (int, error) {
	defer s.metrics.Observe("process_expired_cycles", time.Now())
	today := s.today()

	candidates, closed := 0, 0
	var errs []error
	var after int64
	for {
		ids, err := s.patients.ListExpired(ctx, today, after, s.batch)
		if err != nil {
			errs = append(errs, apperr.Storage("list expired cycles", err))
			break
		}
		candidates += len(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return closed, errors.Join(append(errs, err)...)
			}
			done, err := s.closeExpired(ctx, id, today)
			if err != nil {
				s.logger.Error().Err(err).Int64("patient_id", id).Msg("close expired cycle")
				errs = append(errs, err)
				continue
			}
			if done {
				closed++
			}
		}
		if len(ids) < s.batch {
			break
		}
		after = ids[len(ids)-1]
	}

	s.logger.Info().Int("candidates", candidates).Int("closed", closed).Int("failed", len(errs)).Msg("expired cycle sweep finished")
	return closed, errors.Join(errs...)
}

// closeExpired closes one patient's cycle if it is still expired on today.
func (s *Service) closeExpired(ctx context.Context, patientID int64, today time.Time) (bool, error) {
	done := false
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.loadForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		if !p.ExpiredOn(today) {
			return nil
		}
		if err := s.completeAndStartNew(ctx, p, today, triggerSweep); err != nil {
			return err
		}
		done = true
		return s.updateSessionCount(ctx, patientID)
	})
	return done, err
}

func (s *Service) GetPatientCycle(ctx context.Context, patientID int64) (*PatientCycle, error) {
	p, err := s.patients.GetCycle(ctx, patientID)
	if err != nil {
		return nil, apperr.FromStore(err, "patient", patientID)
	}
	return p, nil
}

func (s *Service) ListCycleHistory(ctx context.Context, patientID int64, limit, offset int) ([]*History, int, error) {
	items, total, err := s.history.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Storage("list cycle history", err)
	}
	return items, total, nil
}
