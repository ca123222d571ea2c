package asset

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

type Service struct {
	assignments AssignmentRepository
	tx          db.Transactor
	locker      lock.Locker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func NewService(assignments AssignmentRepository, tx db.Transactor, locker lock.Locker, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = lock.Nop{}
	}
	return &Service{
		assignments: assignments,
		tx:          tx,
		locker:      locker,
		metrics:     m,
		logger:      logger.With().Str("component", "allocator").Logger(),
	}
}

// IsAssetAvailable reports whether no Active assignment of the machine
// overlaps [start, end) on date.
func (s *Service) IsAssetAvailable(ctx context.Context, assetID int64, date time.Time, start, end timeofday.TimeOfDay) (bool, error) {
	w := timeofday.NewWindow(start, end)
	if err := w.Validate(); err != nil {
		return false, apperr.Validation("%v", err)
	}
	n, err := s.assignments.CountActiveOverlapping(ctx, assetID, timeofday.DateOf(date), w, 0)
	if err != nil {
		return false, apperr.Storage("count overlapping assignments", err)
	}
	return n == 0, nil
}

// CreateAssignment reserves a machine for an appointment. The overlap check
// and the insert run under the asset/date lock in one serializable
// transaction; an overlapping Active assignment is a Conflict.
func (s *Service) CreateAssignment(ctx context.Context, req AssignmentRequest, actor string) (*Assignment, error) {
	defer s.metrics.Observe("create_assignment", time.Now())

	if err := req.Validate(); err != nil {
		return nil, err
	}
	date := timeofday.DateOf(req.Date)
	w := timeofday.ForDuration(req.StartTime, req.DurationMinutes)

	a := &Assignment{
		AssetID:         req.AssetID,
		AppointmentID:   req.AppointmentID,
		AssignmentDate:  date,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Status:          AssignmentActive,
		CreatedBy:       actor,
	}
	if req.Notes != "" {
		a.Notes = &req.Notes
	}

	err := s.locker.WithLock(ctx, lock.AssetKey(req.AssetID, date), func(ctx context.Context) error {
		return s.tx.WithSerializableTx(ctx, func(ctx context.Context) error {
			n, err := s.assignments.CountActiveOverlapping(ctx, req.AssetID, date, w, 0)
			if err != nil {
				return apperr.Storage("count overlapping assignments", err)
			}
			if n > 0 {
				s.metrics.AssignmentConflict()
				return apperr.Conflict("machine %d is already assigned during %s on %s",
					req.AssetID, w, date.Format(timeofday.DateLayout))
			}
			if err := s.assignments.Create(ctx, a); err != nil {
				return apperr.Storage("insert assignment", err)
			}
			return nil
		})
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, apperr.Conflict("machine %d is being assigned concurrently, retry", req.AssetID)
	}
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.logger.Warn().Err(err).Int64("asset_id", req.AssetID).Int64("appointment_id", req.AppointmentID).Msg("assignment rejected")
		}
		return nil, err
	}

	s.logger.Info().Int64("assignment_id", a.ID).Int64("asset_id", a.AssetID).
		Int64("appointment_id", a.AppointmentID).Str("window", w.String()).Str("actor", actor).
		Msg("machine assigned")
	return a, nil
}

// UpdateAssignmentStatus closes an Active assignment as Completed or
// Cancelled. Either way the machine is free for the window afterwards.
func (s *Service) UpdateAssignmentStatus(ctx context.Context, id int64, status AssignmentStatus, actor string) (*Assignment, error) {
	var a *Assignment
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.assignments.GetForUpdate(ctx, id)
		if err != nil {
			return apperr.FromStore(err, "assignment", id)
		}
		if err := NextAssignmentStatus(a.Status, status); err != nil {
			return err
		}
		if err := s.assignments.UpdateStatus(ctx, id, status, actor); err != nil {
			return apperr.Storage("update assignment status", err)
		}
		a.Status = status
		a.UpdatedBy = &actor
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("assignment_id", id).Str("status", string(status)).Str("actor", actor).Msg("assignment closed")
	return a, nil
}

func (s *Service) CompleteAssignment(ctx context.Context, id int64, actor string) (*Assignment, error) {
	return s.UpdateAssignmentStatus(ctx, id, AssignmentCompleted, actor)
}

func (s *Service) CancelAssignment(ctx context.Context, id int64, actor string) (*Assignment, error) {
	return s.UpdateAssignmentStatus(ctx, id, AssignmentCancelled, actor)
}

func (s *Service) GetAssignment(ctx context.Context, id int64) (*Assignment, error) {
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "assignment", id)
	}
	return a, nil
}

func (s *Service) ListAssignments(ctx context.Context, assetID int64, date time.Time) ([]*Assignment, error) {
	items, err := s.assignments.ListByAssetDate(ctx, assetID, timeofday.DateOf(date))
	if err != nil {
		return nil, apperr.Storage("list assignments", err)
	}
	return items, nil
}

func (s *Service) ListAppointmentAssignments(ctx context.Context, appointmentID int64) ([]*Assignment, error) {
	items, err := s.assignments.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, apperr.Storage("list assignments", err)
	}
	return items, nil
}
