package cycle

import (
	"context"
	"time"
)

type PatientRepository interface {
	GetCycle(ctx context.Context, patientID int64) (*PatientCycle, error)
	GetCycleForUpdate(ctx context.Context, patientID int64) (*PatientCycle, error)
	// StartCycle opens a cycle with a zero session count.
	StartCycle(ctx context.Context, patientID int64, cycleNumber int, start, end time.Time) error
	// CloseCycle clears the open cycle, advances the cycle number and counts
	// the cycle as completed when completed is true.
	CloseCycle(ctx context.Context, patientID int64, completed bool) error
	SetSessionCount(ctx context.Context, patientID int64, n int) error
	// ListExpired returns, in id order after afterID, patients whose cycle
	// ended before asOf while their history row is still Active.
	ListExpired(ctx context.Context, asOf time.Time, afterID int64, limit int) ([]int64, error)
}

type HistoryRepository interface {
	Create(ctx context.Context, h *History) error
	GetActive(ctx context.Context, patientID int64) (*History, error)
	Close(ctx context.Context, id int64, status Status, sessionCount int) error
	SetSessionCount(ctx context.Context, id int64, n int) error
	ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*History, int, error)
}

// SessionCounter counts a patient's completed appointments in a date range.
type SessionCounter interface {
	CountCompleted(ctx context.Context, patientID int64, from, to time.Time) (int, error)
}
