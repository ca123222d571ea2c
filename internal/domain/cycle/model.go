package cycle

import "time"

// Cycle length and session target are fixed for every center.
const (
	CycleLengthDays = 42
	PlannedSessions = 18
)

type Status string

const (
	StatusActive     Status = "Active"
	StatusCompleted  Status = "Completed"
	StatusIncomplete Status = "Incomplete"
)

// ClosingStatus is Completed once the planned session count was reached.
func ClosingStatus(sessionCount int) Status {
	if sessionCount >= PlannedSessions {
		return StatusCompleted
	}
	return StatusIncomplete
}

// EndDate is the last day of a cycle starting on start.
func EndDate(start time.Time) time.Time {
	return start.AddDate(0, 0, CycleLengthDays)
}

// PatientCycle is the cycle state carried on the patient record.
type PatientCycle struct {
	PatientID       int64      `json:"patient_id"`
	CycleNumber     int        `json:"cycle_number"`
	CycleStart      *time.Time `json:"cycle_start,omitempty"`
	CycleEnd        *time.Time `json:"cycle_end,omitempty"`
	SessionCount    int        `json:"session_count"`
	CompletedCycles int        `json:"completed_cycles"`
}

func (p *PatientCycle) HasOpenCycle() bool {
	return p.CycleStart != nil && p.CycleEnd != nil
}

// ExpiredOn reports whether the open cycle ended before day.
func (p *PatientCycle) ExpiredOn(day time.Time) bool {
	return p.HasOpenCycle() && day.After(*p.CycleEnd)
}

// History is one row of a patient's treatment cycle history.
type History struct {
	ID              int64      `json:"id"`
	PatientID       int64      `json:"patient_id"`
	CycleNumber     int        `json:"cycle_number"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         time.Time  `json:"end_date"`
	PlannedSessions int        `json:"planned_sessions"`
	SessionCount    int        `json:"session_count"`
	Status          Status     `json:"status"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
