package asset

import (
	"time"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "Active"
	AssignmentCompleted AssignmentStatus = "Completed"
	AssignmentCancelled AssignmentStatus = "Cancelled"
)

func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentActive, AssignmentCompleted, AssignmentCancelled:
		return true
	}
	return false
}

// NextAssignmentStatus allows only Active -> Completed and Active -> Cancelled.
func NextAssignmentStatus(from, to AssignmentStatus) error {
	if !to.Valid() {
		return apperr.Validation("unknown assignment status %q", to)
	}
	if from != AssignmentActive || to == AssignmentActive {
		return apperr.State("assignment cannot move from %s to %s", from, to)
	}
	return nil
}

// Assignment binds one machine to one appointment for a window of the day.
type Assignment struct {
	ID              int64               `json:"id"`
	AssetID         int64               `json:"asset_id"`
	AppointmentID   int64               `json:"appointment_id"`
	AssignmentDate  time.Time           `json:"assignment_date"`
	StartTime       timeofday.TimeOfDay `json:"start_time"`
	DurationMinutes int                 `json:"duration_minutes"`
	Status          AssignmentStatus    `json:"status"`
	Notes           *string             `json:"notes,omitempty"`
	CreatedBy       string              `json:"created_by"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedBy       *string             `json:"updated_by,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Window is [start, start+duration).
func (a *Assignment) Window() timeofday.Window {
	return timeofday.ForDuration(a.StartTime, a.DurationMinutes)
}

type AssignmentRequest struct {
	AssetID         int64
	AppointmentID   int64
	Date            time.Time
	StartTime       timeofday.TimeOfDay
	DurationMinutes int
	Notes           string
}

func (r AssignmentRequest) Validate() error {
	if r.AssetID <= 0 || r.AppointmentID <= 0 {
		return apperr.Validation("asset and appointment are required")
	}
	if r.Date.IsZero() {
		return apperr.Validation("assignment date is required")
	}
	if r.DurationMinutes <= 0 {
		return apperr.Validation("duration must be positive")
	}
	if err := timeofday.ForDuration(r.StartTime, r.DurationMinutes).Validate(); err != nil {
		return apperr.Validation("%v", err)
	}
	return nil
}
