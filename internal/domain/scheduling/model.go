package scheduling

import (
	"errors"
	"slices"
	"time"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

// AppointmentStatus is the persisted appointment state code.
type AppointmentStatus int16

const (
	StatusScheduled           AppointmentStatus = 1
	StatusInProgress          AppointmentStatus = 2
	StatusCompleted           AppointmentStatus = 3
	// StatusCompletedForBilling is set by billing reconciliation outside this
	// service. Nothing here transitions into it, but cycle counting treats it
	// as completed.
	StatusCompletedForBilling AppointmentStatus = 4
	StatusCancelled           AppointmentStatus = 5
	StatusTerminated          AppointmentStatus = 6
	StatusRescheduled         AppointmentStatus = 7
)

var statusNames = map[AppointmentStatus]string{
	StatusScheduled:           "Scheduled",
	StatusInProgress:          "InProgress",
	StatusCompleted:           "Completed",
	StatusCompletedForBilling: "CompletedForBilling",
	StatusCancelled:           "Cancelled",
	StatusTerminated:          "Terminated",
	StatusRescheduled:         "Rescheduled",
}

func (s AppointmentStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Unknown"
}

func (s AppointmentStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsTerminal reports whether no further lifecycle event applies.
func (s AppointmentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedForBilling, StatusCancelled, StatusTerminated:
		return true
	}
	return false
}

// HoldsCapacity reports whether slots of an appointment in this state count
// against the center's machines.
func (s AppointmentStatus) HoldsCapacity() bool {
	return s != StatusCancelled && s != StatusTerminated
}

// statusCodes lists the status codes matching keep, ascending, for use as a
// smallint[] query parameter.
func statusCodes(keep func(AppointmentStatus) bool) []int16 {
	var codes []int16
	for s := range statusNames {
		if keep(s) {
			codes = append(codes, int16(s))
		}
	}
	slices.Sort(codes)
	return codes
}

var (
	capacityStatuses = statusCodes(AppointmentStatus.HoldsCapacity)
	terminalStatuses = statusCodes(AppointmentStatus.IsTerminal)
)

// Event drives an appointment from one status to the next.
type Event string

const (
	EventStart      Event = "start"
	EventComplete   Event = "complete"
	EventTerminate  Event = "terminate"
	EventCancel     Event = "cancel"
	EventReschedule Event = "reschedule"
	EventConfirm    Event = "confirm"
)

type transition struct {
	from []AppointmentStatus
	to   AppointmentStatus
}

var transitions = map[Event]transition{
	EventStart:      {from: []AppointmentStatus{StatusScheduled}, to: StatusInProgress},
	EventComplete:   {from: []AppointmentStatus{StatusInProgress}, to: StatusCompleted},
	EventTerminate:  {from: []AppointmentStatus{StatusInProgress}, to: StatusTerminated},
	EventCancel:     {from: []AppointmentStatus{StatusScheduled, StatusRescheduled}, to: StatusCancelled},
	EventReschedule: {from: []AppointmentStatus{StatusScheduled, StatusRescheduled}, to: StatusRescheduled},
	EventConfirm:    {from: []AppointmentStatus{StatusRescheduled}, to: StatusScheduled},
}

// Transition returns the status reached by applying ev in state from, or a
// State error when the pair is not legal.
func Transition(from AppointmentStatus, ev Event) (AppointmentStatus, error) {
	t, ok := transitions[ev]
	if !ok {
		return from, apperr.Validation("unknown appointment event %q", ev)
	}
	for _, f := range t.from {
		if f == from {
			return t.to, nil
		}
	}
	return from, apperr.State("cannot %s an appointment that is %s", ev, from)
}

// EventFor maps a requested target status onto the event producing it.
// Scheduled and Rescheduled are reached only through rescheduling, and
// CompletedForBilling is never produced here.
func EventFor(target AppointmentStatus) (Event, error) {
	switch target {
	case StatusInProgress:
		return EventStart, nil
	case StatusCompleted:
		return EventComplete, nil
	case StatusTerminated:
		return EventTerminate, nil
	case StatusCancelled:
		return EventCancel, nil
	}
	if !target.Valid() {
		return "", apperr.Validation("unknown appointment status %d", target)
	}
	return "", apperr.Validation("status %s cannot be set directly", target)
}

// ErrStaleStatus is returned by a conditional status update when the row no
// longer holds the expected status.
var ErrStaleStatus = errors.New("appointment status changed concurrently")

type Appointment struct {
	ID                 int64               `json:"id"`
	PatientID          int64               `json:"patient_id"`
	CenterID           int64               `json:"center_id"`
	CompanyID          int64               `json:"company_id"`
	Status             AppointmentStatus   `json:"status"`
	AppointmentDate    time.Time           `json:"appointment_date"`
	StartTime          timeofday.TimeOfDay `json:"start_time"`
	EndTime            timeofday.TimeOfDay `json:"end_time"`
	RescheduleRevision int                 `json:"reschedule_revision"`
	RescheduleReason   *string             `json:"reschedule_reason,omitempty"`
	CreatedBy          string              `json:"created_by"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedBy          *string             `json:"updated_by,omitempty"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func (a *Appointment) Window() timeofday.Window {
	return timeofday.NewWindow(a.StartTime, a.EndTime)
}

// Slot is a reserved window on a center's calendar. Rescheduling deactivates
// the old slot rows and inserts a new one.
type Slot struct {
	ID            int64               `json:"id"`
	AppointmentID int64               `json:"appointment_id"`
	CenterID      int64               `json:"center_id"`
	SlotDate      time.Time           `json:"slot_date"`
	StartTime     timeofday.TimeOfDay `json:"start_time"`
	EndTime       timeofday.TimeOfDay `json:"end_time"`
	IsActive      bool                `json:"is_active"`
	CreatedBy     string              `json:"created_by"`
	CreatedAt     time.Time           `json:"created_at"`
	DeactivatedAt *time.Time          `json:"deactivated_at,omitempty"`
}

func (s *Slot) Window() timeofday.Window {
	return timeofday.NewWindow(s.StartTime, s.EndTime)
}

// Availability is the capacity picture for one window.
type Availability struct {
	CenterID  int64            `json:"center_id"`
	Date      time.Time        `json:"date"`
	Window    timeofday.Window `json:"window"`
	Machines  int              `json:"machines"`
	Booked    int              `json:"booked"`
	Available bool             `json:"available"`
}

// BookingRequest carries the fields of a new appointment.
type BookingRequest struct {
	PatientID int64
	CenterID  int64
	CompanyID int64
	Date      time.Time
	StartTime timeofday.TimeOfDay
	EndTime   timeofday.TimeOfDay
}

func (r BookingRequest) Validate() error {
	if r.PatientID <= 0 || r.CenterID <= 0 || r.CompanyID <= 0 {
		return apperr.Validation("patient, center and company are required")
	}
	if r.Date.IsZero() {
		return apperr.Validation("appointment date is required")
	}
	if err := timeofday.NewWindow(r.StartTime, r.EndTime).Validate(); err != nil {
		return apperr.Validation("%v", err)
	}
	return nil
}
