package scheduling

import (
	"context"
	"time"

	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/metrics"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

// Calculator decides whether a window on a center's calendar still fits
// within the center's active machine count.
type Calculator struct {
	centers CenterRepository
	slots   SlotRepository
	metrics *metrics.Metrics
}

func NewCalculator(centers CenterRepository, slots SlotRepository, m *metrics.Metrics) *Calculator {
	return &Calculator{centers: centers, slots: slots, metrics: m}
}

// Check counts the machines and the overlapping bookings for w. A window is
// available while bookings stay below the machine count; a center without
// machines is never available.
func (c *Calculator) Check(ctx context.Context, centerID int64, date time.Time, w timeofday.Window, excludeAppointmentID int64) (*Availability, error) {
	if err := w.Validate(); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	date = timeofday.DateOf(date)

	machines, err := c.centers.ActiveMachineCount(ctx, centerID)
	if err != nil {
		return nil, apperr.Storage("count active machines", err)
	}
	av := &Availability{CenterID: centerID, Date: date, Window: w, Machines: machines}
	if machines == 0 {
		c.metrics.CapacityCheck(false)
		return av, nil
	}

	booked, err := c.slots.CountOverlapping(ctx, centerID, date, w, excludeAppointmentID)
	if err != nil {
		return nil, apperr.Storage("count overlapping slots", err)
	}
	av.Booked = booked
	av.Available = booked < machines
	c.metrics.CapacityCheck(av.Available)
	return av, nil
}
