package asset

import (
	"context"
	"time"

	"github.com/dialysis/dialysis/pkg/timeofday"
)

type AssignmentRepository interface {
	Create(ctx context.Context, a *Assignment) error
	GetByID(ctx context.Context, id int64) (*Assignment, error)
	GetForUpdate(ctx context.Context, id int64) (*Assignment, error)
	UpdateStatus(ctx context.Context, id int64, status AssignmentStatus, actor string) error
	// CountActiveOverlapping counts Active assignments of the asset on date
	// whose [start, start+duration) overlaps w, ignoring excludeID.
	CountActiveOverlapping(ctx context.Context, assetID int64, date time.Time, w timeofday.Window, excludeID int64) (int, error)
	ListByAssetDate(ctx context.Context, assetID int64, date time.Time) ([]*Assignment, error)
	ListByAppointment(ctx context.Context, appointmentID int64) ([]*Assignment, error)
}
