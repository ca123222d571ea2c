package inventory

import "context"

type ItemTypeRepository interface {
	GetByID(ctx context.Context, id int64) (*ItemType, error)
}

type StockRepository interface {
	Create(ctx context.Context, s *Stock) error
	GetByID(ctx context.Context, id int64) (*Stock, error)
	GetForUpdate(ctx context.Context, id int64) (*Stock, error)
	// DeductAvailable lowers the available quantity only when at least qty
	// remains, and reports whether it did.
	DeductAvailable(ctx context.Context, id int64, qty int) (bool, error)
	ListByCenter(ctx context.Context, centerID, itemTypeID int64) ([]*Stock, error)
}

type ItemRepository interface {
	Create(ctx context.Context, it *IndividualItem) error
	GetByID(ctx context.Context, id int64) (*IndividualItem, error)
	GetForUpdate(ctx context.Context, id int64) (*IndividualItem, error)
	// Save persists usage counters, status and availability.
	Save(ctx context.Context, it *IndividualItem) error
	ListAvailable(ctx context.Context, centerID, itemTypeID int64) ([]*IndividualItem, error)
	ListByStock(ctx context.Context, stockID int64) ([]*IndividualItem, error)
}

type UsageRepository interface {
	Create(ctx context.Context, u *SessionUsage) error
	ListBySession(ctx context.Context, sessionID int64) ([]*SessionUsage, error)
}

type DiscardRepository interface {
	Create(ctx context.Context, r *DiscardRequest) error
	GetByID(ctx context.Context, id int64) (*DiscardRequest, error)
	GetForUpdate(ctx context.Context, id int64) (*DiscardRequest, error)
	Review(ctx context.Context, r *DiscardRequest) error
	ListPending(ctx context.Context, centerID int64) ([]*DiscardRequest, error)
}
