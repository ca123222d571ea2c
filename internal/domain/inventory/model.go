package inventory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dialysis/dialysis/internal/platform/apperr"
)

// ItemStatus is the lifecycle state of one individually tracked unit.
type ItemStatus string

const (
	ItemAvailable        ItemStatus = "Available"
	ItemInUse            ItemStatus = "InUse"
	ItemExhausted        ItemStatus = "Exhausted"
	ItemDiscardRequested ItemStatus = "DiscardRequested"
	ItemDiscarded        ItemStatus = "Discarded"
)

// Selectable is the availability flag persisted next to the status.
func (s ItemStatus) Selectable() bool {
	return s == ItemAvailable || s == ItemInUse
}

type ItemEvent string

const (
	ItemEventUse            ItemEvent = "use"
	ItemEventRequestDiscard ItemEvent = "request-discard"
	ItemEventApprove        ItemEvent = "approve-discard"
	ItemEventReject         ItemEvent = "reject-discard"
)

var itemTransitions = map[ItemEvent]map[ItemStatus]bool{
	ItemEventUse:            {ItemAvailable: true, ItemInUse: true},
	ItemEventRequestDiscard: {ItemAvailable: true, ItemInUse: true, ItemExhausted: true},
	ItemEventApprove:        {ItemDiscardRequested: true},
	ItemEventReject:         {ItemDiscardRequested: true},
}

// IndividualItem is one physically tracked reusable unit, e.g. a dialyzer.
type IndividualItem struct {
	ID           int64      `json:"id"`
	StockID      int64      `json:"stock_id"`
	ItemTypeID   int64      `json:"item_type_id"`
	CenterID     int64      `json:"center_id"`
	SerialNumber string     `json:"serial_number"`
	CurrentUsage int        `json:"current_usage"`
	MaxUsage     int        `json:"max_usage"`
	Status       ItemStatus `json:"status"`
	IsAvailable  bool       `json:"is_available"`
	FirstUsedAt  *time.Time `json:"first_used_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Apply moves the item through ev and keeps IsAvailable in step with the
// status. Use increments the usage count and exhausts the item at its
// maximum; rejecting a discard restores Exhausted when the item had already
// reached it.
func (it *IndividualItem) Apply(ev ItemEvent, at time.Time) error {
	legal, ok := itemTransitions[ev]
	if !ok {
		return apperr.Validation("unknown item event %q", ev)
	}
	if !legal[it.Status] {
		return apperr.State("item %s is %s and cannot %s", it.SerialNumber, it.Status, ev)
	}

	switch ev {
	case ItemEventUse:
		it.CurrentUsage++
		if it.FirstUsedAt == nil {
			it.FirstUsedAt = &at
		}
		it.LastUsedAt = &at
		if it.CurrentUsage >= it.MaxUsage {
			it.Status = ItemExhausted
		} else {
			it.Status = ItemInUse
		}
	case ItemEventRequestDiscard:
		it.Status = ItemDiscardRequested
	case ItemEventApprove:
		it.Status = ItemDiscarded
	case ItemEventReject:
		if it.CurrentUsage >= it.MaxUsage {
			it.Status = ItemExhausted
		} else {
			it.Status = ItemAvailable
		}
	}
	it.IsAvailable = it.Status.Selectable()
	return nil
}

// RemainingUses is how many more sessions the item can serve.
func (it *IndividualItem) RemainingUses() int {
	if n := it.MaxUsage - it.CurrentUsage; n > 0 {
		return n
	}
	return 0
}

func (it IndividualItem) MarshalJSON() ([]byte, error) {
	type item IndividualItem
	return json.Marshal(struct {
		item
		RemainingUses int `json:"remaining_uses"`
	}{item(it), it.RemainingUses()})
}

type ItemType struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	Unit                  string `json:"unit"`
	IsIndividuallyTracked bool   `json:"is_individually_tracked"`
	DefaultMaxUsage       *int   `json:"default_max_usage,omitempty"`
}

// Stock is one received batch of an item type at a center.
type Stock struct {
	ID                    int64      `json:"id"`
	ItemTypeID            int64      `json:"item_type_id"`
	CenterID              int64      `json:"center_id"`
	BatchNumber           string     `json:"batch_number"`
	Quantity              int        `json:"quantity"`
	AvailableQuantity     int        `json:"available_quantity"`
	IsIndividuallyTracked bool       `json:"is_individually_tracked"`
	MaxUsage              *int       `json:"max_usage,omitempty"`
	ExpiryDate            *time.Time `json:"expiry_date,omitempty"`
	ReceivedBy            string     `json:"received_by"`
	ReceivedAt            time.Time  `json:"received_at"`
}

// ExpiredOn reports whether the batch expired before day.
func (s *Stock) ExpiredOn(day time.Time) bool {
	return s.ExpiryDate != nil && day.After(*s.ExpiryDate)
}

// SessionUsage records one consumption of stock by a dialysis session.
type SessionUsage struct {
	ID               int64     `json:"id"`
	SessionID        int64     `json:"session_id"`
	ItemTypeID       int64     `json:"item_type_id"`
	IndividualItemID *int64    `json:"individual_item_id,omitempty"`
	StockID          int64     `json:"stock_id"`
	Quantity         int       `json:"quantity"`
	Condition        *string   `json:"condition,omitempty"`
	UsedAt           time.Time `json:"used_at"`
	RecordedBy       string    `json:"recorded_by"`
}

type DiscardStatus string

const (
	DiscardPending  DiscardStatus = "Pending"
	DiscardApproved DiscardStatus = "Approved"
	DiscardRejected DiscardStatus = "Rejected"
)

type DiscardRequest struct {
	ID                int64         `json:"id"`
	IndividualItemID  int64         `json:"individual_item_id"`
	DiscardType       string        `json:"discard_type"`
	Reason            string        `json:"reason"`
	UsageAtRequest    int           `json:"usage_at_request"`
	MaxUsageAtRequest int           `json:"max_usage_at_request"`
	Status            DiscardStatus `json:"status"`
	RequestedBy       string        `json:"requested_by"`
	RequestedAt       time.Time     `json:"requested_at"`
	ReviewedBy        *string       `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time    `json:"reviewed_at,omitempty"`
	ReviewComments    *string       `json:"review_comments,omitempty"`
}

type AddStockRequest struct {
	ItemTypeID  int64
	CenterID    int64
	BatchNumber string
	Quantity    int
	MaxUsage    *int
	ExpiryDate  *time.Time
}

func (r AddStockRequest) Validate() error {
	if r.ItemTypeID <= 0 || r.CenterID <= 0 {
		return apperr.Validation("item type and center are required")
	}
	if strings.TrimSpace(r.BatchNumber) == "" {
		return apperr.Validation("batch number is required")
	}
	if r.Quantity <= 0 {
		return apperr.Validation("quantity must be positive, got %d", r.Quantity)
	}
	if r.MaxUsage != nil && *r.MaxUsage <= 0 {
		return apperr.Validation("max usage must be positive, got %d", *r.MaxUsage)
	}
	return nil
}

// ConsumeRequest names what a session used. IndividualItemID is set for
// individually tracked items, which are always consumed one at a time.
type ConsumeRequest struct {
	SessionID        int64
	ItemTypeID       int64
	IndividualItemID *int64
	StockID          int64
	Quantity         int
	Condition        string
}

func (r ConsumeRequest) Validate() error {
	if r.SessionID <= 0 || r.ItemTypeID <= 0 || r.StockID <= 0 {
		return apperr.Validation("session, item type and stock are required")
	}
	if r.Quantity <= 0 {
		return apperr.Validation("quantity must be positive, got %d", r.Quantity)
	}
	if r.IndividualItemID != nil && r.Quantity != 1 {
		return apperr.Validation("an individual item is used one unit at a time, got %d", r.Quantity)
	}
	return nil
}
