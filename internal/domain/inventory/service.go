package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/domain/session"
	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/db"
	"github.com/dialysis/dialysis/internal/platform/metrics"
	"github.com/dialysis/dialysis/pkg/timeofday"
)

const (
	modeIndividual = "individual"
	modeBulk       = "bulk"
)

// TimelineWriter resolves a dialysis session and appends to its audit
// timeline.
type TimelineWriter interface {
	GetSession(ctx context.Context, id int64) (*session.Session, error)
	LogEvent(ctx context.Context, sessionID int64, eventType, description, actor string) error
}

type Repositories struct {
	ItemTypes ItemTypeRepository
	Stock     StockRepository
	Items     ItemRepository
	Usage     UsageRepository
	Discards  DiscardRepository
}

type Service struct {
	itemTypes ItemTypeRepository
	stock     StockRepository
	items     ItemRepository
	usage     UsageRepository
	discards  DiscardRepository
	timeline  TimelineWriter
	tx        db.Transactor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repos Repositories, timeline TimelineWriter, tx db.Transactor, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		itemTypes: repos.ItemTypes,
		stock:     repos.Stock,
		items:     repos.Items,
		usage:     repos.Usage,
		discards:  repos.Discards,
		timeline:  timeline,
		tx:        tx,
		metrics:   m,
		logger:    logger.With().Str("component", "inventory").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) itemType(ctx context.Context, id int64) (*ItemType, error) {
	t, err := s.itemTypes.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "item type", id)
	}
	return t, nil
}

// SerialNumber names the n-th unit of a batch, e.g. B2024-007.
func SerialNumber(batch string, n int) string {
	return fmt.Sprintf("%s-%03d", batch, n)
}

// AddStock receives a batch. For individually tracked item types one
// Available item per unit is generated in the same transaction.
func (s *Service) AddStock(ctx context.Context, req AddStockRequest, actor string) (*Stock, []*IndividualItem, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	t, err := s.itemType(ctx, req.ItemTypeID)
	if err != nil {
		return nil, nil, err
	}

	st := &Stock{
		ItemTypeID:            req.ItemTypeID,
		CenterID:              req.CenterID,
		BatchNumber:           strings.TrimSpace(req.BatchNumber),
		Quantity:              req.Quantity,
		AvailableQuantity:     req.Quantity,
		IsIndividuallyTracked: t.IsIndividuallyTracked,
		ExpiryDate:            req.ExpiryDate,
		ReceivedBy:            actor,
	}
	if t.IsIndividuallyTracked {
		maxUsage := req.MaxUsage
		if maxUsage == nil {
			maxUsage = t.DefaultMaxUsage
		}
		if maxUsage == nil || *maxUsage <= 0 {
			return nil, nil, apperr.Validation("%s is individually tracked and needs a max usage", t.Name)
		}
		st.MaxUsage = maxUsage
	}

	var generated []*IndividualItem
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.stock.Create(ctx, st); err != nil {
			return apperr.Storage("insert stock", err)
		}
		if !st.IsIndividuallyTracked {
			return nil
		}
		for i := 1; i <= st.Quantity; i++ {
			it := &IndividualItem{
				StockID:      st.ID,
				ItemTypeID:   st.ItemTypeID,
				CenterID:     st.CenterID,
				SerialNumber: SerialNumber(st.BatchNumber, i),
				MaxUsage:     *st.MaxUsage,
				Status:       ItemAvailable,
				IsAvailable:  true,
			}
			if err := s.items.Create(ctx, it); err != nil {
				if db.IsUniqueViolation(err, "") {
					return apperr.Conflict("serial number %s already exists", it.SerialNumber)
				}
				return apperr.Storage("insert individual item", err)
			}
			generated = append(generated, it)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().Int64("stock_id", st.ID).Str("batch", st.BatchNumber).Int("quantity", st.Quantity).
		Int("items", len(generated)).Str("actor", actor).Msg("stock received")
	return st, generated, nil
}

// AddInventoryToSession records what a session consumed. Individually
// tracked items have their usage count incremented; bulk stock has its
// available quantity lowered, failing with a Conflict when too little
// remains. Either way a timeline row names the item and quantity.
func (s *Service) AddInventoryToSession(ctx context.Context, req ConsumeRequest, actor string) (*SessionUsage, error) {
	defer s.metrics.Observe("add_inventory_to_session", time.Now())
	if err := req.Validate(); err != nil {
		return nil, err
	}

	u := &SessionUsage{
		SessionID:        req.SessionID,
		ItemTypeID:       req.ItemTypeID,
		IndividualItemID: req.IndividualItemID,
		StockID:          req.StockID,
		Quantity:         req.Quantity,
		RecordedBy:       actor,
	}
	if c := strings.TrimSpace(req.Condition); c != "" {
		u.Condition = &c
	}

	mode := modeBulk
	if req.IndividualItemID != nil {
		mode = modeIndividual
	}

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.timeline.GetSession(ctx, req.SessionID); err != nil {
			return err
		}
		t, err := s.itemType(ctx, req.ItemTypeID)
		if err != nil {
			return err
		}
		st, err := s.stock.GetForUpdate(ctx, req.StockID)
		if err != nil {
			return apperr.FromStore(err, "stock", req.StockID)
		}
		if st.ItemTypeID != req.ItemTypeID {
			return apperr.Validation("stock %d holds item type %d, not %d", st.ID, st.ItemTypeID, req.ItemTypeID)
		}
		now := s.now()
		if st.ExpiredOn(timeofday.DateOf(now)) {
			return apperr.State("batch %s expired on %s", st.BatchNumber, st.ExpiryDate.Format(timeofday.DateLayout))
		}

		var desc string
		if st.IsIndividuallyTracked {
			if req.IndividualItemID == nil {
				return apperr.Validation("%s is individually tracked, name the item used", t.Name)
			}
			it, err := s.incrementUsage(ctx, *req.IndividualItemID, st.ID, now)
			if err != nil {
				return err
			}
			desc = fmt.Sprintf("Used %s %s (use %d of %d)", t.Name, it.SerialNumber, it.CurrentUsage, it.MaxUsage)
		} else {
			if req.IndividualItemID != nil {
				return apperr.Validation("%s is not individually tracked", t.Name)
			}
			ok, err := s.stock.DeductAvailable(ctx, st.ID, req.Quantity)
			if err != nil {
				return apperr.Storage("deduct stock", err)
			}
			if !ok {
				return apperr.Conflict("batch %s has %d %s available, %d requested",
					st.BatchNumber, st.AvailableQuantity, t.Unit, req.Quantity)
			}
			desc = fmt.Sprintf("Used %d %s of %s (batch %s)", req.Quantity, t.Unit, t.Name, st.BatchNumber)
		}

		u.UsedAt = now
		if err := s.usage.Create(ctx, u); err != nil {
			return apperr.Storage("insert session inventory", err)
		}
		if u.Condition != nil {
			desc += ", condition " + *u.Condition
		}
		return s.timeline.LogEvent(ctx, req.SessionID, session.TimelineInventoryUsed, desc, actor)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.logger.Warn().Err(err).Int64("session_id", req.SessionID).Int64("stock_id", req.StockID).Msg("consumption rejected")
		}
		return nil, err
	}

	s.metrics.Consumed(mode, req.Quantity)
	s.logger.Info().Int64("session_id", u.SessionID).Int64("stock_id", u.StockID).Int("quantity", u.Quantity).
		Str("mode", mode).Str("actor", actor).Msg("inventory consumed")
	return u, nil
}

// IncrementUsageCount records one more use of an individual item. An item
// at its maximum is Exhausted and rejects further use with a StateError.
func (s *Service) IncrementUsageCount(ctx context.Context, itemID int64) (*IndividualItem, error) {
	var it *IndividualItem
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		it, err = s.incrementUsage(ctx, itemID, 0, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Consumed(modeIndividual, 1)
	return it, nil
}

// incrementUsage applies one use. A non-zero stockID must own the item.
func (s *Service) incrementUsage(ctx context.Context, itemID, stockID int64, at time.Time) (*IndividualItem, error) {
	it, err := s.items.GetForUpdate(ctx, itemID)
	if err != nil {
		return nil, apperr.FromStore(err, "individual item", itemID)
	}
	if stockID != 0 && it.StockID != stockID {
		return nil, apperr.Validation("item %s does not belong to stock %d", it.SerialNumber, stockID)
	}
	if err := it.Apply(ItemEventUse, at); err != nil {
		return nil, err
	}
	if err := s.items.Save(ctx, it); err != nil {
		return nil, apperr.Storage("update item usage", err)
	}
	if it.Status == ItemExhausted {
		s.metrics.ItemExhausted()
		s.logger.Info().Int64("item_id", it.ID).Str("serial", it.SerialNumber).Int("usage", it.CurrentUsage).Msg("item exhausted")
	}
	return it, nil
}

// CreateDiscardRequest snapshots the item's usage and takes it out of the
// selection pool until the request is reviewed.
func (s *Service) CreateDiscardRequest(ctx context.Context, itemID int64, discardType, reason, actor string) (*DiscardRequest, error) {
	discardType, reason = strings.TrimSpace(discardType), strings.TrimSpace(reason)
	if discardType == "" || reason == "" {
		return nil, apperr.Validation("discard type and reason are required")
	}

	var d *DiscardRequest
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		it, err := s.items.GetForUpdate(ctx, itemID)
		if err != nil {
			return apperr.FromStore(err, "individual item", itemID)
		}
		d = &DiscardRequest{
			IndividualItemID:  itemID,
			DiscardType:       discardType,
			Reason:            reason,
			UsageAtRequest:    it.CurrentUsage,
			MaxUsageAtRequest: it.MaxUsage,
			Status:            DiscardPending,
			RequestedBy:       actor,
			RequestedAt:       s.now(),
		}
		if err := it.Apply(ItemEventRequestDiscard, d.RequestedAt); err != nil {
			return err
		}
		if err := s.discards.Create(ctx, d); err != nil {
			if db.IsUniqueViolation(err, "uq_discard_pending") {
				return apperr.Conflict("item %s already has a pending discard request", it.SerialNumber)
			}
			return apperr.Storage("insert discard request", err)
		}
		if err := s.items.Save(ctx, it); err != nil {
			return apperr.Storage("update item status", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("discard_request_id", d.ID).Int64("item_id", itemID).Str("type", discardType).
		Str("actor", actor).Msg("discard requested")
	return d, nil
}

// ProcessDiscardRequest approves (item Discarded) or rejects (item back to
// Available, or Exhausted if it had reached its maximum) a pending request.
func (s *Service) ProcessDiscardRequest(ctx context.Context, requestID int64, approve bool, comments, reviewer string) (*DiscardRequest, error) {
	var d *DiscardRequest
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.discards.GetForUpdate(ctx, requestID)
		if err != nil {
			return apperr.FromStore(err, "discard request", requestID)
		}
		if d.Status != DiscardPending {
			return apperr.State("discard request %d was already %s", requestID, d.Status)
		}
		it, err := s.items.GetForUpdate(ctx, d.IndividualItemID)
		if err != nil {
			return apperr.FromStore(err, "individual item", d.IndividualItemID)
		}

		now := s.now()
		ev, status := ItemEventReject, DiscardRejected
		if approve {
			ev, status = ItemEventApprove, DiscardApproved
		}
		if err := it.Apply(ev, now); err != nil {
			return err
		}

		d.Status = status
		d.ReviewedBy, d.ReviewedAt = &reviewer, &now
		if c := strings.TrimSpace(comments); c != "" {
			d.ReviewComments = &c
		}
		if err := s.discards.Review(ctx, d); err != nil {
			return apperr.Storage("review discard request", err)
		}
		if err := s.items.Save(ctx, it); err != nil {
			return apperr.Storage("update item status", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("discard_request_id", requestID).Str("decision", string(d.Status)).
		Str("reviewer", reviewer).Msg("discard request reviewed")
	return d, nil
}

func (s *Service) ListAvailableItems(ctx context.Context, centerID, itemTypeID int64) ([]*IndividualItem, error) {
	items, err := s.items.ListAvailable(ctx, centerID, itemTypeID)
	if err != nil {
		return nil, apperr.Storage("list available items", err)
	}
	return items, nil
}

func (s *Service) ListStock(ctx context.Context, centerID, itemTypeID int64) ([]*Stock, error) {
	items, err := s.stock.ListByCenter(ctx, centerID, itemTypeID)
	if err != nil {
		return nil, apperr.Storage("list stock", err)
	}
	return items, nil
}

func (s *Service) GetStock(ctx context.Context, id int64) (*Stock, error) {
	st, err := s.stock.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "stock", id)
	}
	return st, nil
}

func (s *Service) ListStockItems(ctx context.Context, stockID int64) ([]*IndividualItem, error) {
	items, err := s.items.ListByStock(ctx, stockID)
	if err != nil {
		return nil, apperr.Storage("list stock items", err)
	}
	return items, nil
}

func (s *Service) GetItem(ctx context.Context, id int64) (*IndividualItem, error) {
	it, err := s.items.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "individual item", id)
	}
	return it, nil
}

func (s *Service) ListSessionInventory(ctx context.Context, sessionID int64) ([]*SessionUsage, error) {
	items, err := s.usage.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Storage("list session inventory", err)
	}
	return items, nil
}

func (s *Service) GetDiscardRequest(ctx context.Context, id int64) (*DiscardRequest, error) {
	d, err := s.discards.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "discard request", id)
	}
	return d, nil
}

func (s *Service) ListPendingDiscards(ctx context.Context, centerID int64) ([]*DiscardRequest, error) {
	items, err := s.discards.ListPending(ctx, centerID)
	if err != nil {
		return nil, apperr.Storage("list pending discard requests", err)
	}
	return items, nil
}
