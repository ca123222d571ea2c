package inventory

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialysis/dialysis/internal/platform/db"
)

// =========== Item Type Repository ===========

type itemTypeRepoPG struct{ pool *pgxpool.Pool }

func NewItemTypeRepoPG(pool *pgxpool.Pool) ItemTypeRepository { return &itemTypeRepoPG{pool: pool} }

func (r *itemTypeRepoPG) GetByID(ctx context.Context, id int64) (*ItemType, error) {
	var t ItemType
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, name, unit, is_individually_tracked, default_max_usage
		FROM item_types WHERE id = $1 AND is_active`, id).
		Scan(&t.ID, &t.Name, &t.Unit, &t.IsIndividuallyTracked, &t.DefaultMaxUsage)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =========== Stock Repository ===========

type stockRepoPG struct{ pool *pgxpool.Pool }

func NewStockRepoPG(pool *pgxpool.Pool) StockRepository { return &stockRepoPG{pool: pool} }

func (r *stockRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const stockCols = `id, item_type_id, center_id, batch_number, quantity, available_quantity,
	is_individually_tracked, max_usage, expiry_date, received_by, received_at`

func scanStock(row pgx.Row) (*Stock, error) {
	var s Stock
	err := row.Scan(&s.ID, &s.ItemTypeID, &s.CenterID, &s.BatchNumber, &s.Quantity, &s.AvailableQuantity,
		&s.IsIndividuallyTracked, &s.MaxUsage, &s.ExpiryDate, &s.ReceivedBy, &s.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *stockRepoPG) Create(ctx context.Context, s *Stock) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO inventory_stock (item_type_id, center_id, batch_number, quantity, available_quantity,
			is_individually_tracked, max_usage, expiry_date, received_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, received_at`,
		s.ItemTypeID, s.CenterID, s.BatchNumber, s.Quantity, s.AvailableQuantity,
		s.IsIndividuallyTracked, s.MaxUsage, s.ExpiryDate, s.ReceivedBy,
	).Scan(&s.ID, &s.ReceivedAt)
}

func (r *stockRepoPG) GetByID(ctx context.Context, id int64) (*Stock, error) {
	return scanStock(r.conn(ctx).QueryRow(ctx, `SELECT `+stockCols+` FROM inventory_stock WHERE id = $1`, id))
}

func (r *stockRepoPG) GetForUpdate(ctx context.Context, id int64) (*Stock, error) {
	return scanStock(r.conn(ctx).QueryRow(ctx, `SELECT `+stockCols+` FROM inventory_stock WHERE id = $1 FOR UPDATE`, id))
}

func (r *stockRepoPG) DeductAvailable(ctx context.Context, id int64, qty int) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_stock SET available_quantity = available_quantity - $2
		WHERE id = $1 AND available_quantity >= $2`, id, qty)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *stockRepoPG) ListByCenter(ctx context.Context, centerID, itemTypeID int64) ([]*Stock, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stockCols+` FROM inventory_stock
		WHERE center_id = $1 AND item_type_id = $2
		ORDER BY expiry_date NULLS LAST, id`, centerID, itemTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Stock
	for rows.Next() {
		s, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== Individual Item Repository ===========

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository { return &itemRepoPG{pool: pool} }

func (r *itemRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const itemCols = `id, stock_id, item_type_id, center_id, serial_number, current_usage, max_usage,
	status, is_available, first_used_at, last_used_at, created_at, updated_at`

func scanItem(row pgx.Row) (*IndividualItem, error) {
	var it IndividualItem
	err := row.Scan(&it.ID, &it.StockID, &it.ItemTypeID, &it.CenterID, &it.SerialNumber, &it.CurrentUsage, &it.MaxUsage,
		&it.Status, &it.IsAvailable, &it.FirstUsedAt, &it.LastUsedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *itemRepoPG) Create(ctx context.Context, it *IndividualItem) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO individual_items (stock_id, item_type_id, center_id, serial_number, current_usage,
			max_usage, status, is_available)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`,
		it.StockID, it.ItemTypeID, it.CenterID, it.SerialNumber, it.CurrentUsage,
		it.MaxUsage, string(it.Status), it.IsAvailable,
	).Scan(&it.ID, &it.CreatedAt, &it.UpdatedAt)
}

func (r *itemRepoPG) GetByID(ctx context.Context, id int64) (*IndividualItem, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM individual_items WHERE id = $1`, id))
}

func (r *itemRepoPG) GetForUpdate(ctx context.Context, id int64) (*IndividualItem, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM individual_items WHERE id = $1 FOR UPDATE`, id))
}

func (r *itemRepoPG) Save(ctx context.Context, it *IndividualItem) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE individual_items SET current_usage = $2, status = $3, is_available = $4,
			first_used_at = $5, last_used_at = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		it.ID, it.CurrentUsage, string(it.Status), it.IsAvailable, it.FirstUsedAt, it.LastUsedAt,
	).Scan(&it.UpdatedAt)
}

func (r *itemRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*IndividualItem, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*IndividualItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListAvailable prefers the most used items so partly used units are
// finished first.
func (r *itemRepoPG) ListAvailable(ctx context.Context, centerID, itemTypeID int64) ([]*IndividualItem, error) {
	return r.list(ctx, `SELECT `+itemCols+` FROM individual_items
		WHERE center_id = $1 AND item_type_id = $2 AND is_available
		ORDER BY current_usage DESC, id`, centerID, itemTypeID)
}

func (r *itemRepoPG) ListByStock(ctx context.Context, stockID int64) ([]*IndividualItem, error) {
	return r.list(ctx, `SELECT `+itemCols+` FROM individual_items WHERE stock_id = $1 ORDER BY serial_number`, stockID)
}

// =========== Session Usage Repository ===========

type usageRepoPG struct{ pool *pgxpool.Pool }

func NewUsageRepoPG(pool *pgxpool.Pool) UsageRepository { return &usageRepoPG{pool: pool} }

func (r *usageRepoPG) Create(ctx context.Context, u *SessionUsage) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO session_inventory (session_id, item_type_id, individual_item_id, stock_id, quantity,
			item_condition, used_at, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		u.SessionID, u.ItemTypeID, u.IndividualItemID, u.StockID, u.Quantity,
		u.Condition, u.UsedAt, u.RecordedBy,
	).Scan(&u.ID)
}

func (r *usageRepoPG) ListBySession(ctx context.Context, sessionID int64) ([]*SessionUsage, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, session_id, item_type_id, individual_item_id, stock_id, quantity,
			item_condition, used_at, recorded_by
		FROM session_inventory WHERE session_id = $1 ORDER BY used_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SessionUsage
	for rows.Next() {
		var u SessionUsage
		if err := rows.Scan(&u.ID, &u.SessionID, &u.ItemTypeID, &u.IndividualItemID, &u.StockID, &u.Quantity,
			&u.Condition, &u.UsedAt, &u.RecordedBy); err != nil {
			return nil, err
		}
		items = append(items, &u)
	}
	return items, rows.Err()
}

// =========== Discard Request Repository ===========

type discardRepoPG struct{ pool *pgxpool.Pool }

func NewDiscardRepoPG(pool *pgxpool.Pool) DiscardRepository { return &discardRepoPG{pool: pool} }

const discardCols = `id, individual_item_id, discard_type, reason, usage_at_request, max_usage_at_request,
	status, requested_by, requested_at, reviewed_by, reviewed_at, review_comments`

func scanDiscard(row pgx.Row) (*DiscardRequest, error) {
	var d DiscardRequest
	err := row.Scan(&d.ID, &d.IndividualItemID, &d.DiscardType, &d.Reason, &d.UsageAtRequest, &d.MaxUsageAtRequest,
		&d.Status, &d.RequestedBy, &d.RequestedAt, &d.ReviewedBy, &d.ReviewedAt, &d.ReviewComments)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *discardRepoPG) Create(ctx context.Context, d *DiscardRequest) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO discard_requests (individual_item_id, discard_type, reason, usage_at_request,
			max_usage_at_request, status, requested_by, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		d.IndividualItemID, d.DiscardType, d.Reason, d.UsageAtRequest,
		d.MaxUsageAtRequest, string(d.Status), d.RequestedBy, d.RequestedAt,
	).Scan(&d.ID)
}

func (r *discardRepoPG) GetByID(ctx context.Context, id int64) (*DiscardRequest, error) {
	return scanDiscard(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+discardCols+` FROM discard_requests WHERE id = $1`, id))
}

func (r *discardRepoPG) GetForUpdate(ctx context.Context, id int64) (*DiscardRequest, error) {
	return scanDiscard(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+discardCols+` FROM discard_requests WHERE id = $1 FOR UPDATE`, id))
}

func (r *discardRepoPG) Review(ctx context.Context, d *DiscardRequest) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE discard_requests SET status = $2, reviewed_by = $3, reviewed_at = $4, review_comments = $5
		WHERE id = $1`,
		d.ID, string(d.Status), d.ReviewedBy, d.ReviewedAt, d.ReviewComments)
	return err
}

func (r *discardRepoPG) ListPending(ctx context.Context, centerID int64) ([]*DiscardRequest, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT d.id, d.individual_item_id, d.discard_type, d.reason, d.usage_at_request, d.max_usage_at_request,
			d.status, d.requested_by, d.requested_at, d.reviewed_by, d.reviewed_at, d.review_comments
		FROM discard_requests d
		JOIN individual_items i ON i.id = d.individual_item_id
		WHERE i.center_id = $1 AND d.status = 'Pending'
		ORDER BY d.requested_at`, centerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DiscardRequest
	for rows.Next() {
		d, err := scanDiscard(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
