package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/domain/session"
	"github.com/dialysis/dialysis/internal/platform/apperr"
	"github.com/dialysis/dialysis/internal/platform/auth"
	"github.com/dialysis/dialysis/internal/platform/middleware"
)

// -- Mock Repositories --

type mockItemTypeRepo struct {
	types map[int64]*ItemType
}

func intPtr(v int) *int { return &v }

func newMockItemTypeRepo() *mockItemTypeRepo {
	return &mockItemTypeRepo{types: map[int64]*ItemType{
		1: {ID: 1, Name: "Dialyzer F8", Unit: "unit", IsIndividuallyTracked: true, DefaultMaxUsage: intPtr(5)},
		2: {ID: 2, Name: "Saline 0.9%", Unit: "bag"},
		3: {ID: 3, Name: "Bloodline", Unit: "unit", IsIndividuallyTracked: true},
	}}
}

func (m *mockItemTypeRepo) GetByID(_ context.Context, id int64) (*ItemType, error) {
	t, ok := m.types[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

type mockStockRepo struct {
	items  map[int64]*Stock
	nextID int64
}

func newMockStockRepo() *mockStockRepo {
	return &mockStockRepo{items: make(map[int64]*Stock)}
}

func (m *mockStockRepo) Create(_ context.Context, s *Stock) error {
	m.nextID++
	s.ID = m.nextID
	s.ReceivedAt = time.Now()
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *mockStockRepo) GetByID(_ context.Context, id int64) (*Stock, error) {
	s, ok := m.items[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *mockStockRepo) GetForUpdate(ctx context.Context, id int64) (*Stock, error) {
	return m.GetByID(ctx, id)
}

func (m *mockStockRepo) DeductAvailable(_ context.Context, id int64, qty int) (bool, error) {
	s := m.items[id]
	if s.AvailableQuantity < qty {
		return false, nil
	}
	s.AvailableQuantity -= qty
	return true, nil
}

func (m *mockStockRepo) ListByCenter(_ context.Context, centerID, itemTypeID int64) ([]*Stock, error) {
	var result []*Stock
	for _, s := range m.items {
		if s.CenterID == centerID && s.ItemTypeID == itemTypeID {
			result = append(result, s)
		}
	}
	return result, nil
}

type mockItemRepo struct {
	items   map[int64]*IndividualItem
	serials map[string]bool
	nextID  int64
}

func newMockItemRepo() *mockItemRepo {
	return &mockItemRepo{items: make(map[int64]*IndividualItem), serials: make(map[string]bool)}
}

func (m *mockItemRepo) Create(_ context.Context, it *IndividualItem) error {
	if m.serials[it.SerialNumber] {
		return &pgconn.PgError{Code: "23505", ConstraintName: "individual_items_serial_number_key"}
	}
	m.serials[it.SerialNumber] = true
	m.nextID++
	it.ID = m.nextID
	cp := *it
	m.items[it.ID] = &cp
	return nil
}

func (m *mockItemRepo) GetByID(_ context.Context, id int64) (*IndividualItem, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *it
	return &cp, nil
}

func (m *mockItemRepo) GetForUpdate(ctx context.Context, id int64) (*IndividualItem, error) {
	return m.GetByID(ctx, id)
}

func (m *mockItemRepo) Save(_ context.Context, it *IndividualItem) error {
	cp := *it
	m.items[it.ID] = &cp
	return nil
}

func (m *mockItemRepo) ListAvailable(_ context.Context, centerID, itemTypeID int64) ([]*IndividualItem, error) {
	var result []*IndividualItem
	for _, it := range m.items {
		if it.CenterID == centerID && it.ItemTypeID == itemTypeID && it.IsAvailable {
			result = append(result, it)
		}
	}
	return result, nil
}

func (m *mockItemRepo) ListByStock(_ context.Context, stockID int64) ([]*IndividualItem, error) {
	var result []*IndividualItem
	for id := int64(1); id <= m.nextID; id++ {
		if it, ok := m.items[id]; ok && it.StockID == stockID {
			result = append(result, it)
		}
	}
	return result, nil
}

// mockUsageRepo enforces the session foreign key like session_inventory does.
type mockUsageRepo struct {
	items    []*SessionUsage
	sessions map[int64]bool
}

func (m *mockUsageRepo) Create(_ context.Context, u *SessionUsage) error {
	if !m.sessions[u.SessionID] {
		return &pgconn.PgError{Code: "23503", ConstraintName: "session_inventory_session_id_fkey"}
	}
	u.ID = int64(len(m.items) + 1)
	cp := *u
	m.items = append(m.items, &cp)
	return nil
}

func (m *mockUsageRepo) ListBySession(_ context.Context, sessionID int64) ([]*SessionUsage, error) {
	var result []*SessionUsage
	for _, u := range m.items {
		if u.SessionID == sessionID {
			result = append(result, u)
		}
	}
	return result, nil
}

type mockDiscardRepo struct {
	items  map[int64]*DiscardRequest
	nextID int64
}

func newMockDiscardRepo() *mockDiscardRepo {
	return &mockDiscardRepo{items: make(map[int64]*DiscardRequest)}
}

func (m *mockDiscardRepo) Create(_ context.Context, d *DiscardRequest) error {
	for _, existing := range m.items {
		if existing.IndividualItemID == d.IndividualItemID && existing.Status == DiscardPending {
			return &pgconn.PgError{Code: "23505", ConstraintName: "uq_discard_pending"}
		}
	}
	m.nextID++
	d.ID = m.nextID
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *mockDiscardRepo) GetByID(_ context.Context, id int64) (*DiscardRequest, error) {
	d, ok := m.items[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *d
	return &cp, nil
}

func (m *mockDiscardRepo) GetForUpdate(ctx context.Context, id int64) (*DiscardRequest, error) {
	return m.GetByID(ctx, id)
}

func (m *mockDiscardRepo) Review(_ context.Context, d *DiscardRequest) error {
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *mockDiscardRepo) ListPending(_ context.Context, centerID int64) ([]*DiscardRequest, error) {
	var result []*DiscardRequest
	for _, d := range m.items {
		if d.Status == DiscardPending {
			result = append(result, d)
		}
	}
	return result, nil
}

type timelineRow struct {
	sessionID   int64
	eventType   string
	description string
}

type fakeTimeline struct {
	sessions map[int64]bool
	rows     []timelineRow
}

func (f *fakeTimeline) GetSession(_ context.Context, id int64) (*session.Session, error) {
	if !f.sessions[id] {
		return nil, apperr.NotFound("session", id)
	}
	return &session.Session{ID: id, Status: session.StatusInProgress}, nil
}

func (f *fakeTimeline) LogEvent(_ context.Context, sessionID int64, eventType, description, _ string) error {
	if !f.sessions[sessionID] {
		return apperr.NotFound("session", sessionID)
	}
	f.rows = append(f.rows, timelineRow{sessionID, eventType, description})
	return nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (passthroughTx) WithSerializableTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type testEnv struct {
	svc      *Service
	stock    *mockStockRepo
	items    *mockItemRepo
	usage    *mockUsageRepo
	discards *mockDiscardRepo
	timeline *fakeTimeline
}

var today = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	sessions := map[int64]bool{1: true, 2: true}
	env := &testEnv{
		stock:    newMockStockRepo(),
		items:    newMockItemRepo(),
		usage:    &mockUsageRepo{sessions: sessions},
		discards: newMockDiscardRepo(),
		timeline: &fakeTimeline{sessions: sessions},
	}
	env.svc = NewService(Repositories{
		ItemTypes: newMockItemTypeRepo(),
		Stock:     env.stock,
		Items:     env.items,
		Usage:     env.usage,
		Discards:  env.discards,
	}, env.timeline, passthroughTx{}, nil, zerolog.Nop())
	env.svc.now = func() time.Time { return today }
	return env
}

func (env *testEnv) receive(t *testing.T, itemTypeID int64, batch string, qty int) (*Stock, []*IndividualItem) {
	t.Helper()
	st, items, err := env.svc.AddStock(context.Background(), AddStockRequest{
		ItemTypeID: itemTypeID, CenterID: 1, BatchNumber: batch, Quantity: qty,
	}, "storekeeper")
	if err != nil {
		t.Fatalf("add stock: %v", err)
	}
	return st, items
}

// -- Tests --

func TestItemApply_ExhaustsAtMaximum(t *testing.T) {
	it := &IndividualItem{SerialNumber: "B-001", MaxUsage: 5, Status: ItemAvailable, IsAvailable: true}
	for i := 1; i <= 5; i++ {
		if err := it.Apply(ItemEventUse, today); err != nil {
			t.Fatalf("use %d: %v", i, err)
		}
		if i < 5 && (it.Status != ItemInUse || !it.IsAvailable) {
			t.Errorf("after use %d expected InUse and available, got %s/%v", i, it.Status, it.IsAvailable)
		}
	}
	if it.Status != ItemExhausted || it.IsAvailable || it.CurrentUsage != 5 {
		t.Fatalf("expected Exhausted after 5 uses, got %+v", it)
	}
	if err := it.Apply(ItemEventUse, today); !apperr.Is(err, apperr.KindState) {
		t.Errorf("expected state error past exhaustion, got %v", err)
	}
	if it.CurrentUsage != 5 || it.Status != ItemExhausted {
		t.Errorf("rejected use must leave the item untouched, got %+v", it)
	}
	if it.RemainingUses() != 0 {
		t.Errorf("expected no remaining uses, got %d", it.RemainingUses())
	}
}

func TestIndividualItem_JSONIncludesRemainingUses(t *testing.T) {
	it := IndividualItem{ID: 3, SerialNumber: "B1-003", CurrentUsage: 2, MaxUsage: 5, Status: ItemInUse, IsAvailable: true}
	raw, err := json.Marshal(&it)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["remaining_uses"] != float64(3) || got["serial_number"] != "B1-003" || got["status"] != "InUse" {
		t.Errorf("unexpected item JSON %s", raw)
	}
}

func TestItemApply_AvailabilityFollowsStatus(t *testing.T) {
	statuses := map[ItemStatus]bool{
		ItemAvailable: true, ItemInUse: true,
		ItemExhausted: false, ItemDiscardRequested: false, ItemDiscarded: false,
	}
	for s, want := range statuses {
		if s.Selectable() != want {
			t.Errorf("%s.Selectable() = %v, want %v", s, !want, want)
		}
	}
}

func TestItemApply_IllegalTransitions(t *testing.T) {
	tests := []struct {
		from ItemStatus
		ev   ItemEvent
	}{
		{ItemDiscarded, ItemEventUse},
		{ItemDiscardRequested, ItemEventUse},
		{ItemDiscarded, ItemEventRequestDiscard},
		{ItemDiscardRequested, ItemEventRequestDiscard},
		{ItemAvailable, ItemEventApprove},
		{ItemInUse, ItemEventReject},
	}
	for _, tt := range tests {
		it := &IndividualItem{MaxUsage: 5, Status: tt.from}
		if err := it.Apply(tt.ev, today); !apperr.Is(err, apperr.KindState) {
			t.Errorf("%s on %s: expected state error, got %v", tt.ev, tt.from, err)
		}
	}
}

func TestAddStock_GeneratesIndividualItems(t *testing.T) {
	env := newTestEnv()
	st, items := env.receive(t, 1, "B2024", 3)

	if !st.IsIndividuallyTracked || *st.MaxUsage != 5 || st.AvailableQuantity != 3 {
		t.Errorf("unexpected stock: %+v", st)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, it := range items {
		want := SerialNumber("B2024", i+1)
		if it.SerialNumber != want || it.Status != ItemAvailable || !it.IsAvailable || it.MaxUsage != 5 {
			t.Errorf("item %d: unexpected %+v (want serial %s)", i, it, want)
		}
	}
	if items[2].SerialNumber != "B2024-003" {
		t.Errorf("unexpected serial format %s", items[2].SerialNumber)
	}
}

func TestAddStock_Bulk(t *testing.T) {
	env := newTestEnv()
	st, items := env.receive(t, 2, "S-1", 40)
	if st.IsIndividuallyTracked || len(items) != 0 || st.MaxUsage != nil {
		t.Errorf("bulk stock must not generate items: %+v, %d", st, len(items))
	}
}

func TestAddStock_Rejections(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, _, err := env.svc.AddStock(ctx, AddStockRequest{ItemTypeID: 3, CenterID: 1, BatchNumber: "L1", Quantity: 2}, "sk"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error without max usage, got %v", err)
	}
	if _, _, err := env.svc.AddStock(ctx, AddStockRequest{ItemTypeID: 1, CenterID: 1, BatchNumber: "B", Quantity: 0}, "sk"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for zero quantity, got %v", err)
	}
	if _, _, err := env.svc.AddStock(ctx, AddStockRequest{ItemTypeID: 99, CenterID: 1, BatchNumber: "B", Quantity: 1}, "sk"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found item type, got %v", err)
	}

	env.receive(t, 1, "DUP", 2)
	if _, _, err := env.svc.AddStock(ctx, AddStockRequest{ItemTypeID: 1, CenterID: 1, BatchNumber: "DUP", Quantity: 2}, "sk"); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict on duplicate serials, got %v", err)
	}

	st, items, err := env.svc.AddStock(ctx, AddStockRequest{ItemTypeID: 3, CenterID: 1, BatchNumber: "L2", Quantity: 1, MaxUsage: intPtr(2)}, "sk")
	if err != nil || *st.MaxUsage != 2 || items[0].MaxUsage != 2 {
		t.Errorf("explicit max usage: %+v %v", st, err)
	}
}

func TestAddInventoryToSession_Individual(t *testing.T) {
	env := newTestEnv()
	st, items := env.receive(t, 1, "B1", 1)
	id := items[0].ID

	u, err := env.svc.AddInventoryToSession(context.Background(), ConsumeRequest{
		SessionID: 1, ItemTypeID: 1, IndividualItemID: &id, StockID: st.ID, Quantity: 1, Condition: "good",
	}, "nurse1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if u.ID == 0 || u.Condition == nil || *u.Condition != "good" {
		t.Errorf("unexpected usage row: %+v", u)
	}
	it := env.items.items[id]
	if it.CurrentUsage != 1 || it.Status != ItemInUse || it.FirstUsedAt == nil {
		t.Errorf("unexpected item after use: %+v", it)
	}
	if env.stock.items[st.ID].AvailableQuantity != 1 {
		t.Error("individual consumption must not touch bulk counters")
	}
	if len(env.timeline.rows) != 1 || env.timeline.rows[0].eventType != session.TimelineInventoryUsed ||
		!strings.Contains(env.timeline.rows[0].description, "B1-001") {
		t.Errorf("unexpected timeline: %+v", env.timeline.rows)
	}
}

func TestAddInventoryToSession_Bulk(t *testing.T) {
	env := newTestEnv()
	st, _ := env.receive(t, 2, "S1", 3)
	ctx := context.Background()

	if _, err := env.svc.AddInventoryToSession(ctx, ConsumeRequest{SessionID: 1, ItemTypeID: 2, StockID: st.ID, Quantity: 2}, "nurse1"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got := env.stock.items[st.ID].AvailableQuantity; got != 1 {
		t.Errorf("expected 1 bag left, got %d", got)
	}
	if !strings.Contains(env.timeline.rows[0].description, "2 bag") {
		t.Errorf("unexpected timeline description %q", env.timeline.rows[0].description)
	}

	_, err := env.svc.AddInventoryToSession(ctx, ConsumeRequest{SessionID: 2, ItemTypeID: 2, StockID: st.ID, Quantity: 2}, "nurse1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for insufficient stock, got %v", err)
	}
	if got := env.stock.items[st.ID].AvailableQuantity; got != 1 {
		t.Errorf("failed consumption must not deduct, got %d", got)
	}
	if len(env.usage.items) != 1 || len(env.timeline.rows) != 1 {
		t.Error("failed consumption must not record usage or timeline rows")
	}
}

func TestAddInventoryToSession_Rejections(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tracked, items := env.receive(t, 1, "B1", 1)
	other, _ := env.receive(t, 1, "B2", 1)
	bulk, _ := env.receive(t, 2, "S1", 5)
	id := items[0].ID

	cases := []struct {
		name string
		req  ConsumeRequest
		kind apperr.Kind
	}{
		{"missing item", ConsumeRequest{SessionID: 1, ItemTypeID: 1, StockID: tracked.ID, Quantity: 1}, apperr.KindValidation},
		{"item on bulk", ConsumeRequest{SessionID: 1, ItemTypeID: 2, IndividualItemID: &id, StockID: bulk.ID, Quantity: 1}, apperr.KindValidation},
		{"wrong stock", ConsumeRequest{SessionID: 1, ItemTypeID: 1, IndividualItemID: &id, StockID: other.ID, Quantity: 1}, apperr.KindValidation},
		{"type mismatch", ConsumeRequest{SessionID: 1, ItemTypeID: 2, StockID: tracked.ID, Quantity: 1}, apperr.KindValidation},
		{"quantity on item", ConsumeRequest{SessionID: 1, ItemTypeID: 1, IndividualItemID: &id, StockID: tracked.ID, Quantity: 2}, apperr.KindValidation},
		{"unknown stock", ConsumeRequest{SessionID: 1, ItemTypeID: 2, StockID: 404, Quantity: 1}, apperr.KindNotFound},
		{"unknown session", ConsumeRequest{SessionID: 9, ItemTypeID: 2, StockID: bulk.ID, Quantity: 1}, apperr.KindNotFound},
	}
	for _, tc := range cases {
		if _, err := env.svc.AddInventoryToSession(ctx, tc.req, "nurse1"); !apperr.Is(err, tc.kind) {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
	}
}

func TestAddInventoryToSession_UnknownSessionTouchesNothing(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tracked, items := env.receive(t, 1, "B1", 1)
	bulk, _ := env.receive(t, 2, "S1", 5)
	id := items[0].ID

	for _, req := range []ConsumeRequest{
		{SessionID: 9, ItemTypeID: 1, IndividualItemID: &id, StockID: tracked.ID, Quantity: 1},
		{SessionID: 9, ItemTypeID: 2, StockID: bulk.ID, Quantity: 2},
	} {
		_, err := env.svc.AddInventoryToSession(ctx, req, "nurse1")
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("expected not found for unknown session, got %v", err)
		}
	}
	if got := env.items.items[id].CurrentUsage; got != 0 {
		t.Errorf("usage must not be counted for an unknown session, got %d", got)
	}
	if got := env.stock.items[bulk.ID].AvailableQuantity; got != 5 {
		t.Errorf("stock must not be deducted for an unknown session, got %d", got)
	}
	if len(env.usage.items) != 0 || len(env.timeline.rows) != 0 {
		t.Error("no usage or timeline rows expected")
	}
}

func TestAddInventoryToSession_ExpiredBatch(t *testing.T) {
	env := newTestEnv()
	expired := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	st, _, err := env.svc.AddStock(context.Background(), AddStockRequest{
		ItemTypeID: 2, CenterID: 1, BatchNumber: "OLD", Quantity: 5, ExpiryDate: &expired,
	}, "sk")
	if err != nil {
		t.Fatalf("add stock: %v", err)
	}
	_, err = env.svc.AddInventoryToSession(context.Background(), ConsumeRequest{SessionID: 1, ItemTypeID: 2, StockID: st.ID, Quantity: 1}, "nurse1")
	if !apperr.Is(err, apperr.KindState) {
		t.Errorf("expected state error for expired batch, got %v", err)
	}
}

func TestIncrementUsageCount_FiveUseScenario(t *testing.T) {
	env := newTestEnv()
	_, items := env.receive(t, 1, "B1", 1)
	id := items[0].ID

	for i := 0; i < 5; i++ {
		if _, err := env.svc.IncrementUsageCount(context.Background(), id); err != nil {
			t.Fatalf("use %d: %v", i+1, err)
		}
	}
	it, _ := env.svc.GetItem(context.Background(), id)
	if it.Status != ItemExhausted || it.IsAvailable {
		t.Fatalf("expected Exhausted and unavailable, got %+v", it)
	}
	if _, err := env.svc.IncrementUsageCount(context.Background(), id); !apperr.Is(err, apperr.KindState) {
		t.Errorf("expected state error past exhaustion, got %v", err)
	}
	if avail, _ := env.svc.ListAvailableItems(context.Background(), 1, 1); len(avail) != 0 {
		t.Errorf("exhausted item must leave the selection pool, got %d", len(avail))
	}
	if _, err := env.svc.IncrementUsageCount(context.Background(), 404); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDiscardWorkflow_Approve(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, items := env.receive(t, 1, "B1", 1)
	id := items[0].ID
	env.svc.IncrementUsageCount(ctx, id)

	d, err := env.svc.CreateDiscardRequest(ctx, id, "Damaged", "fibre leak", "nurse1")
	if err != nil {
		t.Fatalf("create discard request: %v", err)
	}
	if d.Status != DiscardPending || d.UsageAtRequest != 1 || d.MaxUsageAtRequest != 5 {
		t.Errorf("unexpected request: %+v", d)
	}
	if it := env.items.items[id]; it.Status != ItemDiscardRequested || it.IsAvailable {
		t.Errorf("expected item locked while pending, got %+v", it)
	}
	if _, err := env.svc.IncrementUsageCount(ctx, id); !apperr.Is(err, apperr.KindState) {
		t.Errorf("expected state error using an item pending discard, got %v", err)
	}
	if _, err := env.svc.CreateDiscardRequest(ctx, id, "Damaged", "again", "nurse1"); !apperr.Is(err, apperr.KindState) {
		t.Errorf("expected state error for second request, got %v", err)
	}

	reviewed, err := env.svc.ProcessDiscardRequest(ctx, d.ID, true, "confirmed", "manager")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if reviewed.Status != DiscardApproved || *reviewed.ReviewedBy != "manager" || *reviewed.ReviewComments != "confirmed" {
		t.Errorf("unexpected reviewed request: %+v", reviewed)
	}
	if it := env.items.items[id]; it.Status != ItemDiscarded || it.IsAvailable {
		t.Errorf("expected item Discarded, got %+v", it)
	}
	if _, err := env.svc.ProcessDiscardRequest(ctx, d.ID, false, "", "manager"); !apperr.Is(err, apperr.KindState) {
		t.Errorf("expected state error reviewing twice, got %v", err)
	}
}

func TestDiscardWorkflow_RejectRestoresAvailable(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, items := env.receive(t, 1, "B1", 1)
	id := items[0].ID
	env.svc.IncrementUsageCount(ctx, id)
	env.svc.IncrementUsageCount(ctx, id)

	d, _ := env.svc.CreateDiscardRequest(ctx, id, "Suspected clot", "visual check", "nurse1")
	if _, err := env.svc.ProcessDiscardRequest(ctx, d.ID, false, "looks fine", "manager"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	it := env.items.items[id]
	if it.Status != ItemAvailable || !it.IsAvailable || it.CurrentUsage != 2 {
		t.Errorf("expected Available with usage unchanged, got %+v", it)
	}
	if _, err := env.svc.CreateDiscardRequest(ctx, id, "Damaged", "cracked housing", "nurse1"); err != nil {
		t.Errorf("a rejected request must not block a new one: %v", err)
	}
}

func TestDiscardWorkflow_RejectKeepsExhausted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, _, err := env.svc.AddStock(ctx, AddStockRequest{ItemTypeID: 1, CenterID: 1, BatchNumber: "X", Quantity: 1, MaxUsage: intPtr(1)}, "sk")
	if err != nil {
		t.Fatalf("add stock: %v", err)
	}
	id := int64(1)
	env.svc.IncrementUsageCount(ctx, id)

	d, err := env.svc.CreateDiscardRequest(ctx, id, "End of life", "max reuse reached", "nurse1")
	if err != nil {
		t.Fatalf("discard request on exhausted item: %v", err)
	}
	env.svc.ProcessDiscardRequest(ctx, d.ID, false, "", "manager")
	if it := env.items.items[id]; it.Status != ItemExhausted || it.IsAvailable {
		t.Errorf("rejection must not revive an exhausted item, got %+v", it)
	}
}

func TestCreateDiscardRequest_Validation(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.CreateDiscardRequest(context.Background(), 1, "", "x", "nurse1"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := env.svc.CreateDiscardRequest(context.Background(), 404, "Damaged", "x", "nurse1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestHandler_AddInventoryToSession(t *testing.T) {
	env := newTestEnv()
	st, _ := env.receive(t, 2, "S1", 10)
	h := NewHandler(env.svc)
	e := echo.New()
	e.Validator = middleware.NewValidator()

	body := `{"item_type_id":2,"stock_id":` + strconv.FormatInt(st.ID, 10) + `,"quantity":3}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithActor(req.Context(), "nurse1", []string{"nurse"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("1")

	if err := h.AddInventoryToSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if env.stock.items[st.ID].AvailableQuantity != 7 {
		t.Errorf("expected 7 left, got %d", env.stock.items[st.ID].AvailableQuantity)
	}
	if env.usage.items[0].RecordedBy != "nurse1" {
		t.Errorf("expected actor from context, got %q", env.usage.items[0].RecordedBy)
	}
}

func TestHandler_ProcessDiscardRequest_RequiresDecision(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.svc)
	e := echo.New()
	e.Validator = middleware.NewValidator()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"comments":"?"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("1")

	if err := h.ProcessDiscardRequest(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error without approve flag, got %v", err)
	}
}
