// Package state is the State Store: the in-memory tier owning inventory,
// live orders and the fill log, plus the flush and recovery paths to the
// relational tier.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/obs"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// FillRecord is a fill with its store-wide sequence number.
type FillRecord struct {
	Seq  uint64
	Fill schema.Fill
}

// Batch is one flush worth of dirty state.
type Batch struct {
	Fills     []FillRecord
	Inventory []schema.InventoryState
	Orders    []schema.OrderRecord
}

// Repository is the relational tier. WriteBatch commits a whole batch or
// nothing. Writes are upserts so a retried flush is harmless.
type Repository interface {
	WriteBatch(ctx context.Context, b Batch) error
	LoadInventory(ctx context.Context) ([]schema.InventoryState, error)
	LoadFills(ctx context.Context, afterSeq uint64) ([]FillRecord, error)
	FillIDsSince(ctx context.Context, m schema.Market, ts int64) ([]string, error)
}

// ApplyResult reports what one fill did to the inventory.
type ApplyResult struct {
	Inventory schema.InventoryState
	// Duplicate is true when the execution id was already applied.
	Duplicate bool
	Seq       uint64
}

// Store is safe for concurrent use. Readers always receive copies.
type Store struct {
	repo    Repository
	metrics *obs.Metrics
	now     func() time.Time

	mu        sync.Mutex
	inventory map[schema.Market]*schema.InventoryState
	orders    map[string]schema.OrderRecord
	seen      map[string]struct{}
	seq       uint64

	dirtyInventory map[schema.Market]struct{}
	dirtyFills     []FillRecord
	dirtyOrders    []schema.OrderRecord
}

// NewStore creates an empty store. repo may be nil for a memory-only store.
func NewStore(repo Repository, metrics *obs.Metrics) *Store {
	return &Store{
		repo:           repo,
		metrics:        metrics,
		now:            time.Now,
		inventory:      make(map[schema.Market]*schema.InventoryState),
		orders:         make(map[string]schema.OrderRecord),
		seen:           make(map[string]struct{}),
		dirtyInventory: make(map[schema.Market]struct{}),
	}
}

func fillKey(f schema.Fill) string {
	return f.Market.Venue + ":" + f.ExecID
}

// Register adds a market with its inventory limits. Existing state is kept
// and only the limits are refreshed; a change is persisted on the next flush.
func (s *Store) Register(m schema.Market, soft, hard decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.inventoryLocked(m)
	if inv.SoftLimit.Equal(soft) && inv.HardLimit.Equal(hard) {
		return
	}
	inv.SoftLimit = soft
	inv.HardLimit = hard
	s.dirtyInventory[m] = struct{}{}
}

func (s *Store) inventoryLocked(m schema.Market) *schema.InventoryState {
	inv, ok := s.inventory[m]
	if !ok {
		inv = &schema.InventoryState{
			Market:        m,
			Qty:           decimal.Zero,
			AvgPrice:      decimal.Zero,
			RealizedPnL:   decimal.Zero,
			UnrealizedPnL: decimal.Zero,
			Fees:          decimal.Zero,
		}
		s.inventory[m] = inv
	}
	return inv
}

// ApplyFill appends a fill and updates the market's inventory in one step.
// Applying the same execution id twice is a no-op reported as Duplicate.
func (s *Store) ApplyFill(fill schema.Fill) (ApplyResult, error) {
	if fill.ExecID == "" || !fill.Size.IsPositive() || !fill.Price.IsPositive() || fill.Side == schema.SideUnknown {
		return ApplyResult{}, errors.Rejected(errors.Wrapf(exception.ErrStoreInvalidFill, "exec=%s", fill.ExecID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.inventory[fill.Market]
	if !ok {
		return ApplyResult{}, errors.Fatal(errors.Wrap(exception.ErrStoreUnknownMarket, fill.Market.String()))
	}
	key := fillKey(fill)
	if _, dup := s.seen[key]; dup {
		s.metrics.IncFill(fill.Market.Venue, fill.Market.Symbol, fill.Side.String(), true)
		return ApplyResult{Inventory: *inv, Duplicate: true}, nil
	}

	s.seq++
	applyFill(inv, fill)
	inv.LastSeq = s.seq
	inv.UpdatedAt = s.now().UTC().UnixNano()
	s.seen[key] = struct{}{}
	s.dirtyFills = append(s.dirtyFills, FillRecord{Seq: s.seq, Fill: fill})
	s.dirtyInventory[fill.Market] = struct{}{}

	s.metrics.IncFill(fill.Market.Venue, fill.Market.Symbol, fill.Side.String(), false)
	s.metrics.SetInventory(fill.Market.Venue, fill.Market.Symbol, inv.Qty.InexactFloat64(), inv.UnrealizedPnL.InexactFloat64())
	return ApplyResult{Inventory: *inv, Seq: s.seq}, nil
}

// Mark recomputes unrealized P&L of m against the given mid.
func (s *Store) Mark(m schema.Market, mid decimal.Decimal) (schema.InventoryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[m]
	if !ok {
		return schema.InventoryState{}, false
	}
	markToMarket(inv, mid)
	s.metrics.SetInventory(m.Venue, m.Symbol, inv.Qty.InexactFloat64(), inv.UnrealizedPnL.InexactFloat64())
	return *inv, true
}

// Inventory returns a copy of the inventory of m.
func (s *Store) Inventory(m schema.Market) (schema.InventoryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[m]
	if !ok {
		return schema.InventoryState{}, false
	}
	return *inv, true
}

// Inventories returns copies of every inventory ordered by market.
func (s *Store) Inventories() []schema.InventoryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.InventoryState, 0, len(s.inventory))
	for _, inv := range s.inventory {
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Market.String() < out[j].Market.String()
	})
	return out
}

// TrackOrder records the latest view of an order. Terminal orders leave the
// live set and are queued for archival.
func (s *Store) TrackOrder(rec schema.OrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status.IsTerminal() {
		delete(s.orders, rec.ClientOrderID)
		s.dirtyOrders = append(s.dirtyOrders, rec)
		return
	}
	s.orders[rec.ClientOrderID] = rec
}

// LiveOrders returns the non-terminal orders of m, or of every market when m is zero.
func (s *Store) LiveOrders(m schema.Market) []schema.OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.OrderRecord, 0, len(s.orders))
	for _, o := range s.orders {
		if m == (schema.Market{}) || o.Market == m {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// Seq returns the last assigned fill sequence.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// FlushStats summarizes one flush.
type FlushStats struct {
	Inventory int
	Fills     int
	Orders    int
}

// Flush writes dirty state to the relational tier. On failure the dirty sets
// are restored so the next flush retries them.
func (s *Store) Flush(ctx context.Context) (FlushStats, error) {
	if s.repo == nil {
		return FlushStats{}, nil
	}
	start := time.Now()

	s.mu.Lock()
	fills := s.dirtyFills
	orders := s.dirtyOrders
	rows := make([]schema.InventoryState, 0, len(s.dirtyInventory))
	for m := range s.dirtyInventory {
		rows = append(rows, *s.inventory[m])
	}
	s.dirtyFills = nil
	s.dirtyOrders = nil
	s.dirtyInventory = make(map[schema.Market]struct{})
	s.mu.Unlock()

	stats := FlushStats{Inventory: len(rows), Fills: len(fills), Orders: len(orders)}
	if stats == (FlushStats{}) {
		return stats, nil
	}

	err := s.repo.WriteBatch(ctx, Batch{Fills: fills, Inventory: rows, Orders: orders})
	if err != nil {
		s.mu.Lock()
		s.dirtyFills = append(fills, s.dirtyFills...)
		s.dirtyOrders = append(orders, s.dirtyOrders...)
		for _, r := range rows {
			s.dirtyInventory[r.Market] = struct{}{}
		}
		s.mu.Unlock()
		return FlushStats{}, errors.Fatal(errors.Wrap(exception.ErrStoreUnreachable, err.Error()))
	}

	s.metrics.ObserveFlush(time.Since(start))
	logs.Debugf("state flushed, inventory=%d fills=%d orders=%d", stats.Inventory, stats.Fills, stats.Orders)
	return stats, nil
}
