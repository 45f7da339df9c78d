package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"quoter/internal/schema"
)

// Snapshot captures every inventory at a point in time.
type Snapshot struct {
	Timestamp int64                   `json:"timestamp"`
	LastSeq   uint64                  `json:"lastSeq"`
	Inventory []schema.InventoryState `json:"inventory"`
}

// Snapshot builds a snapshot from the current inventories.
func (s *Store) Snapshot() Snapshot {
	inv := s.Inventories()
	return Snapshot{
		Timestamp: time.Now().UTC().UnixNano(),
		LastSeq:   s.Seq(),
		Inventory: inv,
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// CompareSnapshots checks that both snapshots hold the same positions and
// realized P&L per market.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Inventory) != len(actual.Inventory) {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Inventory), len(actual.Inventory))
	}
	want := make(map[schema.Market]schema.InventoryState, len(expected.Inventory))
	for _, inv := range expected.Inventory {
		want[inv.Market] = inv
	}
	var diffs []string
	for _, inv := range actual.Inventory {
		w, ok := want[inv.Market]
		if !ok {
			return fmt.Errorf("snapshot missing market: %s", inv.Market)
		}
		if !w.Qty.Equal(inv.Qty) {
			diffs = append(diffs, fmt.Sprintf("%s qty expected=%s actual=%s", inv.Market, w.Qty, inv.Qty))
		}
		if !w.RealizedPnL.Equal(inv.RealizedPnL) {
			diffs = append(diffs, fmt.Sprintf("%s realized expected=%s actual=%s", inv.Market, w.RealizedPnL, inv.RealizedPnL))
		}
	}
	if len(diffs) > 0 {
		sort.Strings(diffs)
		return fmt.Errorf("snapshot mismatch: %v", diffs)
	}
	return nil
}
