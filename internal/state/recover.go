package state

import (
	"context"

	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/schema"
)

// TradeSource returns own executions of a venue since a unix-nano timestamp.
// venue.Adapter satisfies it.
type TradeSource interface {
	FetchTrades(ctx context.Context, symbol string, since int64) ([]schema.Fill, error)
}

// RecoverResult contains recovery counters.
type RecoverResult struct {
	Markets       int
	StoreReplayed int
	VenueReplayed int
	Duplicates    int
	LastSeq       uint64
}

// Recover rebuilds inventory from the relational snapshot rows, replays
// relational fills newer than each row's last sequence, then replays venue
// executions since the last known fill. Every step is idempotent by
// execution id, so running Recover twice yields the same inventory.
func (s *Store) Recover(ctx context.Context, sources map[string]TradeSource) (RecoverResult, error) {
	var result RecoverResult
	if s.repo != nil {
		if err := s.recoverRelational(ctx, &result); err != nil {
			return result, err
		}
	}

	for _, inv := range s.Inventories() {
		src, ok := sources[inv.Market.Venue]
		if !ok || src == nil {
			continue
		}
		fills, err := src.FetchTrades(ctx, inv.Market.Symbol, inv.LastFillTs)
		if err != nil {
			return result, errors.Wrapf(err, "replay venue trades, market=%s", inv.Market)
		}
		for _, f := range fills {
			if f.Market == (schema.Market{}) {
				f.Market = inv.Market
			}
			res, err := s.ApplyFill(f)
			if err != nil {
				logs.Warnf("skip venue fill during recovery, market=%s exec=%s err=%v", inv.Market, f.ExecID, err)
				continue
			}
			if res.Duplicate {
				result.Duplicates++
				continue
			}
			result.VenueReplayed++
		}
	}

	result.LastSeq = s.Seq()
	result.Markets = len(s.Inventories())
	logs.Infof("state recovered, markets=%d store_replayed=%d venue_replayed=%d duplicates=%d last_seq=%d",
		result.Markets, result.StoreReplayed, result.VenueReplayed, result.Duplicates, result.LastSeq)
	return result, nil
}

func (s *Store) recoverRelational(ctx context.Context, result *RecoverResult) error {
	rows, err := s.repo.LoadInventory(ctx)
	if err != nil {
		return errors.Wrap(err, "load inventory")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		inv := s.inventoryLocked(row.Market)
		soft, hard := inv.SoftLimit, inv.HardLimit
		*inv = row
		if soft.IsPositive() || hard.IsPositive() {
			inv.SoftLimit, inv.HardLimit = soft, hard
		}
		s.seq = max(s.seq, row.LastSeq)
	}

	var from uint64
	first := true
	for _, inv := range s.inventory {
		if first || inv.LastSeq < from {
			from = inv.LastSeq
			first = false
		}
	}

	fills, err := s.repo.LoadFills(ctx, from)
	if err != nil {
		return errors.Wrap(err, "load fills")
	}
	for _, rec := range fills {
		key := fillKey(rec.Fill)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.seq = max(s.seq, rec.Seq)

		inv := s.inventoryLocked(rec.Fill.Market)
		if rec.Seq <= inv.LastSeq {
			continue
		}
		applyFill(inv, rec.Fill)
		inv.LastSeq = rec.Seq
		s.dirtyInventory[inv.Market] = struct{}{}
		result.StoreReplayed++
	}

	for m, inv := range s.inventory {
		ids, err := s.repo.FillIDsSince(ctx, m, inv.LastFillTs)
		if err != nil {
			return errors.Wrap(err, "load fill ids")
		}
		for _, id := range ids {
			s.seen[m.Venue+":"+id] = struct{}{}
		}
	}
	return nil
}
