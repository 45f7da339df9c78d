// Package repository is the relational tier of the State Store, backed by
// gorm. PostgreSQL in production, SQLite for paper trading and tests.
package repository

import (
	"context"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/internal/state"
)

const batchSize = 200

// Repository implements state.Repository and the parameter audit log.
type Repository struct {
	db *gorm.DB
}

// New wraps db. Call Migrate before first use.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates or updates the tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Inventory{}, &Fill{}, &ParameterAudit{}, &Order{})
}

// WriteBatch writes fills, then inventory, then archived orders in one
// transaction.
func (r *Repository) WriteBatch(ctx context.Context, b state.Batch) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := appendFills(tx, b.Fills); err != nil {
			return errors.Wrap(err, "append fills")
		}
		if err := upsertInventory(tx, b.Inventory); err != nil {
			return errors.Wrap(err, "upsert inventory")
		}
		if err := archiveOrders(tx, b.Orders); err != nil {
			return errors.Wrap(err, "archive orders")
		}
		return nil
	})
}

func (r *Repository) UpsertInventory(ctx context.Context, rows []schema.InventoryState) error {
	return upsertInventory(r.db.WithContext(ctx), rows)
}

func (r *Repository) AppendFills(ctx context.Context, fills []state.FillRecord) error {
	return appendFills(r.db.WithContext(ctx), fills)
}

func (r *Repository) ArchiveOrders(ctx context.Context, orders []schema.OrderRecord) error {
	return archiveOrders(r.db.WithContext(ctx), orders)
}

func upsertInventory(db *gorm.DB, rows []schema.InventoryState) error {
	if len(rows) == 0 {
		return nil
	}
	models := make([]Inventory, 0, len(rows))
	for _, row := range rows {
		models = append(models, inventoryFromSchema(row))
	}
	return db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "venue"}, {Name: "instrument"}},
			UpdateAll: true,
		}).
		CreateInBatches(&models, batchSize).Error
}

func appendFills(db *gorm.DB, fills []state.FillRecord) error {
	if len(fills) == 0 {
		return nil
	}
	models := make([]Fill, 0, len(fills))
	for _, rec := range fills {
		f := rec.Fill
		models = append(models, Fill{
			ID:         f.Market.Venue + ":" + f.ExecID,
			Seq:        rec.Seq,
			Venue:      f.Market.Venue,
			Instrument: f.Market.Symbol,
			ExecID:     f.ExecID,
			OrderID:    f.OrderID,
			Side:       f.Side.String(),
			Price:      f.Price,
			Size:       f.Size,
			Fee:        f.Fee,
			Ts:         f.Timestamp,
		})
	}
	return db.
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&models, batchSize).Error
}

func archiveOrders(db *gorm.DB, orders []schema.OrderRecord) error {
	if len(orders) == 0 {
		return nil
	}
	models := make([]Order, 0, len(orders))
	for _, o := range orders {
		models = append(models, Order{
			ClientOrderID: o.ClientOrderID,
			OrderID:       o.OrderID,
			Venue:         o.Market.Venue,
			Instrument:    o.Market.Symbol,
			Side:          o.Side.String(),
			Price:         o.Price,
			Size:          o.Size,
			FilledSize:    o.FilledSize,
			Status:        o.Status.String(),
			Generation:    o.Generation,
			CreatedAt:     o.CreatedAt,
			UpdatedAt:     o.UpdatedAt,
		})
	}
	return db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_order_id"}},
			UpdateAll: true,
		}).
		CreateInBatches(&models, batchSize).Error
}

func (r *Repository) LoadInventory(ctx context.Context) ([]schema.InventoryState, error) {
	var rows []Inventory
	if err := r.db.WithContext(ctx).Order("venue, instrument").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.InventoryState, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSchema())
	}
	return out, nil
}

func (r *Repository) LoadFills(ctx context.Context, afterSeq uint64) ([]state.FillRecord, error) {
	var rows []Fill
	if err := r.db.WithContext(ctx).Where("seq > ?", afterSeq).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]state.FillRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, state.FillRecord{
			Seq: row.Seq,
			Fill: schema.Fill{
				ExecID:    row.ExecID,
				OrderID:   row.OrderID,
				Market:    schema.Market{Venue: row.Venue, Symbol: row.Instrument},
				Side:      schema.ParseSide(row.Side),
				Price:     row.Price,
				Size:      row.Size,
				Fee:       row.Fee,
				Timestamp: row.Ts,
			},
		})
	}
	return out, nil
}

func (r *Repository) FillIDsSince(ctx context.Context, m schema.Market, ts int64) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&Fill{}).
		Where("venue = ? AND instrument = ? AND ts >= ?", m.Venue, m.Symbol, ts).
		Pluck("exec_id", &ids).Error
	return ids, err
}

// AppendAudit writes one audit entry. Versions are unique per instrument, so
// a replayed append fails instead of rewriting history.
func (r *Repository) AppendAudit(ctx context.Context, entry schema.ParameterAudit) error {
	params, err := sonic.ConfigStd.MarshalToString(entry.Params)
	if err != nil {
		return errors.Wrap(err, "encode parameter set")
	}
	row := ParameterAudit{
		Version:    entry.Version,
		Instrument: entry.Instrument,
		Action:     entry.Action,
		ParamsJSON: params,
		OperatorID: entry.OperatorID,
		Reason:     entry.Reason,
		Ts:         entry.Timestamp,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// LoadAudit returns the audit log of instrument, oldest first. An empty
// instrument loads every entry.
func (r *Repository) LoadAudit(ctx context.Context, instrument string) ([]schema.ParameterAudit, error) {
	var rows []ParameterAudit
	q := r.db.WithContext(ctx).Order("instrument, version")
	if instrument != "" {
		q = q.Where("instrument = ?", instrument)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.ParameterAudit, 0, len(rows))
	for _, row := range rows {
		var p schema.ParameterSet
		if err := sonic.ConfigStd.UnmarshalFromString(row.ParamsJSON, &p); err != nil {
			return nil, errors.Wrapf(err, "decode parameter set, instrument=%s version=%d", row.Instrument, row.Version)
		}
		p.Version = row.Version
		out = append(out, schema.ParameterAudit{
			Version:    row.Version,
			Instrument: row.Instrument,
			Action:     row.Action,
			Params:     p,
			OperatorID: row.OperatorID,
			Reason:     row.Reason,
			Timestamp:  row.Ts,
		})
	}
	return out, nil
}
