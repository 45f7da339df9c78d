package repository

import (
	"github.com/shopspring/decimal"

	"quoter/internal/schema"
)

// Inventory is one row of the inventory table, keyed by (venue, instrument).
type Inventory struct {
	Venue         string          `gorm:"column:venue;primaryKey;size:64"`
	Instrument    string          `gorm:"column:instrument;primaryKey;size:64"`
	Qty           decimal.Decimal `gorm:"column:qty;type:numeric"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:numeric"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric"`
	AvgPrice      decimal.Decimal `gorm:"column:avg_price;type:numeric"`
	Fees          decimal.Decimal `gorm:"column:fees;type:numeric"`
	LastSeq       uint64          `gorm:"column:last_seq"`
	LastFillTs    int64           `gorm:"column:last_fill_ts"`
	UpdatedAt     int64           `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (Inventory) TableName() string { return "inventory" }

func inventoryFromSchema(s schema.InventoryState) Inventory {
	return Inventory{
		Venue:         s.Market.Venue,
		Instrument:    s.Market.Symbol,
		Qty:           s.Qty,
		RealizedPnL:   s.RealizedPnL,
		UnrealizedPnL: s.UnrealizedPnL,
		AvgPrice:      s.AvgPrice,
		Fees:          s.Fees,
		LastSeq:       s.LastSeq,
		LastFillTs:    s.LastFillTs,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (r Inventory) toSchema() schema.InventoryState {
	return schema.InventoryState{
		Market:        schema.Market{Venue: r.Venue, Symbol: r.Instrument},
		Qty:           r.Qty,
		RealizedPnL:   r.RealizedPnL,
		UnrealizedPnL: r.UnrealizedPnL,
		AvgPrice:      r.AvgPrice,
		Fees:          r.Fees,
		LastSeq:       r.LastSeq,
		LastFillTs:    r.LastFillTs,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Fill is one row of the append-only fills table. ID is venue:exec_id.
type Fill struct {
	ID         string          `gorm:"column:id;primaryKey;size:160"`
	Seq        uint64          `gorm:"column:seq;uniqueIndex"`
	Venue      string          `gorm:"column:venue;size:64;index:idx_fills_market_ts,priority:1"`
	Instrument string          `gorm:"column:instrument;size:64;index:idx_fills_market_ts,priority:2"`
	ExecID     string          `gorm:"column:exec_id;size:128"`
	OrderID    string          `gorm:"column:order_id;size:128"`
	Side       string          `gorm:"column:side;size:8"`
	Price      decimal.Decimal `gorm:"column:price;type:numeric"`
	Size       decimal.Decimal `gorm:"column:size;type:numeric"`
	Fee        decimal.Decimal `gorm:"column:fee;type:numeric"`
	Ts         int64           `gorm:"column:ts;index:idx_fills_market_ts,priority:3"`
}

func (Fill) TableName() string { return "fills" }

// ParameterAudit is one row of the append-only parameter audit log.
type ParameterAudit struct {
	Version    uint64 `gorm:"column:version;primaryKey"`
	Instrument string `gorm:"column:instrument;primaryKey;size:64"`
	Action     string `gorm:"column:action;size:32"`
	ParamsJSON string `gorm:"column:params_json;type:text"`
	OperatorID string `gorm:"column:operator_id;size:64"`
	Reason     string `gorm:"column:reason;type:text"`
	Ts         int64  `gorm:"column:ts"`
}

func (ParameterAudit) TableName() string { return "parameter_audit" }

// Order is an archived terminal order.
type Order struct {
	ClientOrderID string          `gorm:"column:client_order_id;primaryKey;size:64"`
	OrderID       string          `gorm:"column:order_id;size:128;index"`
	Venue         string          `gorm:"column:venue;size:64"`
	Instrument    string          `gorm:"column:instrument;size:64"`
	Side          string          `gorm:"column:side;size:8"`
	Price         decimal.Decimal `gorm:"column:price;type:numeric"`
	Size          decimal.Decimal `gorm:"column:size;type:numeric"`
	FilledSize    decimal.Decimal `gorm:"column:filled_size;type:numeric"`
	Status        string          `gorm:"column:status;size:16"`
	Generation    uint64          `gorm:"column:generation"`
	CreatedAt     int64           `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt     int64           `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (Order) TableName() string { return "orders" }
