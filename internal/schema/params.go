package schema

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ParameterSet holds the tunable pricing and risk parameters of one instrument.
// Values are never mutated in place; every change produces a new Version.
type ParameterSet struct {
	Version          uint64          `json:"version"`
	SpreadFloor      decimal.Decimal `json:"spreadFloor"`
	Beta             float64         `json:"beta"`
	Gamma            float64         `json:"gamma"`
	Kappa            float64         `json:"kappa"`
	TimeHorizon      float64         `json:"timeHorizon"`
	VolCeiling       float64         `json:"volCeiling"`
	RefreshInterval  time.Duration   `json:"refreshInterval"`
	SoftLimit        decimal.Decimal `json:"softLimit"`
	HardLimit        decimal.Decimal `json:"hardLimit"`
	MaxQuoteNotional decimal.Decimal `json:"maxQuoteNotional"`
	RequoteTicks     int64           `json:"requoteTicks"`
	WidenFactor      float64         `json:"widenFactor"`
	QuotingEnabled   bool            `json:"quotingEnabled"`
}

// Bounds of the operator-adjustable parameters.
const (
	MaxWidenFactor     = 20.0
	MinRefreshInterval = 100 * time.Millisecond
	MaxRefreshInterval = 5 * time.Minute
)

// DefaultParameterSet returns conservative defaults.
func DefaultParameterSet() ParameterSet {
	return ParameterSet{
		SpreadFloor:      decimal.NewFromFloat(0.01),
		Beta:             1,
		Gamma:            0.1,
		Kappa:            1.5,
		TimeHorizon:      1,
		VolCeiling:       0.05,
		RefreshInterval:  2 * time.Second,
		SoftLimit:        decimal.NewFromInt(50),
		HardLimit:        decimal.NewFromInt(100),
		MaxQuoteNotional: decimal.NewFromInt(1000),
		RequoteTicks:     1,
		WidenFactor:      1,
		QuotingEnabled:   true,
	}
}

// Validate checks every field against its bounds.
func (p ParameterSet) Validate() error {
	if p.SpreadFloor.IsNegative() {
		return fmt.Errorf("spread floor must be >= 0")
	}
	if !finitePositive(p.Gamma) {
		return fmt.Errorf("gamma must be > 0")
	}
	if !finitePositive(p.Kappa) {
		return fmt.Errorf("kappa must be > 0")
	}
	if math.IsNaN(p.Beta) || math.IsInf(p.Beta, 0) || p.Beta < 0 {
		return fmt.Errorf("beta must be >= 0")
	}
	if !finitePositive(p.TimeHorizon) {
		return fmt.Errorf("time horizon must be > 0")
	}
	if !finitePositive(p.VolCeiling) {
		return fmt.Errorf("volatility ceiling must be > 0")
	}
	if p.RefreshInterval < MinRefreshInterval || p.RefreshInterval > MaxRefreshInterval {
		return fmt.Errorf("refresh interval must be within [%s, %s]", MinRefreshInterval, MaxRefreshInterval)
	}
	if !p.HardLimit.IsPositive() {
		return fmt.Errorf("hard limit must be > 0")
	}
	if p.SoftLimit.IsNegative() || p.SoftLimit.GreaterThan(p.HardLimit) {
		return fmt.Errorf("soft limit must be within [0, hard limit]")
	}
	if !p.MaxQuoteNotional.IsPositive() {
		return fmt.Errorf("max quote notional must be > 0")
	}
	if p.RequoteTicks < 0 {
		return fmt.Errorf("requote ticks must be >= 0")
	}
	if math.IsNaN(p.WidenFactor) || p.WidenFactor < 1 || p.WidenFactor > MaxWidenFactor {
		return fmt.Errorf("widen factor must be within [1, %v]", MaxWidenFactor)
	}
	return nil
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// ParameterAudit is one entry of the append-only parameter audit log.
type ParameterAudit struct {
	Version    uint64       `json:"version"`
	Instrument string       `json:"instrument"`
	Action     string       `json:"action"`
	Params     ParameterSet `json:"params"`
	OperatorID string       `json:"operatorId"`
	Reason     string       `json:"reason"`
	Timestamp  int64        `json:"timestamp"`
}
