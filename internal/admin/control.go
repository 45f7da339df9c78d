// Package admin is the operator control surface.
//
// Commands only ever write two things: the instrument's ParameterSet, through
// the audited parameter store, and the order manager's per-market enable flag.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/obs"
	"quoter/internal/risk"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Actions accepted by Execute.
const (
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionWiden    = "widen"
	ActionSetParam = "set_param"
)

const defaultWidenFactor = 2.0

// Command is one operator request.
type Command struct {
	Action     string         `json:"action"`
	Instrument string         `json:"instrument"`
	Params     map[string]any `json:"params"`
	OperatorID string         `json:"operator_id"`
	Reason     string         `json:"reason"`
}

// Enabler toggles quoting of a market in the order manager.
type Enabler interface {
	SetEnabled(ctx context.Context, mk schema.Market, enabled bool) error
}

// Publisher receives admin events.
type Publisher interface {
	Publish(e schema.Event)
}

// Control applies operator commands.
type Control struct {
	params   *risk.ParamStore
	registry *schema.Registry
	orders   Enabler
	bus      Publisher
	metrics  *obs.Metrics
}

func NewControl(params *risk.ParamStore, registry *schema.Registry, orders Enabler, bus Publisher, metrics *obs.Metrics) *Control {
	return &Control{
		params:   params,
		registry: registry,
		orders:   orders,
		bus:      bus,
		metrics:  metrics,
	}
}

type paramsApplied struct {
	Action     string              `json:"action"`
	Version    uint64              `json:"version"`
	OperatorID string              `json:"operatorId"`
	Reason     string              `json:"reason"`
	Params     schema.ParameterSet `json:"params"`
}

// Execute validates cmd, writes the audit entry and applies it. The returned
// set carries the applied version.
func (c *Control) Execute(ctx context.Context, cmd Command) (schema.ParameterSet, error) {
	p, err := c.execute(ctx, cmd)
	result := "ok"
	if err != nil {
		result = Code(err)
		logs.Warnf("admin command failed, action=%s instrument=%s operator=%s err=%v", cmd.Action, cmd.Instrument, cmd.OperatorID, err)
	}
	c.metrics.IncAdminCommand(cmd.Action, result)
	return p, err
}

func (c *Control) execute(ctx context.Context, cmd Command) (schema.ParameterSet, error) {
	mutate, err := mutation(cmd)
	if err != nil {
		return schema.ParameterSet{}, err
	}
	if _, ok := c.registry.Instrument(cmd.Instrument); !ok {
		return schema.ParameterSet{}, errors.Rejected(errors.Wrap(exception.ErrAdminUnknownInstrument, cmd.Instrument))
	}

	p, err := c.params.Apply(ctx, risk.Change{
		Instrument: cmd.Instrument,
		Action:     cmd.Action,
		OperatorID: cmd.OperatorID,
		Reason:     cmd.Reason,
		Mutate:     mutate,
	})
	if err != nil {
		return schema.ParameterSet{}, err
	}

	switch cmd.Action {
	case ActionPause, ActionResume:
		enabled := cmd.Action == ActionResume
		for _, mk := range c.registry.Markets() {
			if mk.Symbol != cmd.Instrument || c.orders == nil {
				continue
			}
			if err := c.orders.SetEnabled(ctx, mk, enabled); err != nil {
				return p, errors.Wrapf(err, "set enabled %s", mk)
			}
		}
	}

	logs.Infof("admin command applied, action=%s instrument=%s version=%d operator=%s reason=%q",
		cmd.Action, cmd.Instrument, p.Version, cmd.OperatorID, cmd.Reason)
	if c.bus != nil {
		c.bus.Publish(schema.NewEvent(schema.EventParamsApplied, schema.Market{Symbol: cmd.Instrument}, paramsApplied{
			Action:     cmd.Action,
			Version:    p.Version,
			OperatorID: cmd.OperatorID,
			Reason:     cmd.Reason,
			Params:     p,
		}))
	}
	return p, nil
}

func mutation(cmd Command) (func(*schema.ParameterSet) error, error) {
	switch cmd.Action {
	case ActionPause:
		return func(p *schema.ParameterSet) error {
			p.QuotingEnabled = false
			return nil
		}, nil
	case ActionResume:
		return func(p *schema.ParameterSet) error {
			p.QuotingEnabled = true
			return nil
		}, nil
	case ActionWiden:
		factor := defaultWidenFactor
		if v, ok := cmd.Params["factor"]; ok {
			f, err := toFloat(v)
			if err != nil {
				return nil, outOfBounds("factor", err)
			}
			factor = f
		}
		return func(p *schema.ParameterSet) error {
			p.WidenFactor = factor
			return nil
		}, nil
	case ActionSetParam:
		if len(cmd.Params) == 0 {
			return nil, errors.Rejected(errors.Wrap(exception.ErrAdminInvalidAction, "set_param without params"))
		}
		for name := range cmd.Params {
			if _, ok := setters[name]; !ok {
				return nil, errors.Rejected(errors.Wrapf(exception.ErrAdminInvalidAction, "unknown parameter %s", name))
			}
		}
		return func(p *schema.ParameterSet) error {
			for name, v := range cmd.Params {
				if err := setters[name](p, v); err != nil {
					return outOfBounds(name, err)
				}
			}
			return nil
		}, nil
	default:
		return nil, errors.Rejected(errors.Wrap(exception.ErrAdminInvalidAction, cmd.Action))
	}
}

func outOfBounds(name string, err error) error {
	return errors.Rejected(errors.Wrapf(exception.ErrAdminOutOfBounds, "%s: %v", name, err))
}

type setter func(p *schema.ParameterSet, v any) error

// setters are the operator-adjustable fields. Quoting enablement goes through
// pause and resume only.
var setters = map[string]setter{
	"spread_floor":       decimalField(func(p *schema.ParameterSet) *decimal.Decimal { return &p.SpreadFloor }),
	"soft_limit":         decimalField(func(p *schema.ParameterSet) *decimal.Decimal { return &p.SoftLimit }),
	"hard_limit":         decimalField(func(p *schema.ParameterSet) *decimal.Decimal { return &p.HardLimit }),
	"max_quote_notional": decimalField(func(p *schema.ParameterSet) *decimal.Decimal { return &p.MaxQuoteNotional }),
	"beta":               floatField(func(p *schema.ParameterSet) *float64 { return &p.Beta }),
	"gamma":              floatField(func(p *schema.ParameterSet) *float64 { return &p.Gamma }),
	"kappa":              floatField(func(p *schema.ParameterSet) *float64 { return &p.Kappa }),
	"time_horizon":       floatField(func(p *schema.ParameterSet) *float64 { return &p.TimeHorizon }),
	"vol_ceiling":        floatField(func(p *schema.ParameterSet) *float64 { return &p.VolCeiling }),
	"widen_factor":       floatField(func(p *schema.ParameterSet) *float64 { return &p.WidenFactor }),
	"refresh_interval": func(p *schema.ParameterSet, v any) error {
		d, err := toDuration(v)
		if err != nil {
			return err
		}
		p.RefreshInterval = d
		return nil
	},
	"requote_ticks": func(p *schema.ParameterSet, v any) error {
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		if f != float64(int64(f)) {
			return fmt.Errorf("requote ticks must be an integer")
		}
		p.RequoteTicks = int64(f)
		return nil
	},
}

func decimalField(field func(*schema.ParameterSet) *decimal.Decimal) setter {
	return func(p *schema.ParameterSet, v any) error {
		d, err := toDecimal(v)
		if err != nil {
			return err
		}
		*field(p) = d
		return nil
	}
}

func floatField(field func(*schema.ParameterSet) *float64) setter {
	return func(p *schema.ParameterSet, v any) error {
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		*field(p) = f
		return nil
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	default:
		return decimal.Zero, fmt.Errorf("expected a number, got %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// toDuration accepts a Go duration string or a number of milliseconds.
func toDuration(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		return time.ParseDuration(s)
	}
	ms, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// Code maps an admin error to its wire code.
func Code(err error) string {
	for _, sentinel := range []error{
		exception.ErrAdminOutOfBounds,
		exception.ErrAdminUnauthorized,
		exception.ErrAdminUnknownInstrument,
		exception.ErrAdminInvalidAction,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "Internal"
}
