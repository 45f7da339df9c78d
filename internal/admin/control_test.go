package admin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoter/internal/errors"
	"quoter/internal/risk"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

type memoryAudit struct {
	mu      sync.Mutex
	entries []schema.ParameterAudit
	err     error
}

func (a *memoryAudit) AppendAudit(_ context.Context, entry schema.ParameterAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memoryAudit) LoadAudit(_ context.Context, instrument string) ([]schema.ParameterAudit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]schema.ParameterAudit, 0)
	for _, e := range a.entries {
		if e.Instrument == instrument {
			out = append(out, e)
		}
	}
	return out, nil
}

type enableCall struct {
	market  schema.Market
	enabled bool
}

type fakeEnabler struct {
	mu    sync.Mutex
	calls []enableCall
}

func (f *fakeEnabler) SetEnabled(_ context.Context, mk schema.Market, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enableCall{market: mk, enabled: enabled})
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []schema.Event
}

func (l *eventLog) Publish(e schema.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

type fixture struct {
	control *Control
	params  *risk.ParamStore
	audit   *memoryAudit
	orders  *fakeEnabler
	events  *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddVenue("sim"))
	require.NoError(t, reg.AddVenue("cex"))
	require.NoError(t, reg.AddInstrument(schema.Instrument{
		Symbol:   "BTC-USD",
		TickSize: decimal.RequireFromString("0.01"),
	}, "sim", "cex"))

	audit := &memoryAudit{}
	params := risk.NewParamStore(audit)
	require.NoError(t, params.Seed("BTC-USD", schema.DefaultParameterSet()))

	f := &fixture{params: params, audit: audit, orders: &fakeEnabler{}, events: &eventLog{}}
	f.control = NewControl(params, reg, f.orders, f.events, nil)
	return f
}

func TestExecutePauseAndResume(t *testing.T) {
	f := newFixture(t)

	p, err := f.control.Execute(t.Context(), Command{
		Action:     ActionPause,
		Instrument: "BTC-USD",
		OperatorID: "alice",
		Reason:     "exchange maintenance",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Version)
	assert.False(t, p.QuotingEnabled)
	assert.ElementsMatch(t, []enableCall{
		{market: schema.Market{Venue: "sim", Symbol: "BTC-USD"}, enabled: false},
		{market: schema.Market{Venue: "cex", Symbol: "BTC-USD"}, enabled: false},
	}, f.orders.calls)

	p, err = f.control.Execute(t.Context(), Command{Action: ActionResume, Instrument: "BTC-USD", OperatorID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.Version)
	assert.True(t, p.QuotingEnabled)
	assert.Len(t, f.orders.calls, 4)
	assert.True(t, f.orders.calls[3].enabled)

	require.Len(t, f.audit.entries, 2)
	assert.Equal(t, "pause", f.audit.entries[0].Action)
	assert.Equal(t, "alice", f.audit.entries[0].OperatorID)
	assert.Equal(t, "exchange maintenance", f.audit.entries[0].Reason)

	require.Len(t, f.events.events, 2)
	assert.Equal(t, schema.EventParamsApplied, f.events.events[0].Type)
	assert.Equal(t, "BTC-USD", f.events.events[0].Instrument)
}

func TestExecuteWiden(t *testing.T) {
	f := newFixture(t)

	p, err := f.control.Execute(t.Context(), Command{Action: ActionWiden, Instrument: "BTC-USD"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.WidenFactor)

	p, err = f.control.Execute(t.Context(), Command{
		Action:     ActionWiden,
		Instrument: "BTC-USD",
		Params:     map[string]any{"factor": 3.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 3.5, p.WidenFactor)
	assert.Empty(t, f.orders.calls)
}

func TestExecuteSetParam(t *testing.T) {
	f := newFixture(t)

	p, err := f.control.Execute(t.Context(), Command{
		Action:     ActionSetParam,
		Instrument: "BTC-USD",
		Params: map[string]any{
			"spread_floor":     "0.25",
			"gamma":            0.2,
			"hard_limit":       80.0,
			"refresh_interval": "500ms",
			"requote_ticks":    3.0,
		},
	})
	require.NoError(t, err)
	assert.True(t, p.SpreadFloor.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 0.2, p.Gamma)
	assert.True(t, p.HardLimit.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, 500*time.Millisecond, p.RefreshInterval)
	assert.Equal(t, int64(3), p.RequoteTicks)

	current, ok := f.params.Get("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, p.Version, current.Version)
}

func TestExecuteFailures(t *testing.T) {
	testCases := []struct {
		desc   string
		cmd    Command
		target error
	}{
		{
			desc:   "negative spread floor",
			cmd:    Command{Action: ActionSetParam, Instrument: "BTC-USD", Params: map[string]any{"spread_floor": "-0.01"}},
			target: exception.ErrAdminOutOfBounds,
		},
		{
			desc:   "soft above hard",
			cmd:    Command{Action: ActionSetParam, Instrument: "BTC-USD", Params: map[string]any{"soft_limit": 500.0}},
			target: exception.ErrAdminOutOfBounds,
		},
		{
			desc:   "widen below one",
			cmd:    Command{Action: ActionWiden, Instrument: "BTC-USD", Params: map[string]any{"factor": 0.5}},
			target: exception.ErrAdminOutOfBounds,
		},
		{
			desc:   "non numeric value",
			cmd:    Command{Action: ActionSetParam, Instrument: "BTC-USD", Params: map[string]any{"gamma": true}},
			target: exception.ErrAdminOutOfBounds,
		},
		{
			desc:   "unknown parameter",
			cmd:    Command{Action: ActionSetParam, Instrument: "BTC-USD", Params: map[string]any{"quoting_enabled": false}},
			target: exception.ErrAdminInvalidAction,
		},
		{
			desc:   "unknown action",
			cmd:    Command{Action: "liquidate", Instrument: "BTC-USD"},
			target: exception.ErrAdminInvalidAction,
		},
		{
			desc:   "unknown instrument",
			cmd:    Command{Action: ActionPause, Instrument: "DOGE-USD"},
			target: exception.ErrAdminUnknownInstrument,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.control.Execute(t.Context(), tc.cmd)
			require.ErrorIs(t, err, tc.target)
			assert.Equal(t, errors.KindRejected, errors.KindOf(err))
			assert.Equal(t, tc.target.Error(), Code(err))

			p, _ := f.params.Get("BTC-USD")
			assert.Equal(t, uint64(1), p.Version, "rejected commands leave parameters untouched")
			assert.Empty(t, f.audit.entries)
			assert.Empty(t, f.events.events)
		})
	}
}

func TestExecuteAuditFailureBlocksChange(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.Fatal(exception.ErrStoreUnreachable)

	_, err := f.control.Execute(t.Context(), Command{Action: ActionPause, Instrument: "BTC-USD"})
	require.Error(t, err)
	assert.Equal(t, "Internal", Code(err))

	p, _ := f.params.Get("BTC-USD")
	assert.True(t, p.QuotingEnabled)
	assert.Empty(t, f.orders.calls)
}
