package risk

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

type fakeAudit struct {
	entries []schema.ParameterAudit
	err     error
	store   *ParamStore
	seen    []uint64
}

func (f *fakeAudit) AppendAudit(_ context.Context, entry schema.ParameterAudit) error {
	if f.store != nil {
		cur, _ := f.store.Get(entry.Instrument)
		f.seen = append(f.seen, cur.Version)
	}
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func newTestParamStore(t *testing.T) (*ParamStore, *fakeAudit) {
	t.Helper()
	audit := &fakeAudit{}
	store := NewParamStore(audit)
	require.NoError(t, store.Seed("BTC-USD", schema.DefaultParameterSet()))
	audit.store = store
	return store, audit
}

func TestParamStoreSeed(t *testing.T) {
	store := NewParamStore(nil)
	bad := schema.DefaultParameterSet()
	bad.Gamma = 0
	err := store.Seed("ETH-USD", bad)
	assert.ErrorIs(t, err, exception.ErrConfigInvalid)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))

	require.NoError(t, store.Seed("ETH-USD", schema.DefaultParameterSet()))
	require.NoError(t, store.Seed("BTC-USD", schema.DefaultParameterSet()))
	p, ok := store.Get("ETH-USD")
	require.True(t, ok)
	assert.EqualValues(t, 1, p.Version)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, store.Instruments())
}

func TestParamStoreApply(t *testing.T) {
	store, audit := newTestParamStore(t)

	next, err := store.Apply(context.Background(), Change{
		Instrument: "BTC-USD",
		Action:     "set_params",
		OperatorID: "alice",
		Reason:     "tighten",
		Mutate: func(p *schema.ParameterSet) error {
			p.SpreadFloor = decimal.NewFromFloat(0.05)
			return nil
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.Version)
	assert.True(t, next.SpreadFloor.Equal(decimal.NewFromFloat(0.05)))

	require.Len(t, audit.entries, 1)
	assert.EqualValues(t, 2, audit.entries[0].Version)
	assert.Equal(t, "alice", audit.entries[0].OperatorID)
	assert.Equal(t, []uint64{1}, audit.seen, "audit is written before the change takes effect")

	cur, _ := store.Get("BTC-USD")
	assert.EqualValues(t, 2, cur.Version)
}

func TestParamStoreApplyFailures(t *testing.T) {
	testCases := []struct {
		desc     string
		change   Change
		auditErr error
		target   error
	}{
		{
			desc:   "unknown instrument",
			change: Change{Instrument: "DOGE-USD"},
			target: exception.ErrAdminUnknownInstrument,
		},
		{
			desc: "out of bounds",
			change: Change{Instrument: "BTC-USD", Mutate: func(p *schema.ParameterSet) error {
				p.WidenFactor = 100
				return nil
			}},
			target: exception.ErrAdminOutOfBounds,
		},
		{
			desc:     "audit write fails",
			change:   Change{Instrument: "BTC-USD", Mutate: func(p *schema.ParameterSet) error { p.Beta = 2; return nil }},
			auditErr: fmt.Errorf("disk full"),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			store, audit := newTestParamStore(t)
			audit.err = tc.auditErr
			_, err := store.Apply(context.Background(), tc.change)
			require.Error(t, err)
			if tc.target != nil {
				assert.ErrorIs(t, err, tc.target)
				assert.Equal(t, errors.KindRejected, errors.KindOf(err))
			}
			cur, _ := store.Get("BTC-USD")
			assert.EqualValues(t, 1, cur.Version)
			assert.Equal(t, 1.0, cur.Beta)
		})
	}
}

func TestParamStoreRestore(t *testing.T) {
	store, _ := newTestParamStore(t)
	p3 := schema.DefaultParameterSet()
	p3.Beta = 3
	p2 := schema.DefaultParameterSet()
	p2.Beta = 2
	store.Restore([]schema.ParameterAudit{
		{Version: 3, Instrument: "BTC-USD", Params: p3},
		{Version: 2, Instrument: "BTC-USD", Params: p2},
	})
	cur, _ := store.Get("BTC-USD")
	assert.EqualValues(t, 3, cur.Version)
	assert.Equal(t, 3.0, cur.Beta)
}
