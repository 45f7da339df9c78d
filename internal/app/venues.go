package app

import (
	"context"

	"github.com/yanun0323/logs"

	"quoter/internal/chaos"
	"quoter/internal/errors"
	"quoter/internal/ops"
	"quoter/internal/venue"
	"quoter/internal/venue/cex"
	"quoter/internal/venue/dex"
	"quoter/internal/venue/sim"
	"quoter/pkg/exception"
)

// openVenues creates one guarded adapter per configured venue that quotes at
// least one instrument.
func (a *App) openVenues(_ context.Context) error {
	engine, err := newChaos(a.cfg.Chaos)
	if err != nil {
		return errors.Fatal(errors.Wrap(err, "chaos"))
	}

	for _, spec := range a.cfg.Venues {
		if len(a.cfg.Registry.MarketsOf(spec.Name)) == 0 {
			logs.Warnf("venue has no instrument, skipped, venue=%s", spec.Name)
			continue
		}
		client, err := a.newClient(spec, engine)
		if err != nil {
			return err
		}
		a.venues[spec.Name] = venue.NewGuard(client, spec.Guard, a.metrics)
		logs.Infof("venue ready, venue=%s kind=%s markets=%d", spec.Name, spec.Kind, len(a.cfg.Registry.MarketsOf(spec.Name)))
	}
	if len(a.venues) == 0 {
		return errors.Fatal(errors.Wrap(exception.ErrConfigUnknownVenue, "no usable venue"))
	}
	return nil
}

func (a *App) newClient(spec ops.VenueSpec, engine *chaos.Engine) (venue.Adapter, error) {
	symbols := venue.NewSymbolMap(a.cfg.Registry, spec.Name)
	switch spec.Kind {
	case ops.KindSim:
		assets := make(map[string][2]string)
		for _, mk := range a.cfg.Registry.MarketsOf(spec.Name) {
			if inst, ok := a.cfg.Registry.Instrument(mk.Symbol); ok {
				assets[inst.Symbol] = [2]string{inst.Base, inst.Quote}
			}
		}
		v := sim.New(sim.Config{
			Name:     spec.Name,
			FeeRate:  spec.FeeRate,
			Balances: spec.Balances,
			Assets:   assets,
		}, engine)
		a.sims[spec.Name] = v
		return v, nil
	case ops.KindCEX:
		return cex.New(cex.Config{
			Name:      spec.Name,
			BaseURL:   spec.BaseURL,
			WSURL:     spec.WSURL,
			APIKey:    spec.APIKey,
			APISecret: spec.APISecret,
			Timeout:   spec.Timeout,
		}, symbols)
	case ops.KindDEX:
		key, err := dex.LoadWallet(spec.WalletEnv)
		if err != nil {
			return nil, err
		}
		return dex.New(dex.Config{
			Name:    spec.Name,
			BaseURL: spec.BaseURL,
			Timeout: spec.Timeout,
		}, key, symbols)
	default:
		return nil, errors.Fatal(errors.Wrapf(exception.ErrConfigUnknownAdapter, "%q of %s", spec.Kind, spec.Name))
	}
}

func newChaos(cfg chaos.Config) (*chaos.Engine, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return chaos.NewEngine(cfg)
}
