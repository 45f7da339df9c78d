package schema

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Instrument describes a tradable instrument. Immutable once loaded.
type Instrument struct {
	Symbol       string            `json:"symbol"`
	Base         string            `json:"base"`
	Quote        string            `json:"quote"`
	TickSize     decimal.Decimal   `json:"tickSize"`
	MinSize      decimal.Decimal   `json:"minSize"`
	SizeStep     decimal.Decimal   `json:"sizeStep"`
	VenueSymbols map[string]string `json:"venueSymbols"`
}

// VenueSymbol returns the venue-specific identifier, defaulting to the symbol.
func (i Instrument) VenueSymbol(venue string) string {
	if s, ok := i.VenueSymbols[venue]; ok && s != "" {
		return s
	}
	return i.Symbol
}

// Registry stores venue and instrument mappings.
type Registry struct {
	venues      []string
	instruments map[string]Instrument
	markets     []Market
	bySymbol    map[Market]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]Instrument),
		bySymbol:    make(map[Market]string),
	}
}

// AddVenue registers a new venue.
func (r *Registry) AddVenue(name string) error {
	if name == "" {
		return fmt.Errorf("venue name is empty")
	}
	for _, v := range r.venues {
		if v == name {
			return fmt.Errorf("venue already exists: %s", name)
		}
	}
	r.venues = append(r.venues, name)
	return nil
}

// AddInstrument registers an instrument quoted on the given venues.
func (r *Registry) AddInstrument(inst Instrument, venues ...string) error {
	if inst.Symbol == "" {
		return fmt.Errorf("instrument symbol is empty")
	}
	if !inst.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be > 0: %s", inst.Symbol)
	}
	if inst.MinSize.IsNegative() {
		return fmt.Errorf("min size must be >= 0: %s", inst.Symbol)
	}
	if _, ok := r.instruments[inst.Symbol]; ok {
		return fmt.Errorf("instrument already exists: %s", inst.Symbol)
	}
	if len(venues) == 0 {
		return fmt.Errorf("instrument has no venue: %s", inst.Symbol)
	}
	for _, venue := range venues {
		if !r.HasVenue(venue) {
			return fmt.Errorf("venue not found: %s", venue)
		}
	}
	r.instruments[inst.Symbol] = inst
	for _, venue := range venues {
		m := Market{Venue: venue, Symbol: inst.Symbol}
		r.markets = append(r.markets, m)
		r.bySymbol[Market{Venue: venue, Symbol: inst.VenueSymbol(venue)}] = inst.Symbol
	}
	sort.Slice(r.markets, func(i, j int) bool {
		if r.markets[i].Venue != r.markets[j].Venue {
			return r.markets[i].Venue < r.markets[j].Venue
		}
		return r.markets[i].Symbol < r.markets[j].Symbol
	})
	return nil
}

// HasVenue reports whether the venue is registered.
func (r *Registry) HasVenue(name string) bool {
	for _, v := range r.venues {
		if v == name {
			return true
		}
	}
	return false
}

// Venues returns registered venue names.
func (r *Registry) Venues() []string {
	out := make([]string, len(r.venues))
	copy(out, r.venues)
	return out
}

// Instrument returns the instrument by symbol.
func (r *Registry) Instrument(symbol string) (Instrument, bool) {
	inst, ok := r.instruments[symbol]
	return inst, ok
}

// Markets returns every (venue, instrument) pipeline in a stable order.
func (r *Registry) Markets() []Market {
	out := make([]Market, len(r.markets))
	copy(out, r.markets)
	return out
}

// MarketsOf returns the pipelines of one venue.
func (r *Registry) MarketsOf(venue string) []Market {
	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		if m.Venue == venue {
			out = append(out, m)
		}
	}
	return out
}

// SymbolByVenueSymbol maps a venue-specific identifier back to the instrument symbol.
func (r *Registry) SymbolByVenueSymbol(venue, venueSymbol string) (string, bool) {
	s, ok := r.bySymbol[Market{Venue: venue, Symbol: venueSymbol}]
	return s, ok
}
