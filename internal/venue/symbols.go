package venue

import "quoter/internal/schema"

// SymbolMap translates between instrument symbols and one venue's identifiers.
// Adapters speak instrument symbols on their public methods.
type SymbolMap struct {
	toVenue   map[string]string
	fromVenue map[string]string
}

// NewSymbolMap builds the mapping of venue from the registry.
func NewSymbolMap(reg *schema.Registry, venue string) SymbolMap {
	m := SymbolMap{
		toVenue:   make(map[string]string),
		fromVenue: make(map[string]string),
	}
	if reg == nil {
		return m
	}
	for _, market := range reg.MarketsOf(venue) {
		inst, ok := reg.Instrument(market.Symbol)
		if !ok {
			continue
		}
		vs := inst.VenueSymbol(venue)
		m.toVenue[inst.Symbol] = vs
		m.fromVenue[vs] = inst.Symbol
	}
	return m
}

// ToVenue returns the venue identifier of symbol.
func (m SymbolMap) ToVenue(symbol string) (string, bool) {
	vs, ok := m.toVenue[symbol]
	return vs, ok
}

// FromVenue returns the instrument symbol of a venue identifier.
func (m SymbolMap) FromVenue(venueSymbol string) (string, bool) {
	s, ok := m.fromVenue[venueSymbol]
	return s, ok
}

// Symbols returns every mapped instrument symbol.
func (m SymbolMap) Symbols() []string {
	out := make([]string, 0, len(m.toVenue))
	for s := range m.toVenue {
		out = append(out, s)
	}
	return out
}
