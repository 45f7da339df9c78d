package marketdata

import "quoter/internal/schema"

// ring keeps the last n trades.
type ring struct {
	buf  []schema.Trade
	head int
	size int
}

func newRing(n int) *ring {
	return &ring{buf: make([]schema.Trade, n)}
}

func (r *ring) push(t schema.Trade) {
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) contains(id string) bool {
	for i := 0; i < r.size; i++ {
		if r.buf[i].ID == id {
			return true
		}
	}
	return false
}

func (r *ring) items() []schema.Trade {
	out := make([]schema.Trade, 0, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
