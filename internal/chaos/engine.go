package chaos

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quoter/internal/schema"
)

// Config controls fault injection behavior.
type Config struct {
	Seed int64
	// ErrorRate fails a venue call before it reaches the venue.
	ErrorRate float64
	// DropRate executes a venue call but loses its response.
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	MaxDelay      time.Duration
}

// Enabled reports whether any fault is configured.
func (c Config) Enabled() bool {
	return c.ErrorRate > 0 || c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1 || c.MaxDelay > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return fmt.Errorf("errorRate must be between 0 and 1")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("duplicateRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("reorderWindow must be >= 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Engine decides which venue calls fail and scrambles fill delivery.
// A nil *Engine injects nothing.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	rng     *rand.Rand
	pending []schema.Fill
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// FailCall reports whether the next venue call should fail before executing.
func (e *Engine) FailCall() bool {
	if e == nil || e.cfg.ErrorRate <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.cfg.ErrorRate
}

// DropResponse reports whether the response of an executed call is lost.
func (e *Engine) DropResponse() bool {
	if e == nil || e.cfg.DropRate <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.cfg.DropRate
}

// Delay returns a random latency to add to a venue call.
func (e *Engine) Delay() time.Duration {
	if e == nil || e.cfg.MaxDelay <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1))
}

// Process feeds fills through the reorder window and duplicator.
// Fills held in the window are released by later calls or by Flush.
func (e *Engine) Process(fills []schema.Fill) []schema.Fill {
	if e == nil {
		return fills
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.ReorderWindow <= 1 {
		out := make([]schema.Fill, 0, len(fills))
		for _, f := range fills {
			out = e.applyDuplicate(out, f)
		}
		return out
	}

	var out []schema.Fill
	for _, f := range fills {
		e.pending = append(e.pending, f)
		if len(e.pending) < e.cfg.ReorderWindow {
			continue
		}
		out = e.applyDuplicate(out, e.takeRandom())
	}
	return out
}

// Flush returns any buffered fills in random order.
func (e *Engine) Flush() []schema.Fill {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return nil
	}
	out := make([]schema.Fill, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = e.applyDuplicate(out, e.takeRandom())
	}
	return out
}

func (e *Engine) takeRandom() schema.Fill {
	idx := e.rng.Intn(len(e.pending))
	f := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return f
}

func (e *Engine) applyDuplicate(out []schema.Fill, f schema.Fill) []schema.Fill {
	out = append(out, f)
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		out = append(out, f)
	}
	return out
}

// Config returns the validated configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.cfg
}
