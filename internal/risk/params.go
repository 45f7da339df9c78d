package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// AuditLog persists parameter changes. Appends must be durable before the
// change is applied.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry schema.ParameterAudit) error
}

// ParamStore holds the current ParameterSet of each instrument. Sets are
// never mutated in place: every change produces a new version.
type ParamStore struct {
	audit AuditLog
	now   func() time.Time

	mu      sync.RWMutex
	current map[string]schema.ParameterSet
}

func NewParamStore(audit AuditLog) *ParamStore {
	return &ParamStore{
		audit:   audit,
		now:     time.Now,
		current: make(map[string]schema.ParameterSet),
	}
}

// Seed installs the initial set of an instrument as version 1 unless one exists.
func (s *ParamStore) Seed(instrument string, p schema.ParameterSet) error {
	if err := p.Validate(); err != nil {
		return errors.Fatal(errors.Wrapf(exception.ErrConfigInvalid, "%s: %v", instrument, err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.current[instrument]; ok {
		return nil
	}
	p.Version = 1
	s.current[instrument] = p
	return nil
}

// Restore replaces seeded sets with the newest audited version per instrument.
func (s *ParamStore) Restore(entries []schema.ParameterAudit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cur, ok := s.current[e.Instrument]
		if !ok || e.Version >= cur.Version {
			p := e.Params
			p.Version = e.Version
			s.current[e.Instrument] = p
		}
	}
}

// Get returns the current set of instrument.
func (s *ParamStore) Get(instrument string) (schema.ParameterSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.current[instrument]
	return p, ok
}

// Instruments returns every instrument with a parameter set.
func (s *ParamStore) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.current))
	for inst := range s.current {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Change describes one operator mutation.
type Change struct {
	Instrument string
	Action     string
	OperatorID string
	Reason     string
	Mutate     func(p *schema.ParameterSet) error
}

// Apply validates a mutated copy, appends it to the audit log and only then
// makes it current. Bounds violations return exception.ErrAdminOutOfBounds.
func (s *ParamStore) Apply(ctx context.Context, c Change) (schema.ParameterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.current[c.Instrument]
	if !ok {
		return schema.ParameterSet{}, errors.Rejected(errors.Wrap(exception.ErrAdminUnknownInstrument, c.Instrument))
	}

	next := cur
	if c.Mutate != nil {
		if err := c.Mutate(&next); err != nil {
			return schema.ParameterSet{}, err
		}
	}
	if err := next.Validate(); err != nil {
		return schema.ParameterSet{}, errors.Rejected(errors.Wrap(exception.ErrAdminOutOfBounds, err.Error()))
	}
	next.Version = cur.Version + 1

	entry := schema.ParameterAudit{
		Version:    next.Version,
		Instrument: c.Instrument,
		Action:     c.Action,
		Params:     next,
		OperatorID: c.OperatorID,
		Reason:     c.Reason,
		Timestamp:  s.now().UTC().UnixNano(),
	}
	if s.audit != nil {
		if err := s.audit.AppendAudit(ctx, entry); err != nil {
			return schema.ParameterSet{}, errors.Wrap(err, "append parameter audit")
		}
	}

	s.current[c.Instrument] = next
	return next, nil
}
