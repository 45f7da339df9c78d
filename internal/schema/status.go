package schema

import "strings"

// StatusState is the coarse operating state of a market.
type StatusState uint8

const (
	StatusActive StatusState = iota
	StatusPaused
	StatusError
)

// InstrumentStatus is what operators see per market.
type InstrumentStatus struct {
	State  StatusState
	Reason string
}

// Active is the status of a quoting market.
func Active() InstrumentStatus {
	return InstrumentStatus{State: StatusActive}
}

// Paused builds a paused status with the given reason.
func Paused(reason string) InstrumentStatus {
	return InstrumentStatus{State: StatusPaused, Reason: reason}
}

// Errored builds an error status for the given venue.
func Errored(venue string) InstrumentStatus {
	return InstrumentStatus{State: StatusError, Reason: venue}
}

// IsActive reports whether quoting is allowed.
func (s InstrumentStatus) IsActive() bool {
	return s.State == StatusActive
}

// String renders active, paused:<reason> or error:<venue>.
func (s InstrumentStatus) String() string {
	switch s.State {
	case StatusPaused:
		return "paused:" + s.Reason
	case StatusError:
		return "error:" + s.Reason
	default:
		return "active"
	}
}

// ParseInstrumentStatus is the inverse of String.
func ParseInstrumentStatus(s string) InstrumentStatus {
	switch {
	case strings.HasPrefix(s, "paused:"):
		return Paused(strings.TrimPrefix(s, "paused:"))
	case strings.HasPrefix(s, "error:"):
		return Errored(strings.TrimPrefix(s, "error:"))
	default:
		return Active()
	}
}
