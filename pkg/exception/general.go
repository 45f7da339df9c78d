package exception

import "github.com/yanun0323/errors"

// Config errors
var (
	ErrConfigInvalid        = errors.New("config: invalid")
	ErrConfigNoInstrument   = errors.New("config: no instrument")
	ErrConfigUnknownVenue   = errors.New("config: unknown venue")
	ErrConfigUnknownAdapter = errors.New("config: unknown adapter kind")
)

// Store errors
var (
	ErrStoreUnreachable   = errors.New("store: relational store unreachable")
	ErrStoreUnknownMarket = errors.New("store: unknown market")
	ErrStoreInvalidFill   = errors.New("store: invalid fill")
)

// Event bus and feed errors
var (
	ErrQueueFull      = errors.New("bus: event queue full")
	ErrQueueClosed    = errors.New("bus: event queue closed")
	ErrFeedPublish    = errors.New("feed: publish failed")
	ErrFeedDisconnect = errors.New("feed: not connected")
)

// Scheduler errors
var (
	ErrTaskPanic     = errors.New("scheduler: task panicked")
	ErrTaskDuplicate = errors.New("scheduler: duplicate task")
)
