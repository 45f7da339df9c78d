// Package scheduler runs the engine's named cadences.
//
// Each task runs on its own goroutine at a fixed interval and can be fired
// early through a coalescing trigger. Panics are recovered and counted as
// failures; repeated failures open the task's circuit, which pauses it and
// raises a cadence_paused event until a trial run succeeds after the cool-down.
// A Fatal error halts the task at once and raises a fatal event.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"quoter/internal/errors"
	"quoter/internal/obs"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Cadence names used by the engine.
const (
	TaskQuote      = "quote"
	TaskMarketData = "marketdata"
	TaskFills      = "fills"
	TaskFlush      = "flush"
	TaskReconcile  = "reconcile"
)

// Publisher receives scheduler events.
type Publisher interface {
	Publish(e schema.Event)
}

// Task is a named periodic job.
type Task struct {
	Name string
	// Interval between runs. Zero makes the task trigger-only.
	Interval time.Duration
	// IntervalFunc, when set, is consulted before every wait and wins over Interval.
	IntervalFunc func() time.Duration
	Run          func(ctx context.Context) error
}

func (t Task) interval() time.Duration {
	if t.IntervalFunc != nil {
		return t.IntervalFunc()
	}
	return t.Interval
}

type Config struct {
	// FailureThreshold consecutive failures open a task's circuit.
	FailureThreshold int
	// CoolDown is how long an open circuit waits before a trial run.
	CoolDown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

type task struct {
	Task
	trigger chan struct{}

	mu      sync.Mutex
	breaker breaker
}

// Scheduler owns the registered tasks. Add every task before Run.
type Scheduler struct {
	cfg     Config
	bus     Publisher
	metrics *obs.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	tasks map[string]*task
}

func New(cfg Config, bus Publisher, metrics *obs.Metrics) *Scheduler {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	return &Scheduler{
		cfg:     cfg,
		bus:     bus,
		metrics: metrics,
		now:     time.Now,
		tasks:   make(map[string]*task),
	}
}

// Add registers a task.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.Wrap(exception.ErrInvalidArgument, "task needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.Name]; ok {
		return errors.Wrap(exception.ErrTaskDuplicate, t.Name)
	}
	s.tasks[t.Name] = &task{
		Task:    t,
		trigger: make(chan struct{}, 1),
		breaker: breaker{threshold: s.cfg.FailureThreshold, coolDown: s.cfg.CoolDown},
	}
	return nil
}

// Trigger asks a task to run as soon as it is idle. Triggers arriving while
// one is already pending collapse into it.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return true
}

// State returns the circuit state of a task.
func (s *Scheduler) State(name string) BreakerState {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return BreakerClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.breaker.state
}

// Names returns the registered task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// States returns the circuit state of every task by name.
func (s *Scheduler) States() map[string]string {
	out := make(map[string]string)
	for _, name := range s.Names() {
		out[name] = s.State(name).String()
	}
	return out
}

// Run starts every task and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.RLock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		eg.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	return eg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	logs.Infof("task started, task=%s interval=%s", t.Name, t.interval())
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	arm := func() {
		if d := t.interval(); d > 0 {
			timer.Reset(d)
		}
	}
	arm()

	for {
		select {
		case <-ctx.Done():
			logs.Infof("task stopped, task=%s", t.Name)
			return
		case <-timer.C:
		case <-t.trigger:
			timer.Stop()
		}
		s.runOnce(ctx, t)
		arm()
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	t.mu.Lock()
	allowed := t.breaker.allow(s.now())
	t.mu.Unlock()
	if !allowed {
		return
	}

	err := safeRun(ctx, t.Task)
	if err != nil && ctx.Err() != nil {
		// shutting down
		return
	}
	s.metrics.ObserveTask(t.Name, err != nil)

	if errors.KindOf(err) == errors.KindFatal {
		s.halt(t, err)
		return
	}

	t.mu.Lock()
	if err == nil {
		recovered := t.breaker.state == BreakerHalfOpen
		t.breaker.success()
		t.mu.Unlock()
		if recovered {
			logs.Infof("task circuit closed, task=%s", t.Name)
		}
		return
	}
	opened := t.breaker.failure(s.now())
	failures := t.breaker.failures
	state := t.breaker.state
	t.mu.Unlock()

	logs.Warnf("task failed, task=%s failures=%d state=%s err=%v", t.Name, failures, state, err)
	if opened {
		logs.Errorf("task paused, task=%s failures=%d cool_down=%s", t.Name, failures, s.cfg.CoolDown)
		s.publish(schema.EventCadencePaused, cadencePaused{Task: t.Name, Failures: failures, Error: err.Error()})
	}
}

func (s *Scheduler) halt(t *task, err error) {
	t.mu.Lock()
	halted := t.breaker.halt(s.now())
	failures := t.breaker.failures
	t.mu.Unlock()
	if !halted {
		return
	}
	logs.Errorf("task halted, task=%s failures=%d err=%v", t.Name, failures, err)
	s.publish(schema.EventFatal, cadencePaused{Task: t.Name, Failures: failures, Error: err.Error()})
}

type cadencePaused struct {
	Task     string `json:"task"`
	Failures int    `json:"failures"`
	Error    string `json:"error"`
}

func (s *Scheduler) publish(typ schema.EventType, p cadencePaused) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(schema.NewEvent(typ, schema.Market{}, p))
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("task panicked, task=%s panic=%v\n%s", t.Name, r, debug.Stack())
			err = errors.Wrap(exception.ErrTaskPanic, fmt.Sprint(r))
		}
	}()
	return t.Run(ctx)
}
