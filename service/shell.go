// Package service wires the metrics registry, memory governor, pool
// optimiser, robots cache, transport engine, and backend router into the
// single process shell that drives both the queue-consuming crawl loop
// and the synchronous RPC bridge. Two periodic ticks (queue-drain and
// robots-sweep) and a condition-variable bridge let asynchronous work
// look synchronous to a single RPC caller.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cobweb-crawl/fetchcore"
	"github.com/cobweb-crawl/fetchcore/backend"
	"github.com/cobweb-crawl/fetchcore/memguard"
	"github.com/cobweb-crawl/fetchcore/metrics"
	"github.com/cobweb-crawl/fetchcore/pool"
	"github.com/cobweb-crawl/fetchcore/robots"
)

// ErrQueueEmpty is returned by an InputQueue's Pop when no task is
// currently available; the queue loop simply skips this tick. Any other
// error is treated as "queue broken" and moves the shell to Draining,
// distinguishing "nothing to do right now" from a queue that can no
// longer be trusted to hand out work.
var ErrQueueEmpty = errors.New("input queue is empty")

// InputQueue supplies tasks to the queue-mode loop.
type InputQueue interface {
	Pop() (*fetchcore.Task, error)
}

// OutputQueue receives completed task/result pairs from the queue-mode
// loop. Full reports whether the queue-mode loop should skip a tick rather
// than push into an already-saturated sink.
type OutputQueue interface {
	Push(task *fetchcore.Task, result *fetchcore.FetchResult) error
	Full() bool
}

// State is one of the service shell's four lifecycle states.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Shell is the process-scoped fetcher context: every shared service is
// constructed once and passed in by reference, never read from a
// package-level global.
type Shell struct {
	cfg               fetchcore.ServiceConfig
	poolCheckInterval time.Duration
	metrics           *metrics.Registry
	mem               *memguard.Governor
	poolOpt           *pool.Optimizer
	robots            *robots.Cache
	engine            capacityAdjuster
	router            *backend.Router
	input             InputQueue
	output            OutputQueue
	log               zerolog.Logger

	mu    sync.Mutex
	state State

	active int64 // atomic in-flight fetch count

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// capacityAdjuster is the narrow slice of transport.Engine the shell needs
// in order to keep admission control in step with the pool optimiser's
// resize decisions.
type capacityAdjuster interface {
	AdjustCapacity(delta int)
}

// New builds a Shell in the Idle state. engine must also be usable as the
// capacityAdjuster the pool-tick loop drives; transport.Engine satisfies
// this structurally. poolCheckInterval should match the PoolConfig used to
// construct poolOpt (Config.Pool.CheckInterval); the shell drives
// poolOpt.Tick() itself, on its own ticker, rather than via
// pool.Optimizer.Start, so that every resize can be paired with the
// matching transport.Engine.AdjustCapacity call.
func New(cfg fetchcore.ServiceConfig, poolCheckInterval time.Duration, reg *metrics.Registry, mem *memguard.Governor, poolOpt *pool.Optimizer, robotsCache *robots.Cache, engine capacityAdjuster, router *backend.Router, input InputQueue, output OutputQueue, log zerolog.Logger) *Shell {
	return &Shell{
		cfg:               cfg,
		poolCheckInterval: poolCheckInterval,
		metrics:           reg,
		mem:               mem,
		poolOpt:           poolOpt,
		robots:            robotsCache,
		engine:            engine,
		router:            router,
		input:             input,
		output:            output,
		log:               log.With().Str("component", "service").Logger(),
		state:             StateIdle,
	}
}

// State returns the shell's current lifecycle state.
func (s *Shell) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size reports the current in-flight fetch count, the value the size RPC
// returns and the scheduler polls to observe backpressure stalls.
func (s *Shell) Size() int {
	return int(atomic.LoadInt64(&s.active))
}

// Start transitions Idle -> Running and launches the background
// auxiliary services plus the queue-mode and robots-sweep ticks. It is a
// no-op if the shell is not Idle.
func (s *Shell) Start() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.metrics.Start()
	s.mem.Start()

	s.wg.Add(3)
	go s.queueLoop()
	go s.robotsSweepLoop()
	go s.poolTickLoop()

	s.log.Info().Msg("service shell started")
}

// Drain transitions Running -> Draining, refusing new tasks from the
// queue loop while letting in-flight fetches complete, bounded by
// DrainDeadline. It blocks until draining completes (either all in-flight
// fetches finish or the deadline elapses) and then calls Stop.
func (s *Shell) Drain(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.mu.Unlock()
	s.log.Info().Msg("draining")

	deadline := time.After(s.cfg.DrainDeadline)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.Size() == 0 {
			break
		}
		select {
		case <-ticker.C:
			continue
		case <-deadline:
			s.log.Warn().Int("in_flight", s.Size()).Msg("drain deadline exceeded with fetches still in flight")
			goto stop
		case <-ctx.Done():
			goto stop
		}
	}
stop:
	s.Stop()
}

// Stop halts the queue-mode, robots-sweep, and auxiliary service loops
// and transitions to Stopped. It is safe to call more than once.
func (s *Shell) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()

	s.mem.Stop()
	s.metrics.Stop()
	s.log.Info().Msg("service shell stopped")
}

// Dispatch submits task to the backend router and blocks the calling
// goroutine until the result is ready, using a sync.Cond-guarded result
// slot rather than a plain function call so that the pattern generalizes
// to any future transport where the async core and the synchronous
// caller are not the same goroutine. This is the entry point the RPC
// bridge's fetch method calls; queue-mode fetches are launched directly
// from queueLoop instead.
func (s *Shell) Dispatch(ctx context.Context, task *fetchcore.Task) *fetchcore.FetchResult {
	if s.State() != StateRunning {
		return &fetchcore.FetchResult{
			StatusCode: fetchcore.StatusTransportFailure,
			URL:        task.URL,
			OrigURL:    task.URL,
			Cookies:    map[string]string{},
			Error:      "service is not running",
		}
	}

	slot := &replySlot{cond: sync.NewCond(&sync.Mutex{})}

	atomic.AddInt64(&s.active, 1)
	go func() {
		defer atomic.AddInt64(&s.active, -1)
		result := s.router.Dispatch(ctx, task)
		slot.cond.L.Lock()
		slot.result = result
		slot.ready = true
		slot.cond.Signal()
		slot.cond.L.Unlock()
	}()

	slot.cond.L.Lock()
	for !slot.ready {
		slot.cond.Wait()
	}
	result := slot.result
	slot.cond.L.Unlock()
	return result
}

// replySlot is the one-shot condition-variable mailbox a synchronous
// Dispatch caller waits on while the fetch runs on its own goroutine.
type replySlot struct {
	cond   *sync.Cond
	ready  bool
	result *fetchcore.FetchResult
}

// Counter resolves the counter(window, type) RPC against the metrics
// registry's current snapshot. window is accepted for interface parity
// ("5m"/"1h") but the registry keeps a single cumulative aggregate rather
// than per-window rollups, so both windows currently resolve identically;
// see DESIGN.md for the rationale.
func (s *Shell) Counter(window, typ string) float64 {
	_ = window
	counters, gauges, timers := s.metrics.Snapshot()

	success := counters["fetch_success[fetch_type=http]"] + counters["fetch_success[fetch_type=data]"]
	var failed int64
	for k, v := range counters {
		if strings.HasPrefix(k, "fetch_error_") {
			failed += v
		}
	}

	switch typ {
	case "success":
		return float64(success)
	case "failed":
		return float64(failed)
	case "retry":
		return 0
	case "pending":
		return float64(s.Size())
	case "all":
		return float64(success + failed)
	case "time":
		if snap, ok := timers["fetch_time[fetch_type=http]"]; ok {
			return snap.Avg()
		}
		return 0
	case "speed":
		return gauges["fetch_speed[fetch_type=http]"]
	default:
		return 0
	}
}

func (s *Shell) queueLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.QueueTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.queueTick()
		}
	}
}

func (s *Shell) queueTick() {
	if s.State() != StateRunning {
		return
	}
	if s.output.Full() {
		return
	}
	if s.Size() >= s.poolOpt.Size() {
		return
	}

	task, err := s.input.Pop()
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return
		}
		s.log.Error().Err(err).Msg("input queue broken, draining")
		go s.Drain(context.Background())
		return
	}

	atomic.AddInt64(&s.active, 1)
	go func() {
		defer atomic.AddInt64(&s.active, -1)
		result := s.router.Dispatch(context.Background(), task)
		if err := s.output.Push(task, result); err != nil {
			s.log.Error().Err(err).Str("taskid", task.TaskID).Msg("failed to push result to output queue")
		}
	}()
}

func (s *Shell) robotsSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RobotsSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.robotsSweepTick()
		}
	}
}

func (s *Shell) robotsSweepTick() {
	if s.robots == nil {
		return
	}
	s.robots.Sweep()
}

// poolTickLoop drives the pool optimiser's resize decisions on its own
// configured CheckInterval-equivalent cadence and keeps the transport
// engine's admission-control semaphore in step with every resize.
func (s *Shell) poolTickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poolCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poolTick()
		}
	}
}

func (s *Shell) poolTick() {
	before := s.poolOpt.Size()
	action := s.poolOpt.Tick()
	if action != pool.ActionUnchanged {
		after := s.poolOpt.Size()
		s.engine.AdjustCapacity(after - before)
	}
}
