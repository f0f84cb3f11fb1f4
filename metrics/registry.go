// Package metrics provides the tag-keyed counter/gauge/timer registry
// shared by every fetchcore component. Equal tag sets (regardless of
// insertion order) must produce equal keys, and the registry periodically
// snapshots and reports its state as structured log lines.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is a thread-safe collection of counters, gauges, and timers.
// The zero value is not usable; construct one with New.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]*timerState

	log      zerolog.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

type timerState struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

// New creates an empty Registry. log is used for the periodic structured
// report; interval is how often Start's background goroutine reports (the
// report can also be forced at any time with Report).
func New(log zerolog.Logger, interval time.Duration) *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timers:   make(map[string]*timerState),
		log:      log.With().Str("component", "metrics").Logger(),
		interval: interval,
	}
}

// key forms name[k=v,k=v] with tags sorted by key, so that equal tag sets
// (regardless of map iteration order) always produce equal keys.
func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('[')
	b.WriteString(strings.Join(pairs, ","))
	b.WriteByte(']')
	return b.String()
}

// Increment adds delta to the named counter.
func (r *Registry) Increment(name string, delta int64, tags map[string]string) int64 {
	k := key(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[k] += delta
	return r.counters[k]
}

// Gauge overwrites the named gauge's value.
func (r *Registry) Gauge(name string, value float64, tags map[string]string) {
	k := key(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = value
}

// Timer is a scoped clock acquisition: call Stop() (typically via defer)
// when the timed operation completes to update (count, sum, min, max) for
// the named timer.
type Timer struct {
	r     *Registry
	key   string
	start time.Time
}

// NewTimer begins timing name. Call Stop on the result when done.
func (r *Registry) NewTimer(name string, tags map[string]string) *Timer {
	return &Timer{r: r, key: key(name, tags), start: time.Now()}
}

// Stop records the elapsed duration against the timer's aggregate.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	seconds := elapsed.Seconds()

	r := t.r
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.timers[t.key]
	if !ok {
		ts = &timerState{min: seconds, max: seconds}
		r.timers[t.key] = ts
	}
	ts.count++
	ts.sum += seconds
	if seconds < ts.min {
		ts.min = seconds
	}
	if seconds > ts.max {
		ts.max = seconds
	}
	return elapsed
}

// TimerSnapshot is the (count, sum, min, max) aggregate for one timer key.
type TimerSnapshot struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Avg returns sum/count, or 0 if count is 0.
func (t TimerSnapshot) Avg() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.Sum / float64(t.Count)
}

// Snapshot returns a point-in-time copy of all counters, gauges, and timers.
func (r *Registry) Snapshot() (counters map[string]int64, gauges map[string]float64, timers map[string]TimerSnapshot) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters = make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	timers = make(map[string]TimerSnapshot, len(r.timers))
	for k, v := range r.timers {
		timers[k] = TimerSnapshot{Count: v.count, Sum: v.sum, Min: v.min, Max: v.max}
	}
	return
}

// Reset clears all counters, gauges, and timers.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]int64)
	r.gauges = make(map[string]float64)
	r.timers = make(map[string]*timerState)
}

// Report immediately logs a structured snapshot. It is also invoked on
// every tick of the background loop started by Start.
func (r *Registry) Report() {
	counters, gauges, timers := r.Snapshot()

	if len(counters) > 0 {
		ev := r.log.Info()
		for k, v := range counters {
			ev = ev.Int64(k, v)
		}
		ev.Msg("counters")
	}
	if len(gauges) > 0 {
		ev := r.log.Info()
		for k, v := range gauges {
			ev = ev.Float64(k, v)
		}
		ev.Msg("gauges")
	}
	if len(timers) > 0 {
		ev := r.log.Info()
		for k, v := range timers {
			ev = ev.Dict(k, zerolog.Dict().
				Int64("count", v.Count).
				Float64("avg", v.Avg()).
				Float64("min", v.Min).
				Float64("max", v.Max))
		}
		ev.Msg("timers")
	}
}

// Start launches the background reporting goroutine. It is a no-op if
// already started.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop := r.stop
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Report()
			}
		}
	}()
}

// Stop halts the background reporting goroutine and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop := r.stop
	done := r.done
	r.stop = nil
	r.done = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
