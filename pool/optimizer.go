// Package pool tracks active/queued fetch counts and adaptively resizes the
// target connection pool size. Optimal size is queue*scale_factor clamped
// to [min, max], scaling up whenever that optimum exceeds the
// current size, scaling down only once it falls below
// current*scale_down_threshold (and never below min).
package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cobweb-crawl/fetchcore/metrics"
)

// Action names the outcome of one optimization pass.
type Action string

const (
	ActionIncreased Action = "increased"
	ActionDecreased Action = "decreased"
	ActionUnchanged Action = "unchanged"
)

// Optimizer adaptively sizes a connection pool based on observed queue
// depth and active-connection count. It does not itself hold connections;
// callers (the transport engine) consult Size() as an admission-control
// ceiling and report their own active/queue counts via SetActive/SetQueue.
type Optimizer struct {
	minSize            int
	maxSize            int
	scaleFactor        float64
	scaleDownThreshold float64
	checkInterval      time.Duration

	metrics *metrics.Registry
	log     zerolog.Logger

	mu     sync.Mutex
	size   int
	active int
	queue  int

	stop chan struct{}
	done chan struct{}
}

// New builds an Optimizer seeded at initialSize.
func New(minSize, maxSize, initialSize int, checkInterval time.Duration, scaleFactor, scaleDownThreshold float64, reg *metrics.Registry, log zerolog.Logger) *Optimizer {
	o := &Optimizer{
		minSize:            minSize,
		maxSize:            maxSize,
		scaleFactor:        scaleFactor,
		scaleDownThreshold: scaleDownThreshold,
		checkInterval:      checkInterval,
		metrics:            reg,
		log:                log.With().Str("component", "pool").Logger(),
		size:               initialSize,
	}
	o.updateMetrics()
	return o
}

// Size returns the current target pool size.
func (o *Optimizer) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// SetActive records the current number of in-flight connections.
func (o *Optimizer) SetActive(count int) {
	o.mu.Lock()
	o.active = count
	o.mu.Unlock()
	o.updateMetrics()
}

// SetQueue records the current number of queued (waiting-for-admission)
// requests.
func (o *Optimizer) SetQueue(size int) {
	o.mu.Lock()
	o.queue = size
	o.mu.Unlock()
	o.updateMetrics()
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	PoolSize    int
	MinSize     int
	MaxSize     int
	Active      int
	Queue       int
	Utilization float64
}

// Stats returns a snapshot of current pool state.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{PoolSize: o.size, MinSize: o.minSize, MaxSize: o.maxSize, Active: o.active, Queue: o.queue}
	if o.size > 0 {
		s.Utilization = float64(o.active) / float64(o.size)
	}
	return s
}

// Tick runs one optimization pass, resizing the pool if warranted, and
// returns the action taken.
func (o *Optimizer) Tick() Action {
	o.mu.Lock()
	active := o.active
	queue := o.queue
	current := o.size

	optimal := o.minSize
	if scaled := int(float64(queue) * o.scaleFactor); scaled > optimal {
		optimal = scaled
	}
	if optimal > o.maxSize {
		optimal = o.maxSize
	}

	var newSize int
	var action Action
	switch {
	case optimal > current:
		newSize = optimal
		action = ActionIncreased
	case float64(optimal) < float64(current)*o.scaleDownThreshold && current > o.minSize:
		newSize = optimal
		if newSize < o.minSize {
			newSize = o.minSize
		}
		action = ActionDecreased
	default:
		newSize = current
		action = ActionUnchanged
	}

	changed := newSize != current
	if changed {
		o.size = newSize
	}
	o.mu.Unlock()

	o.metrics.Increment("connection_pool_"+string(action), 1, nil)
	if changed {
		o.log.Info().
			Str("action", string(action)).
			Int("before", current).
			Int("after", newSize).
			Int("active", active).
			Int("queue", queue).
			Msg("connection pool resized")
		o.updateMetrics()
	}
	return action
}

func (o *Optimizer) updateMetrics() {
	stats := o.Stats()
	o.metrics.Gauge("connection_pool_size", float64(stats.PoolSize), nil)
	o.metrics.Gauge("connection_pool_active", float64(stats.Active), nil)
	o.metrics.Gauge("connection_pool_queue", float64(stats.Queue), nil)
	if stats.PoolSize > 0 {
		o.metrics.Gauge("connection_pool_utilization", stats.Utilization, nil)
	}
}

// Start launches the background tick loop. No-op if already running.
func (o *Optimizer) Start() {
	o.mu.Lock()
	if o.stop != nil {
		o.mu.Unlock()
		return
	}
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	stop := o.stop
	done := o.done
	o.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.Tick()
			}
		}
	}()
}

// Stop halts the background tick loop.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	stop := o.stop
	done := o.done
	o.stop = nil
	o.done = nil
	o.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
