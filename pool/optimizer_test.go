package pool

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/cobweb-crawl/fetchcore/metrics"
)

func newTestOptimizer(initial int) *Optimizer {
	reg := metrics.New(zerolog.Nop(), time.Hour)
	return New(10, 200, initial, time.Hour, 1.5, 0.3, reg, zerolog.Nop())
}

func TestTickScalesUpWhenQueueGrows(t *testing.T) {
	o := newTestOptimizer(50)
	o.SetQueue(60) // 60*1.5 = 90 > 50

	action := o.Tick()

	assert.Equal(t, ActionIncreased, action)
	assert.Equal(t, 90, o.Size())
}

func TestTickClampsToMaxSize(t *testing.T) {
	o := newTestOptimizer(50)
	o.SetQueue(1000) // 1000*1.5 way over max

	o.Tick()

	assert.Equal(t, 200, o.Size())
}

func TestTickScalesDownBelowThreshold(t *testing.T) {
	o := newTestOptimizer(100)
	o.SetQueue(1) // optimal = max(10, 1*1.5) = 10; 10 < 100*0.3=30 and 100>10 -> decrease

	action := o.Tick()

	assert.Equal(t, ActionDecreased, action)
	assert.Equal(t, 10, o.Size())
}

func TestTickNeverGoesBelowMin(t *testing.T) {
	o := newTestOptimizer(20)
	o.SetQueue(0)

	o.Tick()

	assert.GreaterOrEqual(t, o.Size(), 10)
}

func TestTickUnchangedInStableBand(t *testing.T) {
	o := newTestOptimizer(50)
	o.SetQueue(34) // optimal = 34*1.5=51 -> actually increases; pick a queue that keeps optimal within band
	o.Tick()
	o.SetQueue(int(float64(o.Size()) / 1.5)) // optimal ~= current size, no change expected on subsequent tick
	before := o.Size()
	action := o.Tick()
	assert.Equal(t, ActionUnchanged, action)
	assert.Equal(t, before, o.Size())
}

// Exercises testable property #11: connection_pool_utilization = active/pool_size.
func TestUtilizationMetric(t *testing.T) {
	o := newTestOptimizer(50)
	o.SetActive(25)

	stats := o.Stats()
	assert.Equal(t, 0.5, stats.Utilization)

	_, gauges, _ := o.metrics.Snapshot()
	assert.Equal(t, 0.5, gauges["connection_pool_utilization"])
}

func TestStartStopDoesNotPanic(t *testing.T) {
	o := newTestOptimizer(50)
	o.checkInterval = time.Millisecond
	o.Start()
	time.Sleep(5 * time.Millisecond)
	o.Stop()
}
