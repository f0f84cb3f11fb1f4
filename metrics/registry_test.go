package metrics

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return New(zerolog.Nop(), time.Hour)
}

func TestKeyOrderIndependent(t *testing.T) {
	a := key("fetch_success", map[string]string{"project": "demo", "fetch_type": "http"})
	b := key("fetch_success", map[string]string{"fetch_type": "http", "project": "demo"})
	assert.Equal(t, a, b)
	assert.Equal(t, "fetch_success[fetch_type=http,project=demo]", a)
}

func TestKeyNoTags(t *testing.T) {
	assert.Equal(t, "fetch_success", key("fetch_success", nil))
}

func TestIncrement(t *testing.T) {
	r := testRegistry()
	tags := map[string]string{"fetch_type": "http"}
	r.Increment("fetch_success", 1, tags)
	r.Increment("fetch_success", 1, tags)
	r.Increment("fetch_error_timeout", 1, tags)

	counters, _, _ := r.Snapshot()
	assert.EqualValues(t, 2, counters[key("fetch_success", tags)])
	assert.EqualValues(t, 1, counters[key("fetch_error_timeout", tags)])
}

// Exercises testable property #11: fetch_success + sum(fetch_error_*) ==
// number of fetches attempted.
func TestCounterSumMatchesAttempts(t *testing.T) {
	r := testRegistry()
	tags := map[string]string{"fetch_type": "http"}

	attempts := 10
	r.Increment("fetch_success", 7, tags)
	r.Increment("fetch_error_timeout", 2, tags)
	r.Increment("fetch_error_dns", 1, tags)

	counters, _, _ := r.Snapshot()
	total := counters[key("fetch_success", tags)] +
		counters[key("fetch_error_timeout", tags)] +
		counters[key("fetch_error_dns", tags)]
	assert.EqualValues(t, attempts, total)
}

func TestGaugeOverwrites(t *testing.T) {
	r := testRegistry()
	r.Gauge("connection_pool_utilization", 0.25, nil)
	r.Gauge("connection_pool_utilization", 0.50, nil)

	_, gauges, _ := r.Snapshot()
	assert.Equal(t, 0.50, gauges["connection_pool_utilization"])
}

// Exercises testable property #12: timer aggregates stay monotone as
// samples accumulate (min <= avg <= max, count non-decreasing).
func TestTimerAggregation(t *testing.T) {
	r := testRegistry()
	tags := map[string]string{"fetch_type": "http"}

	samples := []time.Duration{
		50 * time.Millisecond,
		10 * time.Millisecond,
		200 * time.Millisecond,
	}
	var prevCount int64
	for _, d := range samples {
		tm := r.NewTimer("fetch_time", tags)
		tm.start = time.Now().Add(-d)
		tm.Stop()

		_, _, timers := r.Snapshot()
		snap := timers[key("fetch_time", tags)]
		require.GreaterOrEqual(t, snap.Count, prevCount)
		assert.LessOrEqual(t, snap.Min, snap.Avg())
		assert.GreaterOrEqual(t, snap.Max, snap.Avg())
		prevCount = snap.Count
	}

	_, _, timers := r.Snapshot()
	final := timers[key("fetch_time", tags)]
	assert.EqualValues(t, len(samples), final.Count)
	assert.InDelta(t, 0.01, final.Min, 0.005)
	assert.InDelta(t, 0.2, final.Max, 0.01)
}

func TestReset(t *testing.T) {
	r := testRegistry()
	r.Increment("fetch_success", 1, nil)
	r.Gauge("connection_pool_utilization", 0.5, nil)
	tm := r.NewTimer("fetch_time", nil)
	tm.Stop()

	r.Reset()

	counters, gauges, timers := r.Snapshot()
	assert.Empty(t, counters)
	assert.Empty(t, gauges)
	assert.Empty(t, timers)
}

func TestStartStopReportsWithoutPanicking(t *testing.T) {
	r := New(zerolog.Nop(), 5*time.Millisecond)
	r.Increment("fetch_success", 1, nil)
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Start() // restart after stop must also work
	r.Stop()
}
