package memguard

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobweb-crawl/fetchcore/metrics"
)

func newTestGovernor(t *testing.T, samples <-chan Usage) *Governor {
	t.Helper()
	reg := metrics.New(zerolog.Nop(), time.Hour)
	g := New(80, 0, time.Second, reg, zerolog.Nop(), WithSampleFunc(func() (Usage, error) {
		return <-samples, nil
	}))
	return g
}

func TestCheckRecordsGaugesWithoutReclaimBelowThreshold(t *testing.T) {
	samples := make(chan Usage, 1)
	samples <- Usage{RSSBytes: 100, TotalBytes: 1000, Percent: 10, SystemAvail: 900, SystemPercent: 10}
	g := newTestGovernor(t, samples)

	g.Check()

	require.False(t, g.lastGC.After(time.Time{}))
	_, gauges, _ := g.metrics.Snapshot()
	assert.Equal(t, 10.0, gauges["memory_usage_percent"])
}

func TestCheckReclaimsAboveThreshold(t *testing.T) {
	samples := make(chan Usage, 2)
	samples <- Usage{RSSBytes: 900, TotalBytes: 1000, Percent: 90}
	samples <- Usage{RSSBytes: 400, TotalBytes: 1000, Percent: 40}
	g := newTestGovernor(t, samples)

	g.Check()

	assert.False(t, g.lastGC.IsZero())
	counters, gauges, _ := g.metrics.Snapshot()
	assert.EqualValues(t, 1, counters["memory_optimizations"])
	assert.Equal(t, 40.0, gauges["memory_usage_percent"])
}

func TestReclaimRespectsCooldown(t *testing.T) {
	samples := make(chan Usage, 4)
	samples <- Usage{RSSBytes: 900, TotalBytes: 1000, Percent: 90}
	samples <- Usage{RSSBytes: 400, TotalBytes: 1000, Percent: 40}
	samples <- Usage{RSSBytes: 900, TotalBytes: 1000, Percent: 90}
	g := newTestGovernor(t, samples)
	g.gcInterval = time.Hour

	g.Check() // triggers reclaim, consumes 2 samples
	g.Check() // over threshold again but within cooldown, consumes 1 sample only

	counters, _, _ := g.metrics.Snapshot()
	assert.EqualValues(t, 1, counters["memory_optimizations"])
}

func TestStartStopDoesNotPanic(t *testing.T) {
	samples := make(chan Usage, 100)
	for i := 0; i < 100; i++ {
		samples <- Usage{RSSBytes: 100, TotalBytes: 1000, Percent: 10}
	}
	g := newTestGovernor(t, samples)
	g.checkInterval = time.Millisecond

	g.Start()
	time.Sleep(10 * time.Millisecond)
	g.Stop()
}

func TestParseKBLine(t *testing.T) {
	v, err := parseKBLine("VmRSS:\t   12345 kB")
	require.NoError(t, err)
	assert.EqualValues(t, 12345*1024, v)
}
