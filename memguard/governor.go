// Package memguard samples process memory usage and triggers a forced
// garbage collection when usage exceeds a configured ceiling: sample on
// an interval, gate GC behind a minimum cooldown, and record before/after
// metrics for every reclaim.
//
// There is no Go stdlib equivalent of a direct process memory-percent
// reading, so Governor reads /proc/self/status's VmRSS against the total
// from /proc/meminfo on Linux, and falls back to runtime.MemStats (which
// can only approximate Go-heap usage, not RSS) everywhere else, logging
// once that the fallback is in effect.
package memguard

import (
	"bufio"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cobweb-crawl/fetchcore/metrics"
)

// Governor periodically samples memory usage and forces a reclaim once
// usage crosses MaxPercent, no more often than every GCInterval.
type Governor struct {
	maxPercent    float64
	gcInterval    time.Duration
	checkInterval time.Duration

	metrics *metrics.Registry
	log     zerolog.Logger

	mu         sync.Mutex
	lastGC     time.Time
	degraded   bool
	stop       chan struct{}
	done       chan struct{}
	sampleFunc func() (Usage, error)
}

// Usage is a single memory sample.
type Usage struct {
	RSSBytes     uint64
	TotalBytes   uint64
	Percent      float64
	SystemAvail  uint64
	SystemPercent float64
}

// Option configures a Governor at construction time.
type Option func(*Governor)

// New builds a Governor that samples via /proc on Linux, or MemStats
// elsewhere.
func New(maxPercent float64, gcInterval, checkInterval time.Duration, reg *metrics.Registry, log zerolog.Logger, opts ...Option) *Governor {
	g := &Governor{
		maxPercent:    maxPercent,
		gcInterval:    gcInterval,
		checkInterval: checkInterval,
		metrics:       reg,
		log:           log.With().Str("component", "memguard").Logger(),
	}
	g.sampleFunc = g.sample
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithSampleFunc overrides how usage is sampled; used by tests to avoid
// depending on the real /proc filesystem.
func WithSampleFunc(f func() (Usage, error)) Option {
	return func(g *Governor) { g.sampleFunc = f }
}

// Start launches the background sampling goroutine. No-op if already
// running.
func (g *Governor) Start() {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	stop := g.stop
	done := g.done
	g.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(g.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.Check()
			}
		}
	}()
}

// Stop halts the background sampling goroutine.
func (g *Governor) Stop() {
	g.mu.Lock()
	stop := g.stop
	done := g.done
	g.stop = nil
	g.done = nil
	g.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Check samples current usage, records it as metrics gauges, and forces a
// reclaim if usage exceeds maxPercent and gcInterval has elapsed since the
// last reclaim.
func (g *Governor) Check() Usage {
	u, err := g.sampleFunc()
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to sample memory usage")
		return Usage{}
	}

	g.metrics.Gauge("memory_usage_rss", float64(u.RSSBytes), nil)
	g.metrics.Gauge("memory_usage_percent", u.Percent, nil)
	g.metrics.Gauge("system_memory_available", float64(u.SystemAvail), nil)
	g.metrics.Gauge("system_memory_percent", u.SystemPercent, nil)

	if u.Percent > g.maxPercent {
		g.mu.Lock()
		due := time.Since(g.lastGC) >= g.gcInterval
		g.mu.Unlock()
		if due {
			g.Reclaim(u)
		}
	}
	return u
}

// Reclaim forces a garbage collection cycle and returns memory to the OS,
// recording before/after metrics. It bypasses the gcInterval cooldown check
// in Check — callers invoking it directly get an immediate reclaim.
func (g *Governor) Reclaim(before Usage) {
	g.log.Info().Float64("percent", before.Percent).Msg("memory usage high, forcing reclaim")

	var statsBefore, statsAfter runtime.MemStats
	runtime.ReadMemStats(&statsBefore)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&statsAfter)

	g.mu.Lock()
	g.lastGC = time.Now()
	g.mu.Unlock()

	after, err := g.sampleFunc()
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to sample memory usage after reclaim")
		g.metrics.Increment("memory_optimizations", 1, nil)
		return
	}

	var saved int64
	if before.RSSBytes > after.RSSBytes {
		saved = int64(before.RSSBytes - after.RSSBytes)
	}

	g.metrics.Increment("memory_optimizations", 1, nil)
	g.metrics.Gauge("memory_optimization_bytes_saved", float64(saved), nil)
	g.metrics.Gauge("memory_optimization_rss_before", float64(before.RSSBytes), nil)
	g.metrics.Gauge("memory_optimization_rss_after", float64(after.RSSBytes), nil)
	g.metrics.Gauge("memory_optimization_objects_freed", float64(statsAfter.Frees-statsBefore.Frees), nil)
	g.metrics.Gauge("memory_usage_percent", after.Percent, nil)

	g.log.Info().
		Int64("bytes_saved", saved).
		Float64("percent_after", after.Percent).
		Msg("reclaim complete")
}

// sample dispatches to the platform-appropriate sampler.
func (g *Governor) sample() (Usage, error) {
	u, err := readProcUsage()
	if err == nil {
		return u, nil
	}

	g.mu.Lock()
	firstFallback := !g.degraded
	g.degraded = true
	g.mu.Unlock()
	if firstFallback {
		g.log.Warn().Err(err).Msg("/proc memory accounting unavailable, falling back to runtime.MemStats (heap only, not RSS)")
	}
	return readMemStatsUsage(), nil
}

// readProcUsage reads VmRSS from /proc/self/status and MemTotal/MemAvailable
// from /proc/meminfo. It returns an error on any non-Linux platform or
// sandboxed environment where those files are absent.
func readProcUsage() (Usage, error) {
	rss, err := readStatusField("/proc/self/status", "VmRSS")
	if err != nil {
		return Usage{}, err
	}
	total, avail, err := readMemInfo("/proc/meminfo")
	if err != nil {
		return Usage{}, err
	}

	u := Usage{
		RSSBytes:      rss,
		TotalBytes:    total,
		SystemAvail:   avail,
	}
	if total > 0 {
		u.Percent = float64(rss) / float64(total) * 100
		u.SystemPercent = float64(total-avail) / float64(total) * 100
	}
	return u, nil
}

func readStatusField(path, field string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, field+":") {
			continue
		}
		return parseKBLine(line)
	}
	return 0, os.ErrNotExist
}

func readMemInfo(path string) (total, avail uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total, _ = parseKBLine(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			avail, _ = parseKBLine(line)
		}
	}
	return total, avail, nil
}

// parseKBLine parses "VmRSS:\t   12345 kB" into bytes.
func parseKBLine(line string) (uint64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, os.ErrInvalid
	}
	kb, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return kb * 1024, nil
}

// readMemStatsUsage approximates usage from the Go runtime's own heap
// accounting when /proc is unavailable. It cannot report true RSS or
// system-wide memory, so Percent is heap-relative to HeapSys rather than
// any absolute ceiling.
func readMemStatsUsage() Usage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	u := Usage{
		RSSBytes:   m.HeapAlloc,
		TotalBytes: m.HeapSys,
	}
	if m.HeapSys > 0 {
		u.Percent = float64(m.HeapAlloc) / float64(m.HeapSys) * 100
	}
	return u
}
