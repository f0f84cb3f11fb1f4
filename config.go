package fetchcore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full, explicit configuration record for a fetcher process.
// A Config is built once at start-up (DefaultConfig, optionally overlaid by
// LoadConfigFile) and passed by reference into every component's
// constructor; fetchcore never reads it from a package-level global or from
// the environment (spec: "No environment variables are read by the core").
type Config struct {
	Fetch   FetchDefaults  `yaml:"fetch"`
	Pool    PoolConfig     `yaml:"pool"`
	Memory  MemoryConfig   `yaml:"memory"`
	Robots  RobotsConfig   `yaml:"robots"`
	Backend BackendConfig  `yaml:"backend"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Service ServiceConfig  `yaml:"service"`
}

// FetchDefaults are applied to every Task.Fetch that doesn't override them.
type FetchDefaults struct {
	Method         string  `yaml:"method"`
	Timeout        float64 `yaml:"timeout"`
	ConnectTimeout float64 `yaml:"connect_timeout"`
	UserAgent      string  `yaml:"user_agent"`
	MaxRedirects   int     `yaml:"max_redirects"`
	Proxy          string  `yaml:"proxy"`
}

// PoolConfig seeds the connection pool optimiser.
type PoolConfig struct {
	MinSize            int           `yaml:"min_size"`
	MaxSize            int           `yaml:"max_size"`
	InitialSize        int           `yaml:"initial_size"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	ScaleFactor        float64       `yaml:"scale_factor"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
}

// MemoryConfig seeds the memory governor.
type MemoryConfig struct {
	MaxPercent    float64       `yaml:"max_percent"`
	GCInterval    time.Duration `yaml:"gc_interval"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// RobotsConfig seeds the robots.txt cache.
type RobotsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	RequestWindow time.Duration `yaml:"request_window"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BackendConfig holds the operator-supplied endpoints for remote
// headless-browser proxies. An empty endpoint means that backend is not
// enabled and dispatch to it yields a 501 FetchResult.
type BackendConfig struct {
	PuppeteerEndpoint   string `yaml:"puppeteer_endpoint"`
	PlaywrightEndpoint  string `yaml:"playwright_endpoint"`
	PyPlaywrightEndpoint string `yaml:"py_playwright_endpoint"`
	SplashEndpoint      string `yaml:"splash_endpoint"`
}

// MetricsConfig controls the metrics registry's periodic report.
type MetricsConfig struct {
	ReportInterval time.Duration `yaml:"report_interval"`
}

// ServiceConfig controls the service shell's queue and RPC loops.
type ServiceConfig struct {
	QueueTick       time.Duration `yaml:"queue_tick"`
	RobotsSweepTick time.Duration `yaml:"robots_sweep_tick"`
	DrainDeadline   time.Duration `yaml:"drain_deadline"`
	OutputQueueSize int           `yaml:"output_queue_size"`
	RPCBindAddr     string        `yaml:"rpc_bind_addr"`
}

// DefaultConfig returns the fetcher core's stock configuration defaults
// (pool 10/200/50, memory 80%/60s/30s, robots TTL 1h, etc).
func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchDefaults{
			Method:         "GET",
			Timeout:        120,
			ConnectTimeout: 20,
			UserAgent:      "fetchcore (+https://github.com/cobweb-crawl/fetchcore)",
			MaxRedirects:   5,
		},
		Pool: PoolConfig{
			MinSize:            10,
			MaxSize:            200,
			InitialSize:        50,
			CheckInterval:      30 * time.Second,
			ScaleFactor:        1.5,
			ScaleDownThreshold: 0.3,
		},
		Memory: MemoryConfig{
			MaxPercent:    80,
			GCInterval:    60 * time.Second,
			CheckInterval: 30 * time.Second,
		},
		Robots: RobotsConfig{
			TTL:           time.Hour,
			FetchTimeout:  10 * time.Second,
			RequestWindow: 30 * time.Second,
			MaxEntries:    20000,
			SweepInterval: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			ReportInterval: 60 * time.Second,
		},
		Service: ServiceConfig{
			QueueTick:       100 * time.Millisecond,
			RobotsSweepTick: 10 * time.Second,
			DrainDeadline:   30 * time.Second,
			OutputQueueSize: 1000,
			RPCBindAddr:     "127.0.0.1:24444",
		},
	}
}

// LoadConfigFile reads a YAML file and overlays it onto DefaultConfig,
// returning the merged result. Sequence values are simply replaced
// (yaml.v3 does not carry go-yaml v2's append-instead-of-overwrite bug
// for sequences).
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from config file (%s): %w", path, err)
	}

	if err := cfg.assertInvariants(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) assertInvariants() error {
	var errs []string
	if c.Pool.MinSize < 1 {
		errs = append(errs, "pool.min_size must be greater than 0")
	}
	if c.Pool.MaxSize < c.Pool.MinSize {
		errs = append(errs, "pool.max_size must be >= pool.min_size")
	}
	if c.Pool.InitialSize < c.Pool.MinSize || c.Pool.InitialSize > c.Pool.MaxSize {
		errs = append(errs, "pool.initial_size must be between min_size and max_size")
	}
	if c.Memory.MaxPercent <= 0 || c.Memory.MaxPercent > 100 {
		errs = append(errs, "memory.max_percent must be in (0, 100]")
	}
	if c.Fetch.MaxRedirects < 0 {
		errs = append(errs, "fetch.max_redirects must be >= 0")
	}

	if len(errs) > 0 {
		msg := ""
		for _, e := range errs {
			msg += "\t" + e + "\n"
		}
		return fmt.Errorf("config error:\n%s", msg)
	}
	return nil
}
