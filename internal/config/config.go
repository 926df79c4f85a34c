package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional structured config file. Environment variables
// read in main take precedence over values loaded from here.
type Config struct {
	DatabaseURL string    `yaml:"database_url"`
	OrgID       string    `yaml:"org_id"`
	InfoURL     string    `yaml:"info_url"`
	Governor    Governor  `yaml:"governor"`
	Scheduler   Scheduler `yaml:"scheduler"`
	Worker      Worker    `yaml:"worker"`
	Ops         Ops       `yaml:"ops"`
}

// Governor tunes the shared token bucket. Defaults are calibrated to the
// upstream's 1200-weight-per-minute ceiling with roughly a third headroom.
type Governor struct {
	MaxTokens   float64 `yaml:"max_tokens"`
	RefillRate  float64 `yaml:"refill_rate"` // tokens per second
	DefaultCost int     `yaml:"default_cost"`
	Distributed bool    `yaml:"distributed"`
}

// Scheduler tunes wallet cadence classification and tick admission.
type Scheduler struct {
	TickSec         int `yaml:"tick_sec"`
	MaxJobsPerTick  int `yaml:"max_jobs_per_tick"`
	HotIntervalSec  int `yaml:"hot_interval_sec"`
	WarmIntervalSec int `yaml:"warm_interval_sec"`
	ColdIntervalSec int `yaml:"cold_interval_sec"`
}

// Worker tunes the job-claiming loop.
type Worker struct {
	Concurrency int `yaml:"concurrency"`
	LeaseSec    int `yaml:"lease_sec"`
	PollSec     int `yaml:"poll_sec"`
}

// Ops tunes the operational HTTP server.
type Ops struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the baseline configuration before file or env overrides.
func Default() *Config {
	return &Config{
		InfoURL: "https://api.hyperliquid.xyz/info",
		Governor: Governor{
			MaxTokens:   100,
			RefillRate:  0.67,
			DefaultCost: 20,
			Distributed: true,
		},
		Scheduler: Scheduler{
			TickSec:         5,
			MaxJobsPerTick:  50,
			HotIntervalSec:  60,
			WarmIntervalSec: 900,
			ColdIntervalSec: 3600,
		},
		Worker: Worker{
			Concurrency: 4,
			LeaseSec:    300,
			PollSec:     1,
		},
		Ops: Ops{
			Enabled: true,
			Addr:    ":8080",
		},
	}
}

// Load reads the YAML file at path over Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Tick returns the scheduler tick as a duration, guarding nonsense values.
func (s Scheduler) Tick() time.Duration {
	if s.TickSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.TickSec) * time.Second
}

// Lease returns the job lease as a duration.
func (w Worker) Lease() time.Duration {
	if w.LeaseSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(w.LeaseSec) * time.Second
}
