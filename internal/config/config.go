// Package config defines the immutable configuration record threaded
// into every component of the fuzzer: a value constructed once at
// startup and passed by reference, with no module-level mutable state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VMConfig holds everything needed to launch and drive one VM
// subprocess. The Driver assembles its full launch command line from
// these fields without any further lookup.
type VMConfig struct {
	VMBinary    string `yaml:"vm_binary"`     // path to the VM launcher binary
	BaseArgs    string `yaml:"base_args"`     // base command-line template
	SyxBaseArgs string `yaml:"syx_base_args"` // base template used for symbolic-mode workers

	PayloadSize uint32 `yaml:"payload_size"` // power-of-two, default 131072
	BitmapSize  uint32 `yaml:"bitmap_size"`  // power-of-two, default 65536

	MemoryMB int `yaml:"memory_mb"`

	Image    string `yaml:"image"`
	Kernel   string `yaml:"kernel"`
	Initrd   string `yaml:"initrd"`
	Bios     string `yaml:"bios"`
	Append   string `yaml:"append"`
	Sharedir string `yaml:"sharedir"`

	Snapshot string `yaml:"snapshot"` // optional pre-built snapshot seeding the creator's boot

	IPFilters [4]*IPRange `yaml:"ip_filters"` // ip0..ip3; parsed from CLI or loaded from the resolved config file

	Serial    string `yaml:"serial"` // extra -chardev/device args for serial redirection
	SerialSyx string `yaml:"serial_syx"`
	Extra     string `yaml:"extra"`
	ExtraSyx  string `yaml:"extra_syx"`

	Trace   bool `yaml:"trace"`
	TraceCB bool `yaml:"trace_cb"`

	// Guest addresses of the buffer placed under symbolic exploration.
	// These depend on the snapshot being fuzzed, so they are campaign
	// configuration rather than something the core can derive.
	SyxPhysAddr uint64 `yaml:"syx_phys_addr"`
	SyxVirtAddr uint64 `yaml:"syx_virt_addr"`

	TimeoutHard time.Duration `yaml:"timeout_hard"`
	Reload      int           `yaml:"reload"` // -R: 1 freezes reload mode on; >1 toggles every Reload executions

	LogHprintf bool `yaml:"log_hprintf"`
	LogCrashes bool `yaml:"log_crashes"`

	GDBServer bool `yaml:"gdbserver"`
}

// IPRange is a parsed "-ip0 a-b" PT filter range. A single value "v" is
// accepted and stored as [v, v].
type IPRange struct {
	Low  uint64 `yaml:"low"`
	High uint64 `yaml:"high"`
}

// ParseIPRange parses "a-b" or a single hex/decimal value "v". a > b is
// rejected, and when fullSpan is nonzero the full span "0-<fullSpan>" is
// rejected (a fullSpan of 0 disables that check) as almost certainly
// a configuration mistake (PT filtering the entire address space defeats
// the purpose of an IP filter).
func ParseIPRange(s string, fullSpan uint64) (*IPRange, error) {
	var low, high uint64
	n, err := fmt.Sscanf(s, "%v-%v", &low, &high)
	if err != nil || n != 2 {
		var v uint64
		if _, err2 := fmt.Sscanf(s, "%v", &v); err2 != nil {
			return nil, fmt.Errorf("invalid IP range %q", s)
		}
		return &IPRange{Low: v, High: v}, nil
	}
	if low > high {
		return nil, fmt.Errorf("invalid IP range %q: low > high", s)
	}
	if low == 0 && fullSpan > 0 && high == fullSpan {
		return nil, fmt.Errorf("invalid IP range %q: spans the entire address space", s)
	}
	return &IPRange{Low: low, High: high}, nil
}

// QueueConfig tunes the symbolic request queue and symbolic result
// reader behavior.
type QueueConfig struct {
	// FIFOPollInterval is the retry cadence when the non-blocking
	// symbolic-result FIFO has no data yet (EAGAIN, or an empty read
	// before the writer attaches).
	FIFOPollInterval time.Duration `yaml:"fifo_poll_interval"`
}

// TelemetryConfig controls OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, or stdout (spans are discarded, nothing is printed)
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"` // HTTP listen address for /metrics, e.g. ":9100"
}

// SyncConfig configures the optional Redis-backed cross-instance corpus
// sync. Disabled by default; with Enabled false the Manager runs as a
// pure single-instance campaign.
type SyncConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisPass  string `yaml:"redis_pass"`
	RedisDB    int    `yaml:"redis_db"`
	CampaignID string `yaml:"campaign_id"`
}

// StatsConfig configures the optional Postgres execution-history sink.
// Disabled when DSN is empty.
type StatsConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls the operational logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Config is the immutable, fully-resolved configuration for one fuzzing
// campaign. An instance is built once by the CLI (defaults, then the
// optional YAML file, then the flags the user set), passed to
// Orchestrator.Start and handed by reference to every subsystem; nothing
// here is mutated after construction.
type Config struct {
	WorkDir    string `yaml:"work_dir"`
	SeedDir    string `yaml:"seed_dir"`
	Processes  int    `yaml:"processes"`   // number of ordinary fuzz workers (N)
	SyxWorkers int    `yaml:"syx_workers"` // number of symbolic workers (M)
	Purge      bool   `yaml:"purge"`
	Quiet      bool   `yaml:"quiet"`

	VM        VMConfig        `yaml:"vm"`
	Queue     QueueConfig     `yaml:"queue"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sync      SyncConfig      `yaml:"sync"`
	Stats     StatsConfig     `yaml:"stats"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		WorkDir:    "/tmp/kafl_workdir",
		Processes:  1,
		SyxWorkers: 0,
		VM: VMConfig{
			VMBinary:    "qemu-system-x86_64",
			PayloadSize: 131072,
			BitmapSize:  65536,
			MemoryMB:    256,
			TimeoutHard: time.Second,
			Reload:      1,
			LogCrashes:  true,
		},
		Queue: QueueConfig{
			FIFOPollInterval: 20 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "kafl-fuzzer",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "kafl",
			Addr:      ":9100",
		},
		Sync: SyncConfig{
			Enabled:    false,
			RedisAddr:  "localhost:6379",
			CampaignID: "default",
		},
		Stats: StatsConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFile overlays YAML-file settings onto a base config. Flags parsed
// by the CLI are applied after LoadFile so that flags always win.
func LoadFile(base *Config, path string) (*Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := *base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// WriteFile persists a fully-resolved config as YAML. The orchestrator
// uses this to hand re-exec'd worker processes the exact campaign
// settings the Manager resolved, flags included.
func WriteFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the shared-memory layout invariants: payload_size must
// be a multiple of 4096 and bitmap_size must be a power of two.
func (c *Config) Validate() error {
	if c.VM.PayloadSize%4096 != 0 {
		return fmt.Errorf("payload_size %d is not a multiple of 4096", c.VM.PayloadSize)
	}
	if c.VM.BitmapSize == 0 || c.VM.BitmapSize&(c.VM.BitmapSize-1) != 0 {
		return fmt.Errorf("bitmap_size %d is not a power of two", c.VM.BitmapSize)
	}
	if c.Processes < 1 {
		return fmt.Errorf("processes must be >= 1")
	}
	return nil
}

// PayloadLimit returns the maximum usable payload body length, i.e.
// payload_size minus the 8-byte header.
func (c *Config) PayloadLimit() int {
	return int(c.VM.PayloadSize) - 8
}
