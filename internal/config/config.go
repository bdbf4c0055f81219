package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Trace collection settings
	Trace TraceConfig `toml:"trace"`

	// Blame attribution policy
	Blame BlameConfig `toml:"blame"`

	// Entity registry settings
	Registry RegistryConfig `toml:"registry"`

	// Power estimation model
	Power PowerConfig `toml:"power"`

	// Report shaping
	Report ReportConfig `toml:"report"`

	// Device entity sources
	Devices DevicesConfig `toml:"devices"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// TraceConfig contains the tracefs session and window settings.
type TraceConfig struct {
	// Candidate tracefs mount points, tried in order.
	TracefsPaths []string `toml:"tracefs_paths"`

	// Per-CPU ring buffer size in KiB (default: 8192, 0 keeps the kernel setting)
	BufferSizeKB int `toml:"buffer_size_kb"`

	// Length of one measurement window (default: "20s")
	Window Duration `toml:"window"`

	// Replay a saved ftrace text file as a single window instead of tracing live.
	ReplayFile string `toml:"replay_file"`

	// Subscribe to i915 GPU submission events (default: true)
	EnableGPU bool `toml:"enable_gpu"`

	// Subscribe to writeback inode dirty events (default: true)
	EnableWriteback bool `toml:"enable_writeback"`
}

// BlameConfig holds the name-based policy lists consulted by the trace handlers.
type BlameConfig struct {
	// Processes that never become the recorded waker of another process.
	DontBlame []string `toml:"dont_blame"`

	// Process names treated as the graphics server (xwakes, GPU redirection).
	GraphicsServers []string `toml:"graphics_servers"`

	// Name prefixes of kernel helper threads that never take blame on switch-in.
	HelperPrefixes []string `toml:"helper_prefixes"`

	// Timer handlers not credited when they wake a process from irq context.
	IgnoredWakeTimers []string `toml:"ignored_wake_timers"`

	// Timer handlers that never raise timer-level blame.
	UnblamedTimers []string `toml:"unblamed_timers"`

	// Work functions that never raise work-level blame.
	HousekeepingWork []string `toml:"housekeeping_work"`

	// Timer handlers flagged deferred; their expiries are not tracked at all.
	DeferredTimers []string `toml:"deferred_timers"`
}

// RegistryConfig contains entity registry settings.
type RegistryConfig struct {
	// Concurrent map backend: "xsync" or "cornelk" (default: "xsync")
	MapBackend string `toml:"map_backend"`

	// Resolve thread ids to thread groups through procfs for process merging (default: true)
	ResolveTGID bool `toml:"resolve_tgid"`

	// Use /proc/<pid>/cmdline as the process description when available (default: true)
	UseCmdline bool `toml:"use_cmdline"`

	// procfs mount point (default: "/proc")
	ProcRoot string `toml:"proc_root"`

	// Kernel symbol table used to name raw callback addresses (default: "/proc/kallsyms")
	KallsymsPath string `toml:"kallsyms_path"`
}

// PowerConfig contains the linear power model coefficients.
type PowerConfig struct {
	// Enable watts estimation (default: false). When disabled ranking falls back to runtime.
	Enabled bool `toml:"enabled"`

	// Package power with all CPUs idle, in watts.
	CPUIdleWatts float64 `toml:"cpu_idle_watts"`

	// Package power with all CPUs busy, in watts.
	CPUMaxWatts float64 `toml:"cpu_max_watts"`

	// Exponent applied to the CPU utilization fraction (default: 1.0)
	Gamma float64 `toml:"gamma"`

	// Energy per wake-up, in joules.
	WakeupJoules float64 `toml:"wakeup_joules"`

	// Energy per GPU submission, in joules.
	GPUOpJoules float64 `toml:"gpu_op_joules"`

	// Energy per disk operation, in joules.
	DiskOpJoules float64 `toml:"disk_op_joules"`
}

// ReportConfig controls the size of the produced rankings.
type ReportConfig struct {
	// Number of consumers exported as per-consumer metrics (default: 10)
	TopN int `toml:"top_n"`

	// Maximum number of software rows (default: 100)
	MaxRows int `toml:"max_rows"`

	// Log the summary after every window (default: true)
	LogSummary bool `toml:"log_summary"`
}

// DevicesConfig toggles device entity sources.
type DevicesConfig struct {
	// Report block devices as Device entities (default: true)
	DiskActivity bool `toml:"disk_activity"`

	// sysfs mount point (default: "/sys")
	SysRoot string `toml:"sys_root"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`

	// Minimum interval between repeated hot-path log lines (default: "1s")
	SampleInterval Duration `toml:"sample_interval"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: false)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: false)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "wakeup_exporter")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// Duration is a time.Duration that reads and writes TOML strings like "20s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Trace: TraceConfig{
			TracefsPaths:    []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"},
			BufferSizeKB:    8192,
			Window:          Duration{20 * time.Second},
			EnableGPU:       true,
			EnableWriteback: true,
		},
		Blame: BlameConfig{
			DontBlame:         []string{"Xorg", "X", "dbus-daemon"},
			GraphicsServers:   []string{"Xorg", "X"},
			HelperPrefixes:    []string{"migration/", "kworker/", "kondemand/"},
			IgnoredWakeTimers: []string{"delayed_work_timer_fn", "hrtimer_wakeup", "it_real_fn"},
			UnblamedTimers:    []string{"delayed_work_timer_fn"},
			HousekeepingWork:  []string{"do_dbs_timer", "vmstat_update"},
			DeferredTimers:    []string{},
		},
		Registry: RegistryConfig{
			MapBackend:   "xsync",
			ResolveTGID:  true,
			UseCmdline:   true,
			ProcRoot:     "/proc",
			KallsymsPath: "/proc/kallsyms",
		},
		Power: PowerConfig{
			Enabled:      false,
			CPUIdleWatts: 2.0,
			CPUMaxWatts:  15.0,
			Gamma:        1.0,
			WakeupJoules: 0.0001,
			GPUOpJoules:  0.0005,
			DiskOpJoules: 0.001,
		},
		Report: ReportConfig{
			TopN:       10,
			MaxRows:    100,
			LogSummary: true,
		},
		Devices: DevicesConfig{
			DiskActivity: true,
			SysRoot:      "/sys",
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/wakeup_exporter.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network: "udp",
						Address: "localhost:514",
						Tag:     "wakeup_exporter",
						Marker:  "@cee:",
						Async:   true,
					},
				},
			},
			SampleInterval: Duration{time.Second},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# Wakeup Exporter Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	if c.Trace.ReplayFile == "" {
		if len(c.Trace.TracefsPaths) == 0 {
			return fmt.Errorf("trace.tracefs_paths cannot be empty when tracing live")
		}
		if c.Trace.Window.Duration < time.Second {
			return fmt.Errorf("trace.window must be at least 1s, got %s", c.Trace.Window)
		}
	}
	if c.Trace.BufferSizeKB < 0 {
		return fmt.Errorf("trace.buffer_size_kb cannot be negative")
	}

	switch c.Registry.MapBackend {
	case "xsync", "cornelk":
	default:
		return fmt.Errorf("registry.map_backend must be \"xsync\" or \"cornelk\", got %q", c.Registry.MapBackend)
	}

	if c.Power.Enabled {
		if c.Power.CPUMaxWatts < c.Power.CPUIdleWatts {
			return fmt.Errorf("power.cpu_max_watts (%g) must not be below power.cpu_idle_watts (%g)",
				c.Power.CPUMaxWatts, c.Power.CPUIdleWatts)
		}
		if c.Power.Gamma <= 0 {
			return fmt.Errorf("power.gamma must be positive")
		}
	}

	if c.Report.TopN <= 0 {
		return fmt.Errorf("report.top_n must be positive")
	}
	if c.Report.MaxRows < c.Report.TopN {
		return fmt.Errorf("report.max_rows (%d) must be at least report.top_n (%d)", c.Report.MaxRows, c.Report.TopN)
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	ReplayFile     string
	Window         time.Duration
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
// A nil config with a nil error means the program should exit cleanly.
func NewConfig() (*AppConfig, error) {
	flags := &Flags{}

	flag.StringVar(&flags.ListenAddress,
		"web.listen-address",
		"localhost:9190",
		"Address to listen on for web interface and telemetry.")
	flag.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	flag.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flag.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flag.StringVar(&flags.ReplayFile,
		"trace.file",
		"",
		"Replay a saved ftrace text file as one measurement window and exit.")
	flag.DurationVar(&flags.Window,
		"trace.window",
		20*time.Second,
		"Length of one live measurement window.")
	flag.Parse()

	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config := DefaultConfig()
	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	if isFlagPassed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if isFlagPassed("trace.file") {
		config.Trace.ReplayFile = flags.ReplayFile
	}
	if isFlagPassed("trace.window") {
		config.Trace.Window = Duration{flags.Window}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
