package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// TestConfigData tests configuration defaults, TOML overrides and validation
func TestConfigData(t *testing.T) {
	tests := []struct {
		name       string
		config     *AppConfig
		configTOML string
		setupFunc  func(*AppConfig)
		expectErr  bool
		validate   func(*testing.T, *AppConfig)
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
			validate: func(t *testing.T, c *AppConfig) {
				if c.Server.ListenAddress != "localhost:9190" {
					t.Errorf("Expected ListenAddress 'localhost:9190', got %s", c.Server.ListenAddress)
				}
				if c.Trace.Window.Duration != 20*time.Second {
					t.Errorf("Expected 20s window, got %s", c.Trace.Window)
				}
				if !slices.Equal(c.Blame.DontBlame, []string{"Xorg", "X", "dbus-daemon"}) {
					t.Errorf("Unexpected dont_blame default: %v", c.Blame.DontBlame)
				}
				if len(c.Logging.Outputs) != 3 {
					t.Errorf("Expected 3 outputs, got %d", len(c.Logging.Outputs))
				}
			},
		},
		{
			name: "blame policy override",
			configTOML: `
[blame]
dont_blame = ["gnome-shell"]
housekeeping_work = ["vmstat_update", "lru_add_drain_per_cpu"]
`,
			validate: func(t *testing.T, c *AppConfig) {
				if !slices.Equal(c.Blame.DontBlame, []string{"gnome-shell"}) {
					t.Errorf("Expected dont_blame override, got %v", c.Blame.DontBlame)
				}
				if len(c.Blame.HousekeepingWork) != 2 {
					t.Errorf("Expected 2 housekeeping functions, got %d", len(c.Blame.HousekeepingWork))
				}
				// Untouched lists keep their defaults.
				if len(c.Blame.HelperPrefixes) != 3 {
					t.Errorf("Expected default helper prefixes, got %v", c.Blame.HelperPrefixes)
				}
			},
		},
		{
			name: "window duration parses",
			configTOML: `
[trace]
window = "5s"
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Trace.Window.Duration != 5*time.Second {
					t.Errorf("Expected 5s window, got %s", c.Trace.Window)
				}
			},
		},
		{
			name:   "invalid empty listen address",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Server.ListenAddress = ""
			},
			expectErr: true,
		},
		{
			name:   "invalid map backend",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Registry.MapBackend = "btree"
			},
			expectErr: true,
		},
		{
			name:   "invalid power coefficients",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Power.Enabled = true
				c.Power.CPUMaxWatts = 1
				c.Power.CPUIdleWatts = 5
			},
			expectErr: true,
		},
		{
			name:   "live window too short",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Trace.Window = Duration{100 * time.Millisecond}
			},
			expectErr: true,
		},
		{
			name:   "replay ignores window length",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Trace.ReplayFile = "trace.txt"
				c.Trace.Window = Duration{}
			},
		},
		{
			name:   "invalid no outputs enabled",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				for i := range c.Logging.Outputs {
					c.Logging.Outputs[i].Enabled = false
				}
			},
			expectErr: true,
		},
		{
			name:   "top n above max rows",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Report.TopN = 200
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg *AppConfig

			if tt.config != nil {
				cfg = tt.config
				if tt.setupFunc != nil {
					tt.setupFunc(cfg)
				}
			} else {
				path := filepath.Join(t.TempDir(), "test.toml")
				if err := os.WriteFile(path, []byte(tt.configTOML), 0644); err != nil {
					t.Fatalf("Failed to write config: %v", err)
				}
				var err error
				cfg, err = LoadConfig(path)
				if err != nil {
					t.Fatalf("Failed to load config: %v", err)
				}
			}

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected validation error but got none")
			} else if !tt.expectErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}

			if !tt.expectErr && tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

// TestLoadConfig tests loading configurations with fallbacks
func TestLoadConfig(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if cfg.Registry.MapBackend != "xsync" {
			t.Errorf("Expected default backend, got %s", cfg.Registry.MapBackend)
		}
	})

	t.Run("missing file reports error with defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		if err == nil {
			t.Fatal("Expected error for missing file")
		}
		if cfg == nil {
			t.Fatal("Expected defaults alongside the error")
		}
	})

	t.Run("invalid TOML returns error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		os.WriteFile(path, []byte("[server]\nlisten_address = \":8080\"\ninvalid_syntax [\n"), 0644)
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("Expected parse error")
		}
	})

	t.Run("invalid duration returns error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.toml")
		os.WriteFile(path, []byte("[trace]\nwindow = \"soon\"\n"), 0644)
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("Expected duration error")
		}
	})
}

// TestSaveConfig tests saving and generating configurations
func TestSaveConfig(t *testing.T) {
	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "subdir", "test.toml")

		original := DefaultConfig()
		original.Server.ListenAddress = ":9999"
		original.Trace.Window = Duration{7 * time.Second}
		original.Blame.DeferredTimers = []string{"clocksource_watchdog"}

		if err := SaveConfig(path, original); err != nil {
			t.Fatalf("Failed to save config: %v", err)
		}

		loaded, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("Failed to load saved config: %v", err)
		}
		if loaded.Server.ListenAddress != ":9999" {
			t.Errorf("Expected :9999, got %s", loaded.Server.ListenAddress)
		}
		if loaded.Trace.Window.Duration != 7*time.Second {
			t.Errorf("Expected 7s, got %s", loaded.Trace.Window)
		}
		if !slices.Equal(loaded.Blame.DeferredTimers, []string{"clocksource_watchdog"}) {
			t.Errorf("Deferred timers lost: %v", loaded.Blame.DeferredTimers)
		}
	})

	t.Run("generated example validates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "example.toml")
		if err := GenerateExampleConfig(path); err != nil {
			t.Fatalf("Failed to generate: %v", err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("Failed to load generated config: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Generated config does not validate: %v", err)
		}
	})
}
