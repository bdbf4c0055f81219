package main

import (
	"fmt"
	"os"

	"wakeup_exporter/internal/config"
	"wakeup_exporter/internal/logger"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		// -generate-config
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	exporter, err := NewWakeupExporter(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create exporter: %v\n", err)
		os.Exit(1)
	}
	if err := exporter.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Exporter failed: %v\n", err)
		os.Exit(1)
	}
}
