package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	HealthPort      int
	ShutdownTimeout time.Duration
	SubmitPath      string
	SubmitWait      time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func initializeCLI() (*CLIConfig, bool, error) {
	cfg := parseFlags()
	if err := validateFlags(cfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	return cfg, false, nil
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("BUGTRIAGE_CONFIG", ""),
		"Path to YAML configuration file, empty for defaults (env: BUGTRIAGE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("BUGTRIAGE_LOG_LEVEL", ""),
		"Log level override: debug, info, warn, error (env: BUGTRIAGE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("BUGTRIAGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: BUGTRIAGE_LOG_FORMAT)")

	flag.IntVar(&cfg.HealthPort, "health-port",
		getEnvInt("BUGTRIAGE_HEALTH_PORT", 8080),
		"Health check port, 0 to disable (env: BUGTRIAGE_HEALTH_PORT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("BUGTRIAGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: BUGTRIAGE_SHUTDOWN_TIMEOUT)")

	flag.StringVar(&cfg.SubmitPath, "submit", "",
		"Submit a single bug report from a JSON file, wait for the result, and exit")

	flag.DurationVar(&cfg.SubmitWait, "submit-wait", 2*time.Minute,
		"How long to wait for a submitted report to reach a terminal state")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.HealthPort < 0 || cfg.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", cfg.HealthPort)
	}

	if cfg.SubmitPath != "" {
		if _, err := os.Stat(cfg.SubmitPath); err != nil {
			return fmt.Errorf("bug report file not found: %s", cfg.SubmitPath)
		}
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Bug Report Triage Pipeline

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/etc/bugtriage/config.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Submit one bug report and wait for the issue
  %s --submit=report.json

  # Validate configuration only
  %s --config=/etc/bugtriage/config.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
