// Package config loads daemon defaults from the environment, via
// godotenv, before cmd/iguanaird's flag.Parse overrides them -
// following the godotenv.Load()-then-flag.StringVar idiom in
// _examples/guiperry-HASHER/pipeline/1_DATA_MINER/internal/app/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every daemon setting spec.md section 6's CLI flags can
// set, seeded here from the environment so a deployment can configure
// the daemon without a wrapper script.
type Config struct {
	Foreground     bool
	ReceiveTimeout time.Duration
	SendTimeout    time.Duration
	AutoUnbind     bool
	IgnoreEPipe    bool
	DeviceFilter   string
	PidFile        string
	Drivers        []string
	OnlyPreferred  bool
	DriverDir      string
	AutoRescan     bool
	ScanTimer      time.Duration
	EnableIDs      bool
	LogLevel       string
	LogFile        string

	SocketRoot string
}

// Defaults returns the daemon's built-in defaults, mirroring the
// original's 1000ms/1000ms timeouts and the daemon control directory
// convention used throughout spec.md section 4.9.
func Defaults() Config {
	return Config{
		ReceiveTimeout: time.Second,
		SendTimeout:    time.Second,
		IgnoreEPipe:    true,
		PidFile:        "/var/run/iguanaIR.pid",
		AutoRescan:     true,
		ScanTimer:      30 * time.Second,
		EnableIDs:      true,
		LogLevel:       "INFO",
		SocketRoot:     "/var/run/iguanaIR",
	}
}

// LoadDaemonEnv loads a .env file from the working directory into the
// process environment, if one exists. A missing .env file is not an
// error: most deployments configure the daemon entirely via flags.
func LoadDaemonEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "config: .env: %v\n", err)
	}
}

// ApplyEnv overlays environment variables onto cfg, for every setting a
// deployment would otherwise need a flag to reach. Flags parsed after
// ApplyEnv still take precedence, since cmd/iguanaird registers them
// with cfg's current values as their defaults.
func ApplyEnv(cfg *Config) {
	LoadDaemonEnv()

	if v := os.Getenv("IGUANA_SOCKET_ROOT"); v != "" {
		cfg.SocketRoot = v
	}
	if v := os.Getenv("IGUANA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IGUANA_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("IGUANA_PID_FILE"); v != "" {
		cfg.PidFile = v
	}
	if v := os.Getenv("IGUANA_DEVICES"); v != "" {
		cfg.DeviceFilter = v
	}
	if v := os.Getenv("IGUANA_DRIVERS"); v != "" {
		cfg.Drivers = strings.Split(v, ",")
	}
	if v := os.Getenv("IGUANA_DRIVER_DIR"); v != "" {
		cfg.DriverDir = v
	}
	if v := os.Getenv("IGUANA_RECEIVE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ReceiveTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("IGUANA_SEND_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.SendTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("IGUANA_SCAN_TIMER_SECONDS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.ScanTimer = time.Duration(s) * time.Second
		}
	}
}

// Validate rejects configurations that would leave the daemon unable
// to serve clients, per spec.md section 5's invariant that timeouts
// and the scan timer must be positive when rescanning is enabled.
func (c Config) Validate() error {
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("config: receive timeout must be positive, got %s", c.ReceiveTimeout)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("config: send timeout must be positive, got %s", c.SendTimeout)
	}
	if c.AutoRescan && c.ScanTimer <= 0 {
		return fmt.Errorf("config: scan timer must be positive when auto-rescan is enabled, got %s", c.ScanTimer)
	}
	if c.SocketRoot == "" {
		return fmt.Errorf("config: socket root must not be empty")
	}
	return nil
}
