package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
)

// Backend names accepted in APP_BACKENDS.
const (
	BackendNVIDIA = "nvidia"
	BackendTPU    = "tpu"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	DefaultDevice    string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	ProcRoot         string
	Backends         []string
	DeviceMask       accel.Mask
	WS               WebsocketConfig
	Proc             ProcConfig
	NVML             NVMLConfig
	TPU              TPUConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ProcConfig contains settings for the process resolver.
type ProcConfig struct {
	Enable       bool
	ScanInterval time.Duration
	MaxPIDs      int
	MaxFDsPerPID int
}

// NVMLConfig controls how the NVIDIA management library is located.
type NVMLConfig struct {
	Libraries []string
}

// TPUConfig tunes the TPU subprocess poller.
type TPUConfig struct {
	Python         string
	DeviceGlob     string
	PollInterval   time.Duration
	SleepSlice     time.Duration
	CommandTimeout time.Duration
	// Protocol is "tolerant" or "strict".
	Protocol  string
	FullReset bool
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		SampleInterval:   2 * time.Second,
		AllowedOrigins:   []string{"*"},
		DefaultDevice:    "auto",
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		ProcRoot:         "/proc",
		Backends:         []string{BackendNVIDIA, BackendTPU},
		DeviceMask:       accel.AllDevices,
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Proc: ProcConfig{
			Enable:       true,
			ScanInterval: 2 * time.Second,
			MaxPIDs:      5000,
			MaxFDsPerPID: 64,
		},
		NVML: NVMLConfig{
			Libraries: []string{"libnvidia-ml.so", "libnvidia-ml.so.1"},
		},
		TPU: TPUConfig{
			Python:         "python3",
			DeviceGlob:     "/dev/accel*",
			PollInterval:   time.Second,
			SleepSlice:     10 * time.Millisecond,
			CommandTimeout: 30 * time.Second,
			Protocol:       "tolerant",
		},
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_SAMPLE_INTERVAL")); value != "" {
		duration, err := parsePositiveDuration("APP_SAMPLE_INTERVAL", value)
		if err != nil {
			return Config{}, err
		}
		cfg.SampleInterval = duration
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEFAULT_DEVICE")); value != "" {
		cfg.DefaultDevice = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_BACKENDS")); value != "" {
		backends, err := parseBackends(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_BACKENDS: %w", err)
		}
		cfg.Backends = backends
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEVICE_MASK")); value != "" {
		mask, err := accel.ParseMask(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_DEVICE_MASK: %w", err)
		}
		cfg.DeviceMask = mask
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := parsePositiveDuration("APP_WS_WRITE_TIMEOUT", value)
		if err != nil {
			return Config{}, err
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_READ_TIMEOUT")); value != "" {
		timeout, err := parsePositiveDuration("APP_WS_READ_TIMEOUT", value)
		if err != nil {
			return Config{}, err
		}
		cfg.WS.ReadTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_ENABLE")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROC_ENABLE: %w", err)
		}
		cfg.Proc.Enable = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_SCAN_INTERVAL")); value != "" {
		dur, err := parsePositiveDuration("APP_PROC_SCAN_INTERVAL", value)
		if err != nil {
			return Config{}, err
		}
		cfg.Proc.ScanInterval = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_MAX_PIDS")); value != "" {
		maxPIDs, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROC_MAX_PIDS: %w", err)
		}
		if maxPIDs <= 0 {
			return Config{}, fmt.Errorf("APP_PROC_MAX_PIDS must be > 0")
		}
		cfg.Proc.MaxPIDs = maxPIDs
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_MAX_FDS_PER_PID")); value != "" {
		maxFDs, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROC_MAX_FDS_PER_PID: %w", err)
		}
		if maxFDs <= 0 {
			return Config{}, fmt.Errorf("APP_PROC_MAX_FDS_PER_PID must be > 0")
		}
		cfg.Proc.MaxFDsPerPID = maxFDs
	}

	if value := strings.TrimSpace(os.Getenv("APP_NVML_LIBRARIES")); value != "" {
		libs := splitAndTrim(value, ",")
		if len(libs) == 0 {
			return Config{}, fmt.Errorf("APP_NVML_LIBRARIES must not be empty")
		}
		cfg.NVML.Libraries = libs
	}

	if value := strings.TrimSpace(os.Getenv("APP_TPU_PYTHON")); value != "" {
		cfg.TPU.Python = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_TPU_DEVICE_GLOB")); value != "" {
		cfg.TPU.DeviceGlob = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_TPU_POLL_INTERVAL")); value != "" {
		dur, err := parsePositiveDuration("APP_TPU_POLL_INTERVAL", value)
		if err != nil {
			return Config{}, err
		}
		cfg.TPU.PollInterval = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_TPU_SLEEP_SLICE")); value != "" {
		dur, err := parsePositiveDuration("APP_TPU_SLEEP_SLICE", value)
		if err != nil {
			return Config{}, err
		}
		cfg.TPU.SleepSlice = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_TPU_COMMAND_TIMEOUT")); value != "" {
		dur, err := parsePositiveDuration("APP_TPU_COMMAND_TIMEOUT", value)
		if err != nil {
			return Config{}, err
		}
		cfg.TPU.CommandTimeout = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_TPU_PROTOCOL")); value != "" {
		protocol := strings.ToLower(value)
		if protocol != "tolerant" && protocol != "strict" {
			return Config{}, fmt.Errorf("APP_TPU_PROTOCOL must be tolerant or strict, got %q", value)
		}
		cfg.TPU.Protocol = protocol
	}

	if value := strings.TrimSpace(os.Getenv("APP_TPU_FULL_RESET")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_TPU_FULL_RESET: %w", err)
		}
		cfg.TPU.FullReset = enabled
	}

	if cfg.TPU.SleepSlice > cfg.TPU.PollInterval {
		return Config{}, fmt.Errorf("APP_TPU_SLEEP_SLICE must not exceed APP_TPU_POLL_INTERVAL")
	}

	return cfg, nil
}

// BackendEnabled reports whether name is listed in Backends.
func (c Config) BackendEnabled(name string) bool {
	return slices.Contains(c.Backends, name)
}

func parsePositiveDuration(name, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return duration, nil
}

func parseBackends(value string) ([]string, error) {
	var out []string
	for _, name := range splitAndTrim(value, ",") {
		name = strings.ToLower(name)
		switch name {
		case BackendNVIDIA, BackendTPU:
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	return out, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
