package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultPollInterval       = time.Second
	defaultTickTimeout        = 2 * time.Second
	defaultHelperTimeout      = 2 * time.Second
	defaultHelperStartTimeout = 2 * time.Minute
	defaultFailureThreshold   = 3
	defaultResolverCooldown   = 30 * time.Second
	defaultOwnerCacheTTL      = 5 * time.Second
	defaultElevateCommand     = "pkexec"
	defaultProcRoot           = "/proc"
	defaultLogLevel           = "info"

	envPollInterval  = "TCPVIEW_POLL_INTERVAL"
	envTickTimeout   = "TCPVIEW_TICK_TIMEOUT"
	envHelperTimeout = "TCPVIEW_HELPER_TIMEOUT"
	envElevate       = "TCPVIEW_ELEVATE"
	envProcRoot      = "TCPVIEW_PROC_ROOT"
	envLogLevel      = "TCPVIEW_LOG_LEVEL"
	envLogFile       = "TCPVIEW_LOG_FILE"
)

// Config aggregates tunable intervals and paths for the tracker and helper.
type Config struct {
	PollInterval       time.Duration
	TickTimeout        time.Duration
	HelperTimeout      time.Duration
	HelperStartTimeout time.Duration
	FailureThreshold   int
	ResolverCooldown   time.Duration
	OwnerCacheTTL      time.Duration
	// ElevateCommand is prepended to the helper command line. Empty runs the helper directly.
	ElevateCommand  string
	DeniedExitCodes []int
	CaptureOnStart  bool
	ProcRoot        string
	LogLevel        string
	LogFile         string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PollInterval:       defaultPollInterval,
		TickTimeout:        defaultTickTimeout,
		HelperTimeout:      defaultHelperTimeout,
		HelperStartTimeout: defaultHelperStartTimeout,
		FailureThreshold:   defaultFailureThreshold,
		ResolverCooldown:   defaultResolverCooldown,
		OwnerCacheTTL:      defaultOwnerCacheTTL,
		ElevateCommand:     defaultElevateCommand,
		DeniedExitCodes:    []int{126, 127},
		ProcRoot:           defaultProcRoot,
		LogLevel:           defaultLogLevel,
	}
}

// Load builds a Config from an optional JSON or YAML file plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envPollInterval, &cfg.PollInterval},
		{envTickTimeout, &cfg.TickTimeout},
		{envHelperTimeout, &cfg.HelperTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			*d.dst = dur
		} else {
			logrus.Warnf("invalid %s value %q: must be a positive duration", d.env, v)
		}
	}

	if v, ok := os.LookupEnv(envElevate); ok {
		cfg.ElevateCommand = strings.TrimSpace(v)
	}
	if v := os.Getenv(envProcRoot); v != "" {
		cfg.ProcRoot = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envLogFile); v != "" {
		cfg.LogFile = v
	}
}

type fileConfig struct {
	PollInterval       string  `json:"poll_interval" yaml:"poll_interval"`
	TickTimeout        string  `json:"tick_timeout" yaml:"tick_timeout"`
	HelperTimeout      string  `json:"helper_timeout" yaml:"helper_timeout"`
	HelperStartTimeout string  `json:"helper_start_timeout" yaml:"helper_start_timeout"`
	FailureThreshold   int     `json:"failure_threshold" yaml:"failure_threshold"`
	ResolverCooldown   string  `json:"resolver_cooldown" yaml:"resolver_cooldown"`
	OwnerCacheTTL      string  `json:"owner_cache_ttl" yaml:"owner_cache_ttl"`
	ElevateCommand     *string `json:"elevate_command" yaml:"elevate_command"`
	DeniedExitCodes    []int   `json:"denied_exit_codes" yaml:"denied_exit_codes"`
	CaptureOnStart     bool    `json:"capture_on_start" yaml:"capture_on_start"`
	ProcRoot           string  `json:"proc_root" yaml:"proc_root"`
	LogLevel           string  `json:"log_level" yaml:"log_level"`
	LogFile            string  `json:"log_file" yaml:"log_file"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return err
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"tick_timeout", raw.TickTimeout, &cfg.TickTimeout},
		{"helper_timeout", raw.HelperTimeout, &cfg.HelperTimeout},
		{"helper_start_timeout", raw.HelperStartTimeout, &cfg.HelperStartTimeout},
		{"resolver_cooldown", raw.ResolverCooldown, &cfg.ResolverCooldown},
		{"owner_cache_ttl", raw.OwnerCacheTTL, &cfg.OwnerCacheTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		if dur <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
		*d.dst = dur
	}

	if raw.FailureThreshold < 0 {
		return errors.New("failure_threshold must be >= 0")
	}
	if raw.FailureThreshold > 0 {
		cfg.FailureThreshold = raw.FailureThreshold
	}
	if raw.ElevateCommand != nil {
		cfg.ElevateCommand = strings.TrimSpace(*raw.ElevateCommand)
	}
	if len(raw.DeniedExitCodes) > 0 {
		cfg.DeniedExitCodes = append([]int(nil), raw.DeniedExitCodes...)
	}
	cfg.CaptureOnStart = raw.CaptureOnStart
	if raw.ProcRoot != "" {
		cfg.ProcRoot = raw.ProcRoot
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if raw.LogFile != "" {
		cfg.LogFile = raw.LogFile
	}
	return nil
}
