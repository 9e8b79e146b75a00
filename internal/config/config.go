// Package config resolves daemon settings from flags, environment variables
// and defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dockhealth/internal/logging"
	"dockhealth/internal/registry"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure returned from Load.
var ErrInvalid = errors.New("invalid configuration")

const (
	KeyDockerPath     = "docker-path"
	KeyLabel          = "label"
	KeyPingInterval   = "ping-interval"
	KeyPingRetries    = "ping-retries"
	KeyPingRetryDelay = "ping-retry-delay"
	KeyPingTimeout    = "ping-timeout"
	KeyFetchInterval  = "fetch-interval"
	KeyFetchTimeout   = "fetch-timeout"
	KeyEventTimeout   = "event-timeout"
	KeyLogLevel       = "log-level"
	KeyLogFormat      = "log-format"
	KeyMetricsAddr    = "metrics-addr"
	KeyTrace          = "trace"
)

// Config holds the validated daemon settings.
type Config struct {
	DockerPath string
	Label      string

	PingInterval   time.Duration
	PingRetries    int
	PingRetryDelay time.Duration
	PingTimeout    time.Duration
	FetchInterval  time.Duration
	FetchTimeout   time.Duration
	EventTimeout   time.Duration

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	// Trace logs finished spans at debug level.
	Trace bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DockerPath:     "/var/run/docker.sock",
		Label:          registry.DefaultLabel,
		PingInterval:   60 * time.Second,
		PingRetries:    5,
		PingRetryDelay: 2 * time.Second,
		PingTimeout:    50 * time.Second,
		FetchInterval:  600 * time.Second,
		FetchTimeout:   300 * time.Second,
		EventTimeout:   60 * time.Second,
		LogLevel:       logging.LevelInfo,
		LogFormat:      logging.FormatText,
	}
}

// NewViper returns a viper instance that reads every key from the
// environment (KEY_NAME for key-name) and falls back to Default.
func NewViper() *viper.Viper {
	d := Default()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyLabel, "HEALTHCHECKS_LABEL")

	v.SetDefault(KeyDockerPath, d.DockerPath)
	v.SetDefault(KeyLabel, d.Label)
	v.SetDefault(KeyPingInterval, d.PingInterval.String())
	v.SetDefault(KeyPingRetries, strconv.Itoa(d.PingRetries))
	v.SetDefault(KeyPingRetryDelay, d.PingRetryDelay.String())
	v.SetDefault(KeyPingTimeout, d.PingTimeout.String())
	v.SetDefault(KeyFetchInterval, d.FetchInterval.String())
	v.SetDefault(KeyFetchTimeout, d.FetchTimeout.String())
	v.SetDefault(KeyEventTimeout, d.EventTimeout.String())
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyTrace, strconv.FormatBool(d.Trace))
	return v
}

// BindFlags registers one flag per key on fs and binds it to v. A flag only
// overrides the environment when it is set explicitly.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	d := Default()

	fs.String(KeyDockerPath, d.DockerPath, "Path of the Docker daemon socket")
	fs.String(KeyLabel, d.Label, "Container label holding the ping endpoint")
	fs.String(KeyPingInterval, d.PingInterval.String(), "Interval between ping sweeps")
	fs.String(KeyPingRetries, strconv.Itoa(d.PingRetries), "Retries for a failed ping")
	fs.String(KeyPingRetryDelay, d.PingRetryDelay.String(), "Delay between ping attempts")
	fs.String(KeyPingTimeout, d.PingTimeout.String(), "Timeout for one ping sweep")
	fs.String(KeyFetchInterval, d.FetchInterval.String(), "Interval between full container refreshes")
	fs.String(KeyFetchTimeout, d.FetchTimeout.String(), "Timeout for one full container refresh")
	fs.String(KeyEventTimeout, d.EventTimeout.String(), "Timeout for handling one Docker event")
	fs.String(KeyLogLevel, d.LogLevel, "Log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, d.LogFormat, "Log format (text, json)")
	fs.String(KeyMetricsAddr, d.MetricsAddr, "Listen address for Prometheus metrics (empty disables)")
	fs.Bool(KeyTrace, d.Trace, "Log finished trace spans at debug level")

	for _, key := range []string{
		KeyDockerPath, KeyLabel, KeyPingInterval, KeyPingRetries, KeyPingRetryDelay,
		KeyPingTimeout, KeyFetchInterval, KeyFetchTimeout, KeyEventTimeout,
		KeyLogLevel, KeyLogFormat, KeyMetricsAddr, KeyTrace,
	} {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("bind flag %q: %w", key, err)
		}
	}
	return nil
}

// Load resolves and validates the configuration held by v. All problems are
// reported at once; each wraps ErrInvalid.
func Load(v *viper.Viper) (Config, error) {
	var errs []error
	duration := func(key string) time.Duration {
		d, err := ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
			return 0
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, key, d))
		}
		return d
	}

	cfg := Config{
		DockerPath:     strings.TrimSpace(v.GetString(KeyDockerPath)),
		Label:          strings.TrimSpace(v.GetString(KeyLabel)),
		PingInterval:   duration(KeyPingInterval),
		PingRetryDelay: duration(KeyPingRetryDelay),
		PingTimeout:    duration(KeyPingTimeout),
		FetchInterval:  duration(KeyFetchInterval),
		FetchTimeout:   duration(KeyFetchTimeout),
		EventTimeout:   duration(KeyEventTimeout),
		LogLevel:       strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:      strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		MetricsAddr:    strings.TrimSpace(v.GetString(KeyMetricsAddr)),
	}

	retries, err := strconv.Atoi(strings.TrimSpace(v.GetString(KeyPingRetries)))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyPingRetries, err))
	case retries < 0:
		errs = append(errs, fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalid, KeyPingRetries, retries))
	}
	cfg.PingRetries = retries

	trace, err := strconv.ParseBool(strings.TrimSpace(v.GetString(KeyTrace)))
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyTrace, err))
	}
	cfg.Trace = trace

	if cfg.DockerPath == "" {
		errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalid, KeyDockerPath))
	}
	if cfg.Label == "" {
		errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalid, KeyLabel))
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyLogLevel, err))
	}
	switch cfg.LogFormat {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("%w: %s: unknown format %q", ErrInvalid, KeyLogFormat, cfg.LogFormat))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// maxSeconds is the largest bare number of seconds a time.Duration holds.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// ParseDuration accepts a Go duration string ("90s", "5m") or a bare
// non-negative integer number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", s)
		}
		if n > maxSeconds {
			return 0, fmt.Errorf("duration %q exceeds %d seconds", s, maxSeconds)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}
