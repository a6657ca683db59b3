// ABOUTME: Tunables loaded from YAML, environment and defaults via viper
// ABOUTME: Covers playback timing, flow control, transport and ambient settings
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "sendspin"
	configType = "yaml"
	envPrefix  = "SENDSPIN"
)

// Config keys
const (
	KeyServer      = "server"
	KeyName        = "name"
	KeyAuthToken   = "auth_token"
	KeyBackend     = "backend"
	KeyDevice      = "device"
	KeyLogLevel    = "log.level"
	KeyLogFile     = "log.file"
	KeyMetricsAddr = "metrics.addr"
	KeySettings    = "settings_file"

	KeyQueueCapacity  = "playback.queue_capacity"
	KeyTargetLatency  = "playback.target_latency"
	KeyDriftTolerance = "playback.drift_tolerance"
	KeyResyncLimit    = "playback.resync_limit"
	KeyOverflow       = "playback.overflow"
	KeyBlockTimeout   = "playback.block_timeout"
	KeyGainRamp       = "playback.gain_ramp"
	KeyHardwareVolume = "playback.hardware_volume"

	KeyHighWatermark   = "session.high_watermark"
	KeyLowWatermark    = "session.low_watermark"
	KeyViolationBudget = "session.violation_budget"

	KeyHandshakeTimeout  = "connection.handshake_timeout"
	KeyKeepaliveInterval = "connection.keepalive_interval"
	KeyKeepaliveMisses   = "connection.keepalive_misses"
	KeyBackoffInitial    = "connection.backoff_initial"
	KeyBackoffMax        = "connection.backoff_max"
	KeyStabilityWindow   = "connection.stability_window"
	KeyTimeSyncInterval  = "connection.time_sync_interval"

	KeyEventRate    = "events.rate"
	KeyPollInterval = "devices.poll_interval"
)

var defaults = map[string]interface{}{
	KeyServer:      "",
	KeyName:        "",
	KeyAuthToken:   "",
	KeyBackend:     "malgo",
	KeyDevice:      "",
	KeyLogLevel:    "info",
	KeyLogFile:     "",
	KeyMetricsAddr: "",
	KeySettings:    "",

	KeyQueueCapacity:  1024,
	KeyTargetLatency:  200 * time.Millisecond,
	KeyDriftTolerance: 5 * time.Millisecond,
	KeyResyncLimit:    100 * time.Millisecond,
	KeyOverflow:       "block",
	KeyBlockTimeout:   50 * time.Millisecond,
	KeyGainRamp:       20 * time.Millisecond,
	KeyHardwareVolume: true,

	KeyHighWatermark:   2 * time.Second,
	KeyLowWatermark:    500 * time.Millisecond,
	KeyViolationBudget: 3,

	KeyHandshakeTimeout:  5 * time.Second,
	KeyKeepaliveInterval: 5 * time.Second,
	KeyKeepaliveMisses:   3,
	KeyBackoffInitial:    time.Second,
	KeyBackoffMax:        30 * time.Second,
	KeyStabilityWindow:   30 * time.Second,
	KeyTimeSyncInterval:  5 * time.Second,

	KeyEventRate:    4,
	KeyPollInterval: 2 * time.Second,
}

// Config is the resolved set of tunables
type Config struct {
	Server      string
	Name        string
	AuthToken   string
	Backend     string
	Device      string
	LogLevel    string
	LogFile     string
	MetricsAddr string
	Settings    string

	Playback   Playback
	Session    Session
	Connection Connection

	EventRate    int
	PollInterval time.Duration
}

// Playback configures the engine
type Playback struct {
	QueueCapacity  int
	TargetLatency  time.Duration
	DriftTolerance time.Duration
	ResyncLimit    time.Duration
	Overflow       string
	BlockTimeout   time.Duration
	GainRamp       time.Duration
	HardwareVolume bool
}

// Session configures flow control and the violation budget
type Session struct {
	HighWatermark   time.Duration
	LowWatermark    time.Duration
	ViolationBudget int
}

// Connection configures the transport and reconnection policy
type Connection struct {
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	StabilityWindow   time.Duration
	TimeSyncInterval  time.Duration
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Default returns the built-in configuration
func Default() Config {
	return fromViper(newViper())
}

// Load reads path, or sendspin.yaml from the working directory and the
// user config directory when path is empty. A missing implicit file is
// not an error.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if dir, err := userConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Server:      v.GetString(KeyServer),
		Name:        v.GetString(KeyName),
		AuthToken:   v.GetString(KeyAuthToken),
		Backend:     v.GetString(KeyBackend),
		Device:      v.GetString(KeyDevice),
		LogLevel:    v.GetString(KeyLogLevel),
		LogFile:     v.GetString(KeyLogFile),
		MetricsAddr: v.GetString(KeyMetricsAddr),
		Settings:    v.GetString(KeySettings),
		Playback: Playback{
			QueueCapacity:  v.GetInt(KeyQueueCapacity),
			TargetLatency:  v.GetDuration(KeyTargetLatency),
			DriftTolerance: v.GetDuration(KeyDriftTolerance),
			ResyncLimit:    v.GetDuration(KeyResyncLimit),
			Overflow:       v.GetString(KeyOverflow),
			BlockTimeout:   v.GetDuration(KeyBlockTimeout),
			GainRamp:       v.GetDuration(KeyGainRamp),
			HardwareVolume: v.GetBool(KeyHardwareVolume),
		},
		Session: Session{
			HighWatermark:   v.GetDuration(KeyHighWatermark),
			LowWatermark:    v.GetDuration(KeyLowWatermark),
			ViolationBudget: v.GetInt(KeyViolationBudget),
		},
		Connection: Connection{
			HandshakeTimeout:  v.GetDuration(KeyHandshakeTimeout),
			KeepaliveInterval: v.GetDuration(KeyKeepaliveInterval),
			KeepaliveMisses:   v.GetInt(KeyKeepaliveMisses),
			BackoffInitial:    v.GetDuration(KeyBackoffInitial),
			BackoffMax:        v.GetDuration(KeyBackoffMax),
			StabilityWindow:   v.GetDuration(KeyStabilityWindow),
			TimeSyncInterval:  v.GetDuration(KeyTimeSyncInterval),
		},
		EventRate:    v.GetInt(KeyEventRate),
		PollInterval: v.GetDuration(KeyPollInterval),
	}
}

// Validate rejects settings the components cannot run with
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case "malgo", "oto", "null":
	default:
		errs = append(errs, fmt.Errorf("backend %q: want malgo, oto or null", c.Backend))
	}
	switch c.Playback.Overflow {
	case "block", "drop":
	default:
		errs = append(errs, fmt.Errorf("playback.overflow %q: want block or drop", c.Playback.Overflow))
	}
	if c.Playback.QueueCapacity < 2 {
		errs = append(errs, errors.New("playback.queue_capacity must be at least 2"))
	}
	if c.Playback.TargetLatency <= 0 {
		errs = append(errs, errors.New("playback.target_latency must be positive"))
	}
	if c.Playback.DriftTolerance <= 0 || c.Playback.ResyncLimit <= c.Playback.DriftTolerance {
		errs = append(errs, errors.New("playback.resync_limit must exceed a positive drift_tolerance"))
	}
	if c.Session.LowWatermark <= 0 || c.Session.HighWatermark <= c.Session.LowWatermark {
		errs = append(errs, errors.New("session.high_watermark must exceed a positive low_watermark"))
	}
	if c.Session.ViolationBudget < 0 {
		errs = append(errs, errors.New("session.violation_budget must not be negative"))
	}
	if c.Connection.HandshakeTimeout <= 0 || c.Connection.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("connection timeouts must be positive"))
	}
	if c.Connection.KeepaliveMisses < 1 {
		errs = append(errs, errors.New("connection.keepalive_misses must be at least 1"))
	}
	if c.Connection.BackoffInitial <= 0 || c.Connection.BackoffMax < c.Connection.BackoffInitial {
		errs = append(errs, errors.New("connection.backoff_max must be at least a positive backoff_initial"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
