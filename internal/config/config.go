// Package config handles deskd configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/deskd/config.yaml, /etc/deskd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deskd", "config.yaml"))
	}

	paths = append(paths, "/etc/deskd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all deskd configuration. Interval and timeout fields are
// plain integers with the unit in the field name; components convert them
// to time.Duration once at wiring time. Everything is read once at
// startup; there is no hot reload.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"`
	DataDir     string            `yaml:"data_dir"`
	Unit        UnitConfig        `yaml:"unit"`
	Link        LinkConfig        `yaml:"link"`
	Session     SessionConfig     `yaml:"session"`
	Backoff     BackoffConfig     `yaml:"backoff"`
	Queue       QueueConfig       `yaml:"queue"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Health      HealthConfig      `yaml:"health"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Topics      TopicsConfig      `yaml:"topics"`
	Presence    PresenceConfig    `yaml:"presence"`
	Scan        ScanConfig        `yaml:"scan"`
	Journal     JournalConfig     `yaml:"journal"`
	Diag        DiagConfig        `yaml:"diag"`
}

// UnitConfig identifies this appliance and tunes its control loop.
type UnitConfig struct {
	// ID is the stable unit identifier used in topic paths. Empty means
	// a generated UUID persisted under DataDir is used instead.
	ID string `yaml:"id"`
	// Name is a human-readable label included in status payloads.
	Name string `yaml:"name"`
	// TickIntervalMS is the control loop period (default 50).
	TickIntervalMS int `yaml:"tick_interval_ms"`
	// HeartbeatIntervalSec is the heartbeat publish period (default 300).
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
}

// LinkConfig defines the wide-area link driver and its retry tuning.
type LinkConfig struct {
	// Driver selects the link implementation: "probe" (TCP dial probe)
	// or "networkmanager" (NetworkManager over D-Bus).
	Driver string `yaml:"driver"`
	// ProbeAddress is the host:port dialed by the probe driver.
	ProbeAddress string `yaml:"probe_address"`
	// NMInterface is the NetworkManager device name (e.g. wlan0).
	NMInterface string `yaml:"nm_interface"`

	AttemptTimeoutSec int `yaml:"attempt_timeout_sec"`
	RetryIntervalSec  int `yaml:"retry_interval_sec"`
	MaxRetries        int `yaml:"max_retries"`
}

// SessionConfig defines the MQTT broker connection.
type SessionConfig struct {
	// Broker is the broker URL: tcp://host:port or ssl://host:port.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID is the MQTT client identifier. Empty means
	// "deskd-<unit_id>".
	ClientID string `yaml:"client_id"`

	KeepAliveSec      int `yaml:"keepalive_sec"`
	AttemptTimeoutSec int `yaml:"attempt_timeout_sec"`
	RetryIntervalSec  int `yaml:"retry_interval_sec"`
	MaxRetries        int `yaml:"max_retries"`
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`
	// MaxPayload bounds outbound payload size in bytes (default 512).
	MaxPayload int `yaml:"max_payload"`
}

// BackoffConfig tunes reconnect backoff shared by both state machines.
type BackoffConfig struct {
	MaxIntervalSec    int `yaml:"max_interval_sec"`
	FailedCooldownSec int `yaml:"failed_cooldown_sec"`
}

// QueueConfig tunes the offline message queue.
type QueueConfig struct {
	Capacity     int `yaml:"capacity"`
	MaxRetries   int `yaml:"max_retries"`
	DrainPerTick int `yaml:"drain_per_tick"`
}

// WatchdogConfig tunes the software watchdog.
type WatchdogConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// HealthConfig tunes the periodic connectivity health check.
type HealthConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	// URL is an optional generate_204-style endpoint fetched during the
	// health check to verify end-to-end reachability. Empty disables the
	// HTTP probe; driver status is still verified.
	URL string `yaml:"url"`
}

// DiagnosticsConfig tunes the periodic diagnostics report.
type DiagnosticsConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// TopicsConfig defines the topic namespace.
type TopicsConfig struct {
	// Prefix is the leading topic segment; unit topics are
	// <prefix>/<unit_id>/{status,messages,responses,heartbeat,diagnostics}.
	Prefix string `yaml:"prefix"`
}

// PresenceConfig defines the tracked beacon and detection thresholds.
type PresenceConfig struct {
	// BeaconAddress is the target beacon MAC (AA:BB:CC:DD:EE:FF).
	// Empty disables presence detection entirely.
	BeaconAddress string `yaml:"beacon_address"`
	// MinRSSI is the weakest signal accepted as a real detection (dBm).
	MinRSSI           int `yaml:"min_rssi"`
	ConfirmDetections int `yaml:"confirm_detections"`
	DepartureMisses   int `yaml:"departure_misses"`
	GracePeriodSec    int `yaml:"grace_period_sec"`
	GraceMaxAttempts  int `yaml:"grace_max_attempts"`
}

// Configured reports whether presence detection is enabled.
func (c PresenceConfig) Configured() bool {
	return c.BeaconAddress != ""
}

// ScanConfig tunes the adaptive scan scheduler and the BLE adapter.
type ScanConfig struct {
	Adapter string `yaml:"adapter"`

	SearchingIntervalSec  int `yaml:"searching_interval_sec"`
	SearchingDurationSec  int `yaml:"searching_duration_sec"`
	MonitoringIntervalSec int `yaml:"monitoring_interval_sec"`
	MonitoringDurationSec int `yaml:"monitoring_duration_sec"`
	VerifyIntervalSec     int `yaml:"verify_interval_sec"`
	VerifyWindowSec       int `yaml:"verify_window_sec"`
	GraceIntervalSec      int `yaml:"grace_interval_sec"`
	ReportIntervalSec     int `yaml:"report_interval_sec"`
}

// JournalConfig enables the SQLite event journal.
type JournalConfig struct {
	Enabled  bool `yaml:"enabled"`
	KeepDays int  `yaml:"keep_days"`
}

// DiagConfig enables the local diagnostics HTTP server.
type DiagConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// broker or beacon configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields with production defaults. The
// retry/timeout numbers are deliberately asymmetric: the link layer is
// slower to give up than the session layer because session reconnects
// are cheap once the link is up.
func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/deskd"
	}

	if c.Unit.Name == "" {
		c.Unit.Name = "desk"
	}
	if c.Unit.TickIntervalMS <= 0 {
		c.Unit.TickIntervalMS = 50
	}
	if c.Unit.HeartbeatIntervalSec <= 0 {
		c.Unit.HeartbeatIntervalSec = 300
	}

	if c.Link.Driver == "" {
		c.Link.Driver = "probe"
	}
	if c.Link.ProbeAddress == "" {
		c.Link.ProbeAddress = "1.1.1.1:53"
	}
	if c.Link.NMInterface == "" {
		c.Link.NMInterface = "wlan0"
	}
	if c.Link.AttemptTimeoutSec <= 0 {
		c.Link.AttemptTimeoutSec = 30
	}
	if c.Link.RetryIntervalSec <= 0 {
		c.Link.RetryIntervalSec = 10
	}
	if c.Link.MaxRetries <= 0 {
		c.Link.MaxRetries = 5
	}

	if c.Session.KeepAliveSec <= 0 {
		c.Session.KeepAliveSec = 60
	}
	if c.Session.AttemptTimeoutSec <= 0 {
		c.Session.AttemptTimeoutSec = 15
	}
	if c.Session.RetryIntervalSec <= 0 {
		c.Session.RetryIntervalSec = 8
	}
	if c.Session.MaxRetries <= 0 {
		c.Session.MaxRetries = 3
	}
	if c.Session.PublishTimeoutSec <= 0 {
		c.Session.PublishTimeoutSec = 3
	}
	if c.Session.MaxPayload <= 0 {
		c.Session.MaxPayload = 512
	}

	if c.Backoff.MaxIntervalSec <= 0 {
		c.Backoff.MaxIntervalSec = 60
	}
	if c.Backoff.FailedCooldownSec <= 0 {
		c.Backoff.FailedCooldownSec = 300
	}

	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 10
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.DrainPerTick <= 0 {
		c.Queue.DrainPerTick = 3
	}

	if c.Watchdog.TimeoutSec <= 0 {
		c.Watchdog.TimeoutSec = 30
	}
	if c.Health.IntervalSec <= 0 {
		c.Health.IntervalSec = 30
	}
	if c.Diagnostics.IntervalSec <= 0 {
		c.Diagnostics.IntervalSec = 30
	}

	if c.Topics.Prefix == "" {
		c.Topics.Prefix = "desk"
	}

	if c.Presence.MinRSSI == 0 {
		c.Presence.MinRSSI = -80
	}
	if c.Presence.ConfirmDetections <= 0 {
		c.Presence.ConfirmDetections = 2
	}
	if c.Presence.DepartureMisses <= 0 {
		c.Presence.DepartureMisses = 3
	}
	if c.Presence.GracePeriodSec <= 0 {
		c.Presence.GracePeriodSec = 60
	}
	if c.Presence.GraceMaxAttempts <= 0 {
		c.Presence.GraceMaxAttempts = 12
	}

	if c.Scan.Adapter == "" {
		c.Scan.Adapter = "hci0"
	}
	if c.Scan.SearchingIntervalSec <= 0 {
		c.Scan.SearchingIntervalSec = 2
	}
	if c.Scan.SearchingDurationSec <= 0 {
		c.Scan.SearchingDurationSec = 3
	}
	if c.Scan.MonitoringIntervalSec <= 0 {
		c.Scan.MonitoringIntervalSec = 8
	}
	if c.Scan.MonitoringDurationSec <= 0 {
		c.Scan.MonitoringDurationSec = 1
	}
	if c.Scan.VerifyIntervalSec <= 0 {
		c.Scan.VerifyIntervalSec = 1
	}
	if c.Scan.VerifyWindowSec <= 0 {
		c.Scan.VerifyWindowSec = 6
	}
	if c.Scan.GraceIntervalSec <= 0 {
		c.Scan.GraceIntervalSec = 5
	}
	if c.Scan.ReportIntervalSec <= 0 {
		c.Scan.ReportIntervalSec = 60
	}

	if c.Journal.KeepDays <= 0 {
		c.Journal.KeepDays = 14
	}

	if c.Diag.Address == "" {
		c.Diag.Address = "127.0.0.1"
	}
	if c.Diag.Port <= 0 {
		c.Diag.Port = 8787
	}
}

// beaconMACPattern matches colon-separated MAC addresses (AA:BB:CC:DD:EE:FF).
var beaconMACPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Validate checks the configuration for values that would make the
// daemon misbehave in confusing ways. Call after applyDefaults.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	switch c.Link.Driver {
	case "probe", "networkmanager":
	default:
		return fmt.Errorf("unknown link.driver %q (valid: probe, networkmanager)", c.Link.Driver)
	}

	if c.Session.Broker == "" {
		return fmt.Errorf("session.broker is required")
	}
	u, err := url.Parse(c.Session.Broker)
	if err != nil {
		return fmt.Errorf("parse session.broker: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts":
	default:
		return fmt.Errorf("session.broker scheme %q not supported (use tcp:// or ssl://)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("session.broker %q has no host", c.Session.Broker)
	}

	if c.Presence.Configured() && !beaconMACPattern.MatchString(c.Presence.BeaconAddress) {
		return fmt.Errorf("presence.beacon_address %q is not a MAC address", c.Presence.BeaconAddress)
	}
	if c.Presence.MinRSSI > 0 {
		return fmt.Errorf("presence.min_rssi %d must be negative dBm", c.Presence.MinRSSI)
	}

	if c.Topics.Prefix == "" || strings.ContainsAny(c.Topics.Prefix, "+#") {
		return fmt.Errorf("topics.prefix %q must be non-empty and wildcard-free", c.Topics.Prefix)
	}

	if c.Diag.Enabled && (c.Diag.Port < 1 || c.Diag.Port > 65535) {
		return fmt.Errorf("diag.port %d out of range", c.Diag.Port)
	}

	return nil
}

// BrokerEndpoint splits the broker URL into a dialable host:port and a
// TLS flag. Port defaults to 1883 (plain) or 8883 (TLS) when omitted.
func (c SessionConfig) BrokerEndpoint() (addr string, useTLS bool, err error) {
	u, err := url.Parse(c.Broker)
	if err != nil {
		return "", false, fmt.Errorf("parse broker URL: %w", err)
	}
	useTLS = u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts"

	host := u.Host
	if u.Port() == "" {
		port := "1883"
		if useTLS {
			port = "8883"
		}
		host = u.Hostname() + ":" + port
	}
	return host, useTLS, nil
}
