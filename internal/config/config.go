// Package config provides configuration management for the SMTP server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25.
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission on port 587.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
	// ModeAlt is an alternative mode for custom configurations.
	ModeAlt ListenerMode = "alt"
)

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows smtpd, pop3d, and msgstore to share a single config file.
type FileConfig struct {
	Server    ServerConfig    `toml:"server"`
	Smtpd     Config          `toml:"smtpd"`
	SpamCheck SpamCheckConfig `toml:"spamcheck"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname string         `toml:"hostname"`
	Delivery DeliveryConfig `toml:"delivery"`
	TLS      TLSConfig      `toml:"tls"`
}

// Config holds the complete SMTP server configuration.
type Config struct {
	Hostname    string           `toml:"hostname"`
	LogLevel    string           `toml:"log_level"`
	DomainsPath string           `toml:"domains_path"`
	Listeners   []ListenerConfig `toml:"listeners"`
	TLS         TLSConfig        `toml:"tls"`
	Limits      LimitsConfig     `toml:"limits"`
	ThreadPool  ThreadPoolConfig `toml:"thread_pool"`
	Timeouts    TimeoutsConfig   `toml:"timeouts"`
	Metrics     MetricsConfig    `toml:"metrics"`
	Delivery    DeliveryConfig   `toml:"delivery"`
	Encryption  EncryptionConfig `toml:"encryption"`
	SpamCheck   SpamCheckConfig  `toml:"spamcheck"`
	Mailstore   MailstoreConfig  `toml:"mailstore"`
	Relay       RelayConfig      `toml:"relay"`
}

// MailstoreConfig holds configuration for the MailStore backing the
// sign_up/login/insert_mail/retrieve_mail operations (spec §4.2). The
// connection string is passed through to the driver unparsed, per §6.
type MailstoreConfig struct {
	// DataSourceName is the opaque connection string handed to lib/pq.
	DataSourceName string `toml:"data_source_name"`
	// Host scopes users and mail to one virtual mail host; defaults to
	// the top-level Hostname when empty.
	Host string `toml:"host"`
	// PoolSize bounds the connection pool (default 10, per §4.2).
	PoolSize int `toml:"pool_size"`
	// AcquireTimeout bounds how long a lease acquisition waits (default 20s).
	AcquireTimeout string `toml:"acquire_timeout"`
	// WriteBehind enables the batched insert path (§4.2).
	WriteBehind bool `toml:"write_behind"`
	// QueueSize bounds the write-behind queue (default 100).
	QueueSize int `toml:"queue_size"`
	// DrainInterval is the write-behind drain period (default 2s).
	DrainInterval string `toml:"drain_interval"`
}

// IsEnabled reports whether a mailstore connection has been configured.
func (c *MailstoreConfig) IsEnabled() bool {
	return c.DataSourceName != ""
}

// AcquireTimeoutDuration returns the parsed acquire timeout, defaulting to 20s.
func (c *MailstoreConfig) AcquireTimeoutDuration() time.Duration {
	if c.AcquireTimeout == "" {
		return 20 * time.Second
	}
	d, err := time.ParseDuration(c.AcquireTimeout)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// DrainIntervalDuration returns the parsed write-behind drain interval, defaulting to 2s.
func (c *MailstoreConfig) DrainIntervalDuration() time.Duration {
	if c.DrainInterval == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(c.DrainInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// RelayConfig holds configuration for the MXRelay outbound delivery path (spec §4.3).
type RelayConfig struct {
	// Enabled turns on relaying to foreign-domain recipients. When
	// false, RCPT TO still accepts non-local recipients and the message
	// is rejected with 550 at the end of DATA.
	Enabled bool `toml:"enabled"`
	// SMTPPort is the port MX hosts are contacted on (default 25).
	SMTPPort int `toml:"smtp_port"`
	// DNSTimeout bounds a single MX lookup (default 5s).
	DNSTimeout string `toml:"dns_timeout"`
	// ConnectTimeout bounds a single MX connection attempt (default 5s).
	ConnectTimeout string `toml:"connect_timeout"`
}

// DNSTimeoutDuration returns the parsed DNS timeout, defaulting to 5s.
func (c *RelayConfig) DNSTimeoutDuration() time.Duration {
	if c.DNSTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.DNSTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ConnectTimeoutDuration returns the parsed connect timeout, defaulting to 5s.
func (c *RelayConfig) ConnectTimeoutDuration() time.Duration {
	if c.ConnectTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// EncryptionConfig holds configuration for message encryption.
// When enabled, messages are encrypted for recipients that have keys configured.
type EncryptionConfig struct {
	// Enabled indicates whether message encryption is enabled.
	Enabled bool `toml:"enabled"`

	// KeyBackendType is the type of key provider (e.g., "passwd").
	KeyBackendType string `toml:"key_backend_type"`

	// KeyBackend is the path or connection string for key storage.
	// For passwd: path to key directory (e.g., "/etc/mail/keys")
	KeyBackend string `toml:"key_backend"`

	// CredentialBackend is the path for credential storage (needed by some key providers).
	// For passwd: path to passwd file (e.g., "/etc/mail/passwd")
	CredentialBackend string `toml:"credential_backend"`

	// Options contains implementation-specific settings.
	Options map[string]string `toml:"options"`
}

// IsEnabled returns true if encryption is enabled.
func (c *EncryptionConfig) IsEnabled() bool {
	return c.Enabled && c.KeyBackendType != ""
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// ThreadPoolConfig bounds the number of connections the server will
// service concurrently.
type ThreadPoolConfig struct {
	// MaxWorkingThreads caps concurrent connection handlers. Zero or
	// negative means "use runtime.GOMAXPROCS(0)".
	MaxWorkingThreads int `toml:"max_working_threads"`
}

// Resolved returns the effective worker cap, applying the
// min(configured, hardware_parallelism) default from the GOMAXPROCS
// value supplied by the caller.
func (c *ThreadPoolConfig) Resolved(hardwareParallelism int) int {
	if c.MaxWorkingThreads <= 0 {
		return hardwareParallelism
	}
	if hardwareParallelism > 0 && c.MaxWorkingThreads > hardwareParallelism {
		return hardwareParallelism
	}
	return c.MaxWorkingThreads
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// DeliveryConfig holds configuration for message delivery.
// Uses the msgstore registry pattern for pluggable storage backends.
type DeliveryConfig struct {
	Type     string            `toml:"type"`      // Storage backend type (e.g., "maildir")
	BasePath string            `toml:"base_path"` // Base path for storage
	Options  map[string]string `toml:"options"`   // Backend-specific options
}

// SpamCheckFailMode defines the behavior when spam checkers are unavailable or error.
type SpamCheckFailMode string

const (
	// SpamCheckFailOpen accepts the message when checkers are unavailable.
	SpamCheckFailOpen SpamCheckFailMode = "open"
	// SpamCheckFailTempFail returns a temporary failure (4xx) when checkers are unavailable.
	SpamCheckFailTempFail SpamCheckFailMode = "tempfail"
	// SpamCheckFailReject returns a permanent failure (5xx) when checkers are unavailable.
	SpamCheckFailReject SpamCheckFailMode = "reject"
)

// SpamCheckConfig holds configuration for spam filtering.
type SpamCheckConfig struct {
	// Enabled indicates whether spam checking is enabled.
	Enabled bool `toml:"enabled"`

	// Checkers is the list of spam checkers to use.
	Checkers []SpamCheckerConfig `toml:"checkers"`

	// Mode determines how multiple checker results are aggregated.
	// "first_reject" - reject if any checker says reject (default)
	// "all_reject" - reject only if all checkers say reject
	// "highest_score" - use the result with the highest score
	Mode string `toml:"mode"`

	// FailMode determines behavior when checkers are unavailable.
	FailMode SpamCheckFailMode `toml:"fail_mode"`

	// RejectThreshold is the score at or above which messages are rejected (5xx).
	RejectThreshold float64 `toml:"reject_threshold"`

	// TempFailThreshold is the score at or above which messages get temp failure (4xx).
	TempFailThreshold float64 `toml:"tempfail_threshold"`

	// AddHeaders indicates whether to add spam headers to messages.
	AddHeaders bool `toml:"add_headers"`
}

// SpamCheckerConfig holds configuration for a single spam checker.
type SpamCheckerConfig struct {
	// Type is the checker type: "rspamd", "spamassassin", etc.
	Type string `toml:"type"`

	// Enabled indicates whether this checker is enabled (default true).
	Enabled *bool `toml:"enabled"`

	// URL is the endpoint for HTTP-based checkers.
	URL string `toml:"url"`

	// Password is the optional password/secret for the checker.
	Password string `toml:"password"`

	// Timeout is the request timeout (e.g., "10s").
	Timeout string `toml:"timeout"`

	// Options contains checker-specific options.
	Options map[string]string `toml:"options"`
}

// IsEnabled returns true if spam checking is enabled and has at least one checker.
func (c *SpamCheckConfig) IsEnabled() bool {
	if !c.Enabled {
		return false
	}
	for _, checker := range c.Checkers {
		if checker.IsEnabled() {
			return true
		}
	}
	return false
}

// GetFailMode returns the fail mode, defaulting to tempfail if not set.
func (c *SpamCheckConfig) GetFailMode() SpamCheckFailMode {
	switch c.FailMode {
	case SpamCheckFailOpen, SpamCheckFailTempFail, SpamCheckFailReject:
		return c.FailMode
	default:
		return SpamCheckFailTempFail
	}
}

// IsEnabled returns true if this checker is enabled.
func (c *SpamCheckerConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true // default to enabled
	}
	return *c.Enabled
}

// GetTimeout returns the timeout as a time.Duration.
func (c *SpamCheckerConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		ThreadPool: ThreadPoolConfig{
			MaxWorkingThreads: 0, // defaults to hardware parallelism
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	if c.ThreadPool.MaxWorkingThreads < 0 {
		return errors.New("thread_pool.max_working_threads must not be negative")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	// Validate encryption config
	if c.Encryption.Enabled {
		if c.Encryption.KeyBackendType == "" {
			return errors.New("encryption.key_backend_type is required when encryption is enabled")
		}
		if c.Encryption.KeyBackend == "" {
			return errors.New("encryption.key_backend is required when encryption is enabled")
		}
	}

	// Validate spamcheck config
	if c.SpamCheck.Enabled {
		for i, checker := range c.SpamCheck.Checkers {
			if checker.Type == "" {
				return fmt.Errorf("spamcheck.checkers[%d].type is required", i)
			}
			if checker.Timeout != "" {
				if _, err := time.ParseDuration(checker.Timeout); err != nil {
					return fmt.Errorf("invalid spamcheck.checkers[%d].timeout: %w", i, err)
				}
			}
			// Validate checker-specific requirements
			switch checker.Type {
			case "rspamd":
				if checker.URL == "" {
					return fmt.Errorf("spamcheck.checkers[%d].url is required for rspamd", i)
				}
			case "spamassassin":
				if checker.URL == "" {
					return fmt.Errorf("spamcheck.checkers[%d].url is required for spamassassin", i)
				}
			}
		}
		switch c.SpamCheck.FailMode {
		case "", SpamCheckFailOpen, SpamCheckFailTempFail, SpamCheckFailReject:
			// valid
		default:
			return fmt.Errorf("invalid spamcheck.fail_mode %q (valid: open, tempfail, reject)", c.SpamCheck.FailMode)
		}
	}

	if c.Mailstore.IsEnabled() {
		if c.Mailstore.PoolSize < 0 {
			return errors.New("mailstore.pool_size must not be negative")
		}
		if c.Mailstore.AcquireTimeout != "" {
			if _, err := time.ParseDuration(c.Mailstore.AcquireTimeout); err != nil {
				return fmt.Errorf("invalid mailstore.acquire_timeout: %w", err)
			}
		}
		if c.Mailstore.DrainInterval != "" {
			if _, err := time.ParseDuration(c.Mailstore.DrainInterval); err != nil {
				return fmt.Errorf("invalid mailstore.drain_interval: %w", err)
			}
		}
	}

	if c.Relay.Enabled {
		if c.Relay.DNSTimeout != "" {
			if _, err := time.ParseDuration(c.Relay.DNSTimeout); err != nil {
				return fmt.Errorf("invalid relay.dns_timeout: %w", err)
			}
		}
		if c.Relay.ConnectTimeout != "" {
			if _, err := time.ParseDuration(c.Relay.ConnectTimeout); err != nil {
				return fmt.Errorf("invalid relay.connect_timeout: %w", err)
			}
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// CommandTimeout returns the command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	if c.Command == "" {
		return 1 * time.Minute
	}
	d, err := time.ParseDuration(c.Command)
	if err != nil {
		return 1 * time.Minute
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSubmission, ModeSmtps, ModeAlt:
		return true
	default:
		return false
	}
}
