package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for swapd.
type Config struct {
	Environment string           `yaml:"environment" toml:"environment"`
	Ledger      LedgerConfig     `yaml:"ledger" toml:"ledger"`
	Native      NativeConfig     `yaml:"native" toml:"native"`
	Signer      SignerConfig     `yaml:"signer" toml:"signer"`
	Secrets     SecretsConfig    `yaml:"secrets" toml:"secrets"`
	Storage     StorageConfig    `yaml:"storage" toml:"storage"`
	Registry    RegistryConfig   `yaml:"registry" toml:"registry"`
	Settlement  SettlementConfig `yaml:"settlement" toml:"settlement"`
	Server      ServerConfig     `yaml:"server" toml:"server"`
	Oracle      OracleConfig     `yaml:"oracle" toml:"oracle"`
	Sources     []Source         `yaml:"sources" toml:"sources"`
	Pairs       []Pair           `yaml:"pairs" toml:"pairs"`
	Recon       ReconConfig      `yaml:"recon" toml:"recon"`
	Logging     LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// LedgerConfig points at the ledger JSON-RPC endpoint. memory:// selects the
// in-process ledger.
type LedgerConfig struct {
	URL     string   `yaml:"url" toml:"url"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// NativeConfig names the native asset registered at boot.
type NativeConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
}

// SignerConfig selects where the service signing key lives. Only secret
// names are configured; key material never appears in the file.
type SignerConfig struct {
	Mode       string    `yaml:"mode" toml:"mode"`
	KeySecret  string    `yaml:"key_secret" toml:"key_secret"`
	Keystore   string    `yaml:"keystore_secret" toml:"keystore_secret"`
	Passphrase string    `yaml:"passphrase_secret" toml:"passphrase_secret"`
	HSM        HSMConfig `yaml:"hsm" toml:"hsm"`
	Journal    string    `yaml:"journal" toml:"journal"`
}

// HSMConfig configures the mTLS signing proxy.
type HSMConfig struct {
	BaseURL    string   `yaml:"base_url" toml:"base_url"`
	KeyLabel   string   `yaml:"key_label" toml:"key_label"`
	CACert     string   `yaml:"ca_cert" toml:"ca_cert"`
	ClientCert string   `yaml:"client_cert" toml:"client_cert"`
	ClientKey  string   `yaml:"client_key" toml:"client_key"`
	Address    string   `yaml:"address" toml:"address"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
}

// SecretsConfig selects the secret backend.
type SecretsConfig struct {
	Backend   string `yaml:"backend" toml:"backend"`
	BasePath  string `yaml:"base_path" toml:"base_path"`
	EnvPrefix string `yaml:"env_prefix" toml:"env_prefix"`
}

// StorageConfig locates the settlement store. A DSN starting with
// postgres:// selects PostgreSQL; Path is a SQLite file.
type StorageConfig struct {
	DSN   string      `yaml:"dsn" toml:"dsn"`
	Path  string      `yaml:"path" toml:"path"`
	Retry RetryConfig `yaml:"retry" toml:"retry"`
}

// RetryConfig bounds store retries.
type RetryConfig struct {
	Attempts        uint64   `yaml:"attempts" toml:"attempts"`
	InitialInterval Duration `yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval" toml:"max_interval"`
}

// RegistryConfig tunes asset issuance.
type RegistryConfig struct {
	DefaultDecimals uint8    `yaml:"default_decimals" toml:"default_decimals"`
	InitialSupply   string   `yaml:"initial_supply" toml:"initial_supply"`
	ClaimTTL        Duration `yaml:"claim_ttl" toml:"claim_ttl"`
	IssueTimeout    Duration `yaml:"issue_timeout" toml:"issue_timeout"`
}

// SettlementConfig bounds submission retries and confirmation waits.
type SettlementConfig struct {
	MaxAttempts    uint64   `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	// ResumeLease is how long an instance holds a settlement while it
	// submits legs.
	ResumeLease Duration `yaml:"resume_lease" toml:"resume_lease"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen         string          `yaml:"listen" toml:"listen"`
	RequestTimeout Duration        `yaml:"request_timeout" toml:"request_timeout"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes" toml:"max_body_bytes"`
	TLS            TLSConfig       `yaml:"tls" toml:"tls"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// TLSConfig locates the listener certificate.
type TLSConfig struct {
	Disabled bool   `yaml:"disabled" toml:"disabled"`
	CertFile string `yaml:"cert" toml:"cert"`
	KeyFile  string `yaml:"key" toml:"key"`
	ClientCA string `yaml:"client_ca" toml:"client_ca"`
}

// AuthConfig names the secrets behind requester and operator auth.
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
	AdminSecret    string   `yaml:"admin_token_secret" toml:"admin_token_secret"`
	AdminAllowMTLS bool     `yaml:"admin_allow_mtls" toml:"admin_allow_mtls"`
}

// RateLimitConfig is a per-requester token bucket.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	MaxAge   Duration `yaml:"max_age" toml:"max_age"`
	MinFeeds int      `yaml:"min_feeds" toml:"min_feeds"`
}

// Source describes an upstream oracle feed. APIKey names a secret.
type Source struct {
	Name     string            `yaml:"name" toml:"name"`
	Type     string            `yaml:"type" toml:"type"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	APIKey   string            `yaml:"api_key_secret" toml:"api_key_secret"`
	Assets   map[string]string `yaml:"assets" toml:"assets"`
}

// Pair identifies a base/quote pair the oracle aggregates.
type Pair struct {
	Base  string `yaml:"base" toml:"base"`
	Quote string `yaml:"quote" toml:"quote"`
}

// ReconConfig configures the background reconciler.
type ReconConfig struct {
	Disabled  bool     `yaml:"disabled" toml:"disabled"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	MinAge    Duration `yaml:"min_age" toml:"min_age"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir"`
	BatchSize int      `yaml:"batch_size" toml:"batch_size"`
	DryRun    bool     `yaml:"dry_run" toml:"dry_run"`
}

// LoggingConfig configures the slog handler and optional file sink.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig configures OTLP export. Empty endpoint falls back to the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	// SampleRatio keeps this share of new traces; 0 or 1 keeps all.
	SampleRatio    float64  `yaml:"sample_ratio" toml:"sample_ratio"`
	MetricInterval Duration `yaml:"metric_interval" toml:"metric_interval"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = os.Getenv("SWAPD_ENV")
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Ledger.URL == "" {
		cfg.Ledger.URL = "memory://"
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 15 * time.Second
	}
	if cfg.Native.Name == "" {
		cfg.Native.Name = "DEVSOL"
	}
	if cfg.Native.Decimals == 0 {
		cfg.Native.Decimals = 9
	}
	if cfg.Signer.Mode == "" {
		cfg.Signer.Mode = "local"
	}
	if cfg.Signer.Journal == "" {
		cfg.Signer.Journal = "/var/data/swapd-journal"
	}
	if cfg.Secrets.Backend == "" {
		cfg.Secrets.Backend = "env"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/data/swapd.sqlite"
	}
	if cfg.Storage.Retry.Attempts == 0 {
		cfg.Storage.Retry.Attempts = 4
	}
	if cfg.Storage.Retry.InitialInterval.Duration == 0 {
		cfg.Storage.Retry.InitialInterval.Duration = 50 * time.Millisecond
	}
	if cfg.Storage.Retry.MaxInterval.Duration == 0 {
		cfg.Storage.Retry.MaxInterval.Duration = time.Second
	}
	if cfg.Registry.DefaultDecimals == 0 {
		cfg.Registry.DefaultDecimals = 9
	}
	if cfg.Registry.InitialSupply == "" {
		cfg.Registry.InitialSupply = "0"
	}
	if cfg.Registry.ClaimTTL.Duration == 0 {
		cfg.Registry.ClaimTTL.Duration = 2 * time.Minute
	}
	if cfg.Registry.IssueTimeout.Duration == 0 {
		cfg.Registry.IssueTimeout.Duration = time.Minute
	}
	if cfg.Settlement.MaxAttempts == 0 {
		cfg.Settlement.MaxAttempts = 5
	}
	if cfg.Settlement.ConfirmTimeout.Duration == 0 {
		cfg.Settlement.ConfirmTimeout.Duration = 30 * time.Second
	}
	if cfg.Settlement.ResumeLease.Duration == 0 {
		cfg.Settlement.ResumeLease.Duration = 5 * time.Minute
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":7074"
	}
	if cfg.Server.RequestTimeout.Duration == 0 {
		cfg.Server.RequestTimeout.Duration = 60 * time.Second
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 5 * time.Minute
	}
	if cfg.Recon.MinAge.Duration == 0 {
		cfg.Recon.MinAge.Duration = 5 * time.Minute
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "/var/data/swapd-recon"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg Config) error {
	switch cfg.Signer.Mode {
	case "local":
		if strings.TrimSpace(cfg.Signer.KeySecret) == "" && strings.TrimSpace(cfg.Signer.Keystore) == "" {
			return fmt.Errorf("signer: key_secret or keystore_secret must be configured")
		}
		if cfg.Signer.Keystore != "" && cfg.Signer.Passphrase == "" {
			return fmt.Errorf("signer: keystore_secret requires passphrase_secret")
		}
	case "hsm":
		if cfg.Signer.HSM.BaseURL == "" || cfg.Signer.HSM.KeyLabel == "" {
			return fmt.Errorf("signer: hsm mode requires base_url and key_label")
		}
	default:
		return fmt.Errorf("signer: unsupported mode %q", cfg.Signer.Mode)
	}
	supply, err := decimal.NewFromString(cfg.Registry.InitialSupply)
	if err != nil {
		return fmt.Errorf("registry: initial_supply: %w", err)
	}
	if supply.IsNegative() {
		return fmt.Errorf("registry: initial_supply must not be negative")
	}
	if cfg.Settlement.ResumeLease.Duration <= 2*cfg.Settlement.ConfirmTimeout.Duration {
		return fmt.Errorf("settlement: resume_lease must exceed twice confirm_timeout")
	}
	if !cfg.Server.TLS.Disabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server: tls cert and key are required unless tls.disabled is set")
	}
	if cfg.Server.Auth.AdminAllowMTLS && cfg.Server.TLS.ClientCA == "" {
		return fmt.Errorf("server: admin_allow_mtls requires tls.client_ca")
	}
	if cfg.Server.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("server: rate_limit.requests_per_minute must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	if len(cfg.Sources) > 0 && len(cfg.Pairs) == 0 {
		return fmt.Errorf("at least one pair must be configured when oracle sources are set")
	}
	for _, src := range cfg.Sources {
		if src.Name == "" || src.Type == "" {
			return fmt.Errorf("oracle sources need a name and type")
		}
	}
	return nil
}

// InitialSupply returns the configured initial supply. Load has validated it.
func (c Config) InitialSupply() decimal.Decimal {
	supply, err := decimal.NewFromString(c.Registry.InitialSupply)
	if err != nil {
		return decimal.Zero
	}
	return supply
}
