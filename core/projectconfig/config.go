package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/sign"
	"github.com/davidahmann/attend/core/timeline"
)

const DefaultPath = ".attend/config.yaml"

const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

const (
	DefaultHeartbeatSeconds   = 30
	DefaultListen             = "127.0.0.1:8790"
	DefaultRateLimitPerMinute = 120
	DefaultProviderTimeout    = "2s"
	DefaultMaxRequestBytes    = 1 << 20
	DefaultLedgerPath         = ".attend/ledger.db"
	DefaultRedisPrefix        = "attend:ledger"
	defaultMinActivePercent   = 80
	defaultMaxIdlePercent     = 20
	defaultMinCoveragePercent = 80
)

type Config struct {
	Policy   PolicyDefaults     `yaml:"policy"`
	Timeline TimelineDefaults   `yaml:"timeline"`
	Meetings []timeline.Meeting `yaml:"meetings"`
	Ledger   LedgerDefaults     `yaml:"ledger"`
	Signing  SigningDefaults    `yaml:"signing"`
	Server   ServerDefaults     `yaml:"server"`
	Log      LogDefaults        `yaml:"log"`
}

type PolicyDefaults struct {
	MinActivePercent   *float64 `yaml:"min_active_percent"`
	MaxIdlePercent     *float64 `yaml:"max_idle_percent"`
	MinCoveragePercent *float64 `yaml:"min_coverage_percent"`
	RequireAttestation bool     `yaml:"require_attestation"`
}

type TimelineDefaults struct {
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	JournalPath      string `yaml:"journal_path"`
}

type LedgerDefaults struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type SigningDefaults struct {
	KeyMode          string `yaml:"key_mode"`
	PrivateKey       string `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv    string `yaml:"private_key_env"`
	PublicKey        string `yaml:"public_key"`
	PublicKeyEnv     string `yaml:"public_key_env"`
	SharedSecretPath string `yaml:"shared_secret_path"`
	SharedSecretEnv  string `yaml:"shared_secret_env"`
	ProviderTimeout  string `yaml:"provider_timeout"`
}

type ServerDefaults struct {
	Listen             string `yaml:"listen"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	MaxRequestBytes    int64  `yaml:"max_request_bytes"`
}

type LogDefaults struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var configuration Config
	configuration.normalize()
	return configuration
}

func (configuration *Config) normalize() {
	configuration.Timeline.JournalPath = strings.TrimSpace(configuration.Timeline.JournalPath)
	if configuration.Timeline.HeartbeatSeconds <= 0 {
		configuration.Timeline.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	for index := range configuration.Meetings {
		configuration.Meetings[index].MeetingID = strings.TrimSpace(configuration.Meetings[index].MeetingID)
	}

	configuration.Ledger.Backend = strings.ToLower(strings.TrimSpace(configuration.Ledger.Backend))
	if configuration.Ledger.Backend == "" {
		configuration.Ledger.Backend = BackendMemory
	}
	configuration.Ledger.Path = strings.TrimSpace(configuration.Ledger.Path)
	if configuration.Ledger.Path == "" && (configuration.Ledger.Backend == BackendSQLite || configuration.Ledger.Backend == BackendJSONL) {
		configuration.Ledger.Path = DefaultLedgerPath
		if configuration.Ledger.Backend == BackendJSONL {
			configuration.Ledger.Path = ".attend/ledger.jsonl"
		}
	}
	configuration.Ledger.RedisAddr = strings.TrimSpace(configuration.Ledger.RedisAddr)
	configuration.Ledger.RedisPrefix = strings.TrimSpace(configuration.Ledger.RedisPrefix)
	if configuration.Ledger.RedisPrefix == "" {
		configuration.Ledger.RedisPrefix = DefaultRedisPrefix
	}

	configuration.Signing.KeyMode = strings.ToLower(strings.TrimSpace(configuration.Signing.KeyMode))
	configuration.Signing.PrivateKey = strings.TrimSpace(configuration.Signing.PrivateKey)
	configuration.Signing.PrivateKeyEnv = strings.TrimSpace(configuration.Signing.PrivateKeyEnv)
	configuration.Signing.PublicKey = strings.TrimSpace(configuration.Signing.PublicKey)
	configuration.Signing.PublicKeyEnv = strings.TrimSpace(configuration.Signing.PublicKeyEnv)
	configuration.Signing.SharedSecretPath = strings.TrimSpace(configuration.Signing.SharedSecretPath)
	configuration.Signing.SharedSecretEnv = strings.TrimSpace(configuration.Signing.SharedSecretEnv)
	configuration.Signing.ProviderTimeout = strings.TrimSpace(configuration.Signing.ProviderTimeout)
	if configuration.Signing.ProviderTimeout == "" {
		configuration.Signing.ProviderTimeout = DefaultProviderTimeout
	}

	configuration.Server.Listen = strings.TrimSpace(configuration.Server.Listen)
	if configuration.Server.Listen == "" {
		configuration.Server.Listen = DefaultListen
	}
	if configuration.Server.RateLimitPerMinute <= 0 {
		configuration.Server.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if configuration.Server.MaxRequestBytes <= 0 {
		configuration.Server.MaxRequestBytes = DefaultMaxRequestBytes
	}

	configuration.Log.Level = strings.ToLower(strings.TrimSpace(configuration.Log.Level))
	configuration.Log.Output = strings.ToLower(strings.TrimSpace(configuration.Log.Output))
}

func (configuration Config) Validate() error {
	switch configuration.Ledger.Backend {
	case BackendMemory, BackendJSONL, BackendSQLite:
	case BackendRedis:
		if configuration.Ledger.RedisAddr == "" {
			return fmt.Errorf("ledger.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported ledger.backend %q", configuration.Ledger.Backend)
	}
	switch configuration.Signing.KeyMode {
	case "", "dev", "prod":
	default:
		return fmt.Errorf("unsupported signing.key_mode %q", configuration.Signing.KeyMode)
	}
	if _, err := configuration.ProviderTimeout(); err != nil {
		return err
	}
	for _, meeting := range configuration.Meetings {
		if meeting.MeetingID == "" {
			return fmt.Errorf("meetings entries require meeting_id")
		}
		if meeting.ScheduledDurationMinutes < 0 {
			return fmt.Errorf("meeting %s: scheduled_duration_minutes must be >= 0", meeting.MeetingID)
		}
	}
	for name, value := range map[string]*float64{
		"policy.min_active_percent":   configuration.Policy.MinActivePercent,
		"policy.max_idle_percent":     configuration.Policy.MaxIdlePercent,
		"policy.min_coverage_percent": configuration.Policy.MinCoveragePercent,
	} {
		if value != nil && (*value < 0 || *value > 100) {
			return fmt.Errorf("%s must be between 0 and 100", name)
		}
	}
	return nil
}

// AttendancePolicy resolves the configured thresholds over the defaults.
func (configuration Config) AttendancePolicy() schema.Policy {
	policy := schema.Policy{
		MinActivePercent:   defaultMinActivePercent,
		MaxIdlePercent:     defaultMaxIdlePercent,
		MinCoveragePercent: defaultMinCoveragePercent,
		RequireAttestation: configuration.Policy.RequireAttestation,
	}
	if configuration.Policy.MinActivePercent != nil {
		policy.MinActivePercent = *configuration.Policy.MinActivePercent
	}
	if configuration.Policy.MaxIdlePercent != nil {
		policy.MaxIdlePercent = *configuration.Policy.MaxIdlePercent
	}
	if configuration.Policy.MinCoveragePercent != nil {
		policy.MinCoveragePercent = *configuration.Policy.MinCoveragePercent
	}
	return policy
}

func (configuration Config) HeartbeatPeriod() time.Duration {
	return time.Duration(configuration.Timeline.HeartbeatSeconds) * time.Second
}

func (configuration Config) ProviderTimeout() (time.Duration, error) {
	timeout, err := time.ParseDuration(configuration.Signing.ProviderTimeout)
	if err != nil || timeout <= 0 {
		return 0, fmt.Errorf("signing.provider_timeout must be a positive duration, got %q", configuration.Signing.ProviderTimeout)
	}
	return timeout, nil
}

func (configuration Config) KeyConfig() sign.KeyConfig {
	return sign.KeyConfig{
		Mode:           sign.KeyMode(configuration.Signing.KeyMode),
		PrivateKeyPath: configuration.Signing.PrivateKey,
		PublicKeyPath:  configuration.Signing.PublicKey,
		PrivateKeyEnv:  configuration.Signing.PrivateKeyEnv,
		PublicKeyEnv:   configuration.Signing.PublicKeyEnv,
		SecretPath:     configuration.Signing.SharedSecretPath,
		SecretEnv:      configuration.Signing.SharedSecretEnv,
	}
}
