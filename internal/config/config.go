// Package config loads the pubsubctl configuration from a YAML file and PUBSUB_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AntonStoeckl/pubsub-docstore-go/internal/observability"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

// EnvPrefix prefixes every environment override, e.g. PUBSUB_POSTGRES_URL for postgres.url.
const EnvPrefix = "PUBSUB"

// ErrInvalidConfig is returned when the loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Postgres PostgresConfig              `mapstructure:"postgres"`
	Topics   []TopicConfig               `mapstructure:"topics"`
	Tail     TailConfig                  `mapstructure:"tail"`
	Cache    CacheConfig                 `mapstructure:"cache"`
	Logging  observability.LoggingConfig `mapstructure:"logging"`
	Metrics  MetricsConfig               `mapstructure:"metrics"`
	NATS     NATSConfig                  `mapstructure:"nats"`
}

// PostgresConfig contains the database connection settings.
type PostgresConfig struct {
	URL           string `mapstructure:"url"`
	ReplicaURL    string `mapstructure:"replica_url"`
	MaxConns      int    `mapstructure:"max_conns"`
	AutoProvision bool   `mapstructure:"auto_provision"`
}

// TopicConfig configures one topic. Topics are a list so that names keep their case.
type TopicConfig struct {
	Name      string `mapstructure:"name"`
	Partition string `mapstructure:"partition"`
	IDField   string `mapstructure:"id_field"`
}

// TailConfig contains live notification settings.
type TailConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ListenerDSN  string        `mapstructure:"listener_dsn"`
}

// CacheConfig contains the record cache settings. Size 0 disables the cache.
type CacheConfig struct {
	Size int `mapstructure:"size"`
}

// MetricsConfig contains the address of the metrics and health endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// NATSConfig contains the settings of the NATS bridge. Empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Loader handles configuration loading and validation.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads path if it is not empty, applies defaults and environment overrides and validates the result.
// A missing file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Set overrides a key, e.g. from a command line flag.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("postgres.url", "")
	l.v.SetDefault("postgres.replica_url", "")
	l.v.SetDefault("postgres.max_conns", 0)
	l.v.SetDefault("postgres.auto_provision", true)

	l.v.SetDefault("tail.poll_interval", time.Second)
	l.v.SetDefault("tail.listener_dsn", "")

	l.v.SetDefault("cache.size", 0)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
	l.v.SetDefault("logging.output", "stderr")

	l.v.SetDefault("metrics.addr", "")

	l.v.SetDefault("nats.url", "")
	l.v.SetDefault("nats.subject_prefix", "pubsub")
}

// Validate checks the configuration for values the store cannot work with.
func (c *Config) Validate() error {
	var errs []error

	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres.url is required"))
	}
	if c.Postgres.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("postgres.max_conns must not be negative: %d", c.Postgres.MaxConns))
	}
	if c.Tail.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("tail.poll_interval must be positive: %s", c.Tail.PollInterval))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("cache.size must not be negative: %d", c.Cache.Size))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unsupported logging.level: %s", c.Logging.Level))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported logging.format: %s", c.Logging.Format))
	}

	if strings.ContainsAny(c.NATS.SubjectPrefix, "*> \t") {
		errs = append(errs, fmt.Errorf("nats.subject_prefix must not contain wildcards or whitespace: %q", c.NATS.SubjectPrefix))
	}

	seen := make(map[string]bool, len(c.Topics))
	for i, topic := range c.Topics {
		if topic.Name == "" {
			errs = append(errs, fmt.Errorf("topics[%d].name is required", i))
			continue
		}
		if seen[topic.Name] {
			errs = append(errs, fmt.Errorf("topic %q is configured twice", topic.Name))
		}
		seen[topic.Name] = true
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}

	return nil
}

// TopicSettings returns the topic list as the settings map the store consumes.
func (c *Config) TopicSettings() pubsub.TopicSettings {
	settings := make(pubsub.TopicSettings, len(c.Topics))
	for _, topic := range c.Topics {
		settings[topic.Name] = pubsub.TopicConfig{Partition: topic.Partition, IDField: topic.IDField}
	}

	return settings
}

// PoolURL returns the primary connection string with the pool size applied.
func (c *Config) PoolURL() string {
	return withMaxConns(c.Postgres.URL, c.Postgres.MaxConns)
}

// ReplicaPoolURL returns the replica connection string with the pool size applied, or "".
func (c *Config) ReplicaPoolURL() string {
	if c.Postgres.ReplicaURL == "" {
		return ""
	}

	return withMaxConns(c.Postgres.ReplicaURL, c.Postgres.MaxConns)
}

// withMaxConns sets pool_max_conns on URL and keyword/value connection strings.
func withMaxConns(dsn string, maxConns int) string {
	if maxConns <= 0 {
		return dsn
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}

		query := u.Query()
		query.Set("pool_max_conns", strconv.Itoa(maxConns))
		u.RawQuery = query.Encode()

		return u.String()
	}

	return dsn + " pool_max_conns=" + strconv.Itoa(maxConns)
}
