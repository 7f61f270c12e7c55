package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
	"github.com/fleetdata/heartbeat-ingest/pkg/metrics"
	"github.com/fleetdata/heartbeat-ingest/pkg/shutdown"
)

// Config is the full configuration for the heartbeat ingest service. It is
// loaded once at startup and treated as immutable for the process lifetime.
type Config struct {
	Service  ServiceConfig   `mapstructure:"service"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Cache    CacheConfig     `mapstructure:"cache"`
	Retry    RetryConfig     `mapstructure:"retry"`
	Logging  logging.Config  `mapstructure:"logging"`
	Metrics  metrics.Config  `mapstructure:"metrics"`
	Shutdown shutdown.Config `mapstructure:"shutdown"`
}

// ServiceConfig contains service identity and concurrency settings
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`

	// WorkerPoolSize bounds how many messages are persisted concurrently
	// across all partitions.
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
}

// KafkaConfig contains consumer and dead-letter settings
type KafkaConfig struct {
	Brokers       string        `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	StartOffset   string        `mapstructure:"start_offset"` // "earliest" or "latest"
	MinBytes      int           `mapstructure:"min_bytes"`
	MaxBytes      int           `mapstructure:"max_bytes"`
	MaxWait       time.Duration `mapstructure:"max_wait"`

	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RebalanceTimeout  time.Duration `mapstructure:"rebalance_timeout"`

	// CommitInterval bounds how long a terminal outcome waits before its
	// offset is committed; CommitBatchSize forces an earlier commit when
	// enough offsets have accumulated.
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	CommitBatchSize int           `mapstructure:"commit_batch_size"`

	// Connect retry policy for the consumer group session. Exhaustion is
	// the one fatal failure class: a consumer that cannot reach its log
	// has no useful degraded mode.
	ConnectMaxRetries int           `mapstructure:"connect_max_retries"`
	ConnectBackoff    time.Duration `mapstructure:"connect_backoff"`

	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}

// BrokerList splits the comma-separated broker string.
func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// StorageConfig contains tenant routing and connection lifecycle settings
type StorageConfig struct {
	// DefaultURI is used for tenants without an explicit route; the
	// database name defaults to "<database_prefix><tenant_id>".
	DefaultURI     string `mapstructure:"default_uri"`
	DatabasePrefix string `mapstructure:"database_prefix"`
	Collection     string `mapstructure:"collection"`

	// Routes maps tenant id to an explicit storage target.
	Routes map[string]RouteConfig `mapstructure:"routes"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxPoolSize    uint64        `mapstructure:"max_pool_size"`
	MinPoolSize    uint64        `mapstructure:"min_pool_size"`

	// IdleEviction closes connections unused for longer than this; zero
	// disables eviction.
	IdleEviction  time.Duration `mapstructure:"idle_eviction"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// DegradedThreshold is the consecutive-failure count that moves a
	// tenant connection from HEALTHY to DEGRADED.
	DegradedThreshold int `mapstructure:"degraded_threshold"`
}

// RouteConfig is an explicit per-tenant storage target
type RouteConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// CacheConfig contains the live asset-state cache settings
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Addr returns the redis address.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RetryConfig contains the storage write retry policy
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`

	// Jitter is the fraction of the delay randomly added on top, spreading
	// retry storms across tenants. Zero disables jitter.
	Jitter float64 `mapstructure:"jitter"`
}

// LoadConfig loads configuration from the given file path (optional) and
// HEARTBEAT_* environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("HEARTBEAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The ambient sections inherit the service identity.
	config.Logging.ServiceName = config.Service.Name
	config.Logging.ServiceVersion = config.Service.Version
	config.Logging.Environment = config.Service.Environment
	config.Metrics.ServiceName = config.Service.Name
	config.Metrics.ServiceVersion = config.Service.Version
	config.Metrics.Environment = config.Service.Environment

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// setDefaults registers default values for all settings
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "heartbeat-ingest")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.worker_pool_size", 16)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "telematics.raw.telematics_heartbeat")
	v.SetDefault("kafka.consumer_group", "heartbeat-ingest")
	v.SetDefault("kafka.start_offset", "latest")
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10e6)
	v.SetDefault("kafka.max_wait", 500*time.Millisecond)
	v.SetDefault("kafka.session_timeout", 30*time.Second)
	v.SetDefault("kafka.heartbeat_interval", 3*time.Second)
	v.SetDefault("kafka.rebalance_timeout", 30*time.Second)
	v.SetDefault("kafka.commit_interval", 5*time.Second)
	v.SetDefault("kafka.commit_batch_size", 500)
	v.SetDefault("kafka.connect_max_retries", 5)
	v.SetDefault("kafka.connect_backoff", 5*time.Second)
	v.SetDefault("kafka.dead_letter_topic", "telematics.dlq.telematics_heartbeat")

	v.SetDefault("storage.default_uri", "mongodb://localhost:27017")
	v.SetDefault("storage.database_prefix", "telematics_")
	v.SetDefault("storage.collection", "heartbeats")
	v.SetDefault("storage.connect_timeout", 10*time.Second)
	v.SetDefault("storage.write_timeout", 10*time.Second)
	v.SetDefault("storage.max_pool_size", 100)
	v.SetDefault("storage.min_pool_size", 0)
	v.SetDefault("storage.idle_eviction", 30*time.Minute)
	v.SetDefault("storage.probe_interval", time.Minute)
	v.SetDefault("storage.degraded_threshold", 3)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.database", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.enable_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.collect_go_metrics", true)
	v.SetDefault("metrics.collect_process_metrics", true)

	v.SetDefault("shutdown.timeout", 30*time.Second)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.Service.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker pool size must be positive")
	}
	if len(c.Kafka.BrokerList()) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group is required")
	}
	if c.Kafka.StartOffset != "earliest" && c.Kafka.StartOffset != "latest" {
		return fmt.Errorf("kafka start offset must be %q or %q", "earliest", "latest")
	}
	if c.Kafka.CommitInterval <= 0 {
		return fmt.Errorf("kafka commit interval must be positive")
	}
	if c.Storage.DefaultURI == "" && len(c.Storage.Routes) == 0 {
		return fmt.Errorf("storage requires a default URI or at least one tenant route")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max delay must be at least the base delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be between 0 and 1")
	}
	return nil
}
