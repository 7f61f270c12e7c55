package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "heartbeat-ingest", cfg.Service.Name)
	assert.Equal(t, 16, cfg.Service.WorkerPoolSize)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.BrokerList())
	assert.Equal(t, "telematics.raw.telematics_heartbeat", cfg.Kafka.Topic)
	assert.Equal(t, "latest", cfg.Kafka.StartOffset)
	assert.Equal(t, 30*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "telematics_", cfg.Storage.DatabasePrefix)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HEARTBEAT_KAFKA_TOPIC", "fleet.heartbeats")
	t.Setenv("HEARTBEAT_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("HEARTBEAT_SERVICE_WORKER_POOL_SIZE", "64")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "fleet.heartbeats", cfg.Kafka.Topic)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.BrokerList())
	assert.Equal(t, 64, cfg.Service.WorkerPoolSize)
}

func TestLoadConfigPropagatesServiceIdentity(t *testing.T) {
	t.Setenv("HEARTBEAT_SERVICE_ENVIRONMENT", "production")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Logging.Environment)
	assert.Equal(t, "production", cfg.Metrics.Environment)
	assert.Equal(t, cfg.Service.Name, cfg.Logging.ServiceName)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.Service.Name = "" }},
		{"zero workers", func(c *Config) { c.Service.WorkerPoolSize = 0 }},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = " , " }},
		{"no topic", func(c *Config) { c.Kafka.Topic = "" }},
		{"no group", func(c *Config) { c.Kafka.ConsumerGroup = "" }},
		{"bad start offset", func(c *Config) { c.Kafka.StartOffset = "somewhere" }},
		{"no storage target", func(c *Config) { c.Storage.DefaultURI = ""; c.Storage.Routes = nil }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"max below base delay", func(c *Config) { c.Retry.MaxDelay = c.Retry.BaseDelay / 2 }},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
