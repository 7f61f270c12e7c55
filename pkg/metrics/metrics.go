package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config represents metrics configuration
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`

	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	CollectGoMetrics      bool `mapstructure:"collect_go_metrics"`
	CollectProcessMetrics bool `mapstructure:"collect_process_metrics"`
}

// Collector owns the Prometheus metrics for the ingest pipeline and serves
// the exposition endpoint. The pipeline only sees the narrow increment /
// observe / set methods below.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	server   *http.Server
	logger   *zap.Logger

	messagesProcessed  *prometheus.CounterVec
	processingErrors   *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	lastMessageTime    *prometheus.GaugeVec
	consumerLag        *prometheus.GaugeVec
	assignedPartitions prometheus.Gauge

	storageRetries     *prometheus.CounterVec
	deadLetterMessages *prometheus.CounterVec
	tenantHealth       *prometheus.GaugeVec
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		config:   config,
		registry: registry,
		logger:   logger,
	}

	if err := c.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return c, nil
}

// initializeMetrics registers all pipeline metrics
func (c *Collector) initializeMetrics() error {
	constLabels := prometheus.Labels{
		"service":     c.config.ServiceName,
		"environment": c.config.Environment,
	}

	c.messagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "messages_processed_total",
			Help:        "Total number of processed messages",
			ConstLabels: constLabels,
		},
		[]string{"tenant"},
	)

	c.processingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "processing_errors_total",
			Help:        "Total number of processing errors",
			ConstLabels: constLabels,
		},
		[]string{"reason"},
	)

	c.processingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "message_processing_duration_seconds",
			Help:        "Time spent processing messages",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	c.lastMessageTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "last_message_timestamp_seconds",
			Help:        "Timestamp of the last processed message",
			ConstLabels: constLabels,
		},
		[]string{"partition"},
	)

	c.consumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "consumer_lag",
			Help:        "Difference between log end offset and committed offset",
			ConstLabels: constLabels,
		},
		[]string{"partition"},
	)

	c.assignedPartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "assigned_partitions_count",
			Help:        "Number of partitions assigned to this consumer",
			ConstLabels: constLabels,
		},
	)

	c.storageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "storage_retries_total",
			Help:        "Total number of retried storage writes",
			ConstLabels: constLabels,
		},
		[]string{"tenant"},
	)

	c.deadLetterMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "dead_letter_messages_total",
			Help:        "Total number of messages routed to the dead letter topic",
			ConstLabels: constLabels,
		},
		[]string{"reason"},
	)

	c.tenantHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "tenant_connection_health",
			Help:        "Tenant connection health (1 healthy, 0.5 degraded, 0 suspended)",
			ConstLabels: constLabels,
		},
		[]string{"tenant"},
	)

	collectors := []prometheus.Collector{
		c.messagesProcessed,
		c.processingErrors,
		c.processingDuration,
		c.lastMessageTime,
		c.consumerLag,
		c.assignedPartitions,
		c.storageRetries,
		c.deadLetterMessages,
		c.tenantHealth,
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	if c.config.CollectGoMetrics {
		c.registry.MustRegister(prometheus.NewGoCollector())
	}
	if c.config.CollectProcessMetrics {
		c.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	return nil
}

// Start starts the metrics exposition server
func (c *Collector) Start() error {
	if !c.config.Enabled {
		c.logger.Info("Metrics collection is disabled")
		return nil
	}

	address := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	c.server = &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	c.logger.Info("Starting metrics server",
		zap.String("address", address),
		zap.String("path", c.config.Path),
	)

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop stops the metrics exposition server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	c.logger.Info("Stopping metrics server")
	return c.server.Shutdown(ctx)
}

// MessageProcessed increments the processed-message counter for a tenant
func (c *Collector) MessageProcessed(tenant string) {
	c.messagesProcessed.WithLabelValues(tenant).Inc()
}

// ProcessingError increments the processing-error counter for a reason
func (c *Collector) ProcessingError(reason string) {
	c.processingErrors.WithLabelValues(reason).Inc()
}

// ObserveProcessingDuration records message processing time for a topic
func (c *Collector) ObserveProcessingDuration(topic string, duration time.Duration) {
	c.processingDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// SetLastMessageTimestamp records when a partition last delivered a message
func (c *Collector) SetLastMessageTimestamp(partition int, ts time.Time) {
	c.lastMessageTime.WithLabelValues(strconv.Itoa(partition)).Set(float64(ts.Unix()))
}

// SetConsumerLag records per-partition consumer lag
func (c *Collector) SetConsumerLag(partition int, lag int64) {
	c.consumerLag.WithLabelValues(strconv.Itoa(partition)).Set(float64(lag))
}

// SetAssignedPartitions records the size of the current partition assignment
func (c *Collector) SetAssignedPartitions(count int) {
	c.assignedPartitions.Set(float64(count))
}

// StorageRetry increments the retried-write counter for a tenant
func (c *Collector) StorageRetry(tenant string) {
	c.storageRetries.WithLabelValues(tenant).Inc()
}

// DeadLetter increments the dead-letter counter for a reason
func (c *Collector) DeadLetter(reason string) {
	c.deadLetterMessages.WithLabelValues(reason).Inc()
}

// SetTenantHealth records a tenant's connection health state
func (c *Collector) SetTenantHealth(tenant string, health float64) {
	c.tenantHealth.WithLabelValues(tenant).Set(health)
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// DefaultConfig returns a default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Host:    "0.0.0.0",
		Port:    9090,
		Path:    "/metrics",

		ServiceName: "unknown",
		Environment: "development",

		CollectGoMetrics:      true,
		CollectProcessMetrics: true,
	}
}
