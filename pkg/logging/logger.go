package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the log output format
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
)

// Config represents logging configuration
type Config struct {
	Level  LogLevel  `mapstructure:"level"`
	Format LogFormat `mapstructure:"format"`

	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`

	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	EnableCaller     bool `mapstructure:"enable_caller"`
	EnableStacktrace bool `mapstructure:"enable_stacktrace"`
}

// Logger wraps zap.Logger with service-scoped fields.
type Logger struct {
	*zap.Logger
	config *Config
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	zapConfig := zap.Config{
		Level:       getZapLevel(config.Level),
		Development: config.Environment == "development",
		Encoding:    string(config.Format),
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:       config.OutputPaths,
		ErrorOutputPaths:  config.ErrorOutputPaths,
		DisableCaller:     !config.EnableCaller,
		DisableStacktrace: !config.EnableStacktrace,
	}

	baseLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	serviceFields := []zap.Field{
		zap.String("service", config.ServiceName),
		zap.String("version", config.ServiceVersion),
		zap.String("environment", config.Environment),
	}

	return &Logger{
		Logger: baseLogger.With(serviceFields...),
		config: config,
	}, nil
}

// getZapLevel converts LogLevel to zap.AtomicLevel
func getZapLevel(level LogLevel) zap.AtomicLevel {
	switch level {
	case LevelDebug:
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case LevelInfo:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case LevelWarn:
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case LevelError:
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}

// WithComponent creates a logger tagged with a component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With(zap.String("component", component)),
		config: l.config,
	}
}

// WithTenantID creates a logger tagged with a tenant ID
func (l *Logger) WithTenantID(tenantID string) *Logger {
	if tenantID == "" {
		return l
	}
	return &Logger{
		Logger: l.Logger.With(zap.String("tenant_id", tenantID)),
		config: l.config,
	}
}

// WithFields creates a logger with additional fields
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		config: l.config,
	}
}

// LogError logs an error with full context
func (l *Logger) LogError(err error, message string, fields ...zap.Field) {
	errorFields := append([]zap.Field{zap.Error(err)}, fields...)
	l.Error(message, errorFields...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,

		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},

		ServiceName:    "unknown",
		ServiceVersion: "unknown",
		Environment:    "development",

		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// NewNop returns a logger that discards all output, for tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), config: DefaultConfig()}
}
