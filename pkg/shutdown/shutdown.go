package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// GracefulShutdown manages ordered shutdown of service components.
type GracefulShutdown struct {
	timeout  time.Duration
	logger   *zap.Logger
	hooks    []Hook
	done     chan struct{}
	mu       sync.RWMutex
	shutdown bool
	wg       sync.WaitGroup
}

// Hook represents a function to be called during shutdown. Lower priority
// numbers run first.
type Hook struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Fn       func(context.Context) error
}

// Config represents graceful shutdown configuration
type Config struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// New creates a new graceful shutdown manager
func New(config *Config, logger *zap.Logger) *GracefulShutdown {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GracefulShutdown{
		timeout: config.Timeout,
		logger:  logger,
		hooks:   make([]Hook, 0),
		done:    make(chan struct{}),
	}
}

// AddHook adds a shutdown hook, keeping hooks ordered by priority.
func (gs *GracefulShutdown) AddHook(hook Hook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = gs.timeout
	}

	inserted := false
	for i, h := range gs.hooks {
		if hook.Priority < h.Priority {
			gs.hooks = append(gs.hooks[:i], append([]Hook{hook}, gs.hooks[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		gs.hooks = append(gs.hooks, hook)
	}

	gs.logger.Debug("Shutdown hook added",
		zap.String("name", hook.Name),
		zap.Int("priority", hook.Priority),
	)
}

// AddHooks adds multiple shutdown hooks
func (gs *GracefulShutdown) AddHooks(hooks ...Hook) {
	for _, hook := range hooks {
		gs.AddHook(hook)
	}
}

// Listen starts listening for shutdown signals
func (gs *GracefulShutdown) Listen(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)

	gs.wg.Add(1)
	go func() {
		defer gs.wg.Done()

		sig := <-c
		gs.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

		gs.mu.Lock()
		if gs.shutdown {
			gs.mu.Unlock()
			return
		}
		gs.shutdown = true
		gs.mu.Unlock()

		gs.executeShutdown()
	}()
}

// Shutdown triggers graceful shutdown programmatically
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.shutdown {
		gs.mu.Unlock()
		return
	}
	gs.shutdown = true
	gs.mu.Unlock()

	gs.logger.Info("Programmatic shutdown initiated")
	gs.executeShutdown()
}

// executeShutdown runs all hooks in priority order
func (gs *GracefulShutdown) executeShutdown() {
	defer close(gs.done)

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	gs.logger.Info("Starting graceful shutdown",
		zap.Duration("timeout", gs.timeout),
		zap.Int("hooks", len(gs.hooks)),
	)

	start := time.Now()
	for _, hook := range gs.hooks {
		gs.executeHook(ctx, hook)
	}

	gs.logger.Info("Graceful shutdown completed",
		zap.Duration("duration", time.Since(start)),
	)
}

// executeHook runs a single hook with its own timeout
func (gs *GracefulShutdown) executeHook(ctx context.Context, hook Hook) {
	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- hook.Fn(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			gs.logger.Error("Shutdown hook failed",
				zap.String("name", hook.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
		} else {
			gs.logger.Info("Shutdown hook completed",
				zap.String("name", hook.Name),
				zap.Duration("duration", time.Since(start)),
			)
		}
	case <-hookCtx.Done():
		gs.logger.Warn("Shutdown hook timed out",
			zap.String("name", hook.Name),
			zap.Duration("timeout", hook.Timeout),
		)
	}
}

// Wait waits for shutdown to complete
func (gs *GracefulShutdown) Wait() {
	<-gs.done
}

// IsShuttingDown returns true if shutdown is in progress
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.shutdown
}

// Done returns a channel that closes when shutdown is complete
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// BackgroundTaskHook creates a hook that cancels background tasks and waits
// for them to drain.
func BackgroundTaskHook(name string, cancel context.CancelFunc, wg *sync.WaitGroup) Hook {
	return Hook{
		Name:     name,
		Priority: 5,
		Timeout:  15 * time.Second,
		Fn: func(ctx context.Context) error {
			cancel()

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()

			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("background tasks did not finish in time")
			}
		},
	}
}

// DatabaseHook creates a hook for closing storage connections
func DatabaseHook(name string, closer interface{ Close(context.Context) error }) Hook {
	return Hook{
		Name:     name,
		Priority: 20,
		Timeout:  10 * time.Second,
		Fn: func(ctx context.Context) error {
			return closer.Close(ctx)
		},
	}
}

// MetricsHook creates a hook for the metrics server; runs late so final
// stats stay scrapeable during drain.
func MetricsHook(name string, metricsCollector interface{ Stop(context.Context) error }) Hook {
	return Hook{
		Name:     name,
		Priority: 30,
		Timeout:  5 * time.Second,
		Fn: func(ctx context.Context) error {
			return metricsCollector.Stop(ctx)
		},
	}
}

// LoggerHook creates a hook that syncs the logger last
func LoggerHook(name string, logger interface{ Sync() error }) Hook {
	return Hook{
		Name:     name,
		Priority: 40,
		Timeout:  2 * time.Second,
		Fn: func(ctx context.Context) error {
			return logger.Sync()
		},
	}
}

// GenericHook creates a shutdown hook from a function
func GenericHook(name string, priority int, timeout time.Duration, fn func(context.Context) error) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		Timeout:  timeout,
		Fn:       fn,
	}
}

// DefaultConfig returns a default shutdown configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
	}
}
