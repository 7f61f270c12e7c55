// Package retry implements the storage write retry policy. Transient storage
// failures back off exponentially and retry in place; authentication and
// authorization failures suspend the tenant immediately; exhaustion of the
// retry budget suspends the tenant as well. The consumer never advances past
// a message while its write is still retrying.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/fleetdata/heartbeat-ingest/pkg/common"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

// Status is the terminal classification of a persist attempt sequence.
type Status int

const (
	// StatusSuccess means the operation completed, possibly after retries.
	StatusSuccess Status = iota

	// StatusSuspended means retries were exhausted or the failure was an
	// auth failure; the tenant must be taken out of rotation.
	StatusSuspended

	// StatusDropped means the failure was permanent for this message only
	// (malformed for the target schema); the message is dead-lettered and
	// the offset advances.
	StatusDropped

	// StatusAborted means the context was canceled mid-sequence; nothing
	// may be committed for this message.
	StatusAborted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSuspended:
		return "suspended"
	case StatusDropped:
		return "dropped"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Outcome is the result of Execute: the terminal status, how many retries
// were spent getting there, and the last error observed.
type Outcome struct {
	Status   Status
	Attempts int
	Err      error
}

// Policy holds the backoff parameters.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter in [0,1]: fraction of the delay randomly added on top.
	Jitter float64
}

// State tracks one in-flight retry sequence. Exposed so tests can assert
// delay progression without sleeping.
type State struct {
	Attempt   int
	NextDelay time.Duration

	policy Policy
	rand   *rand.Rand
}

// NewState starts a retry sequence under the given policy.
func NewState(policy Policy) *State {
	return &State{
		NextDelay: policy.BaseDelay,
		policy:    policy,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Exhausted reports whether the retry budget is spent.
func (s *State) Exhausted() bool {
	return s.Attempt >= s.policy.MaxAttempts
}

// Advance records a failed attempt and returns the delay to wait before the
// next one. Delays double up to the cap; jitter is added after capping so the
// cap bounds the deterministic part.
func (s *State) Advance() time.Duration {
	s.Attempt++
	delay := s.NextDelay

	next := s.NextDelay * 2
	if next > s.policy.MaxDelay {
		next = s.policy.MaxDelay
	}
	s.NextDelay = next

	if s.policy.Jitter > 0 {
		delay += time.Duration(s.rand.Float64() * s.policy.Jitter * float64(delay))
	}
	return delay
}

// Controller executes storage operations under the retry policy.
type Controller struct {
	policy Policy
	logger *logging.Logger

	// sleep is swapped in tests so retry sequences run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates a retry controller.
func NewController(policy Policy, logger *logging.Logger) *Controller {
	return &Controller{
		policy: policy,
		logger: logger.WithComponent("retry"),
		sleep:  sleepCtx,
	}
}

// Execute runs op until it succeeds, exhausts the retry budget, or hits a
// non-retryable failure. onRetry, if non-nil, is invoked once per retry for
// accounting.
func (c *Controller) Execute(ctx context.Context, tenantID string, op func(ctx context.Context) error, onRetry func(attempt int)) Outcome {
	state := NewState(c.policy)

	for {
		err := op(ctx)
		if err == nil {
			return Outcome{Status: StatusSuccess, Attempts: state.Attempt}
		}

		if ctx.Err() != nil {
			return Outcome{Status: StatusAborted, Attempts: state.Attempt, Err: ctx.Err()}
		}

		switch {
		case common.HasErrorCode(err, common.ErrCodeTenantSuspended):
			// The tenant went into failsafe while this message waited;
			// fail fast instead of burning the retry budget against a
			// connection that rejects everything.
			return Outcome{Status: StatusSuspended, Attempts: state.Attempt, Err: err}

		case common.HasErrorCode(err, common.ErrCodeTenantUnknown):
			return Outcome{Status: StatusDropped, Attempts: state.Attempt, Err: err}

		case common.IsAuthFailure(err):
			// Credentials do not heal with time; retrying would only
			// hammer the backend.
			c.logger.Warn("storage auth failure, suspending tenant",
				logging.String("tenant_id", tenantID),
				logging.Error(err),
			)
			return Outcome{Status: StatusSuspended, Attempts: state.Attempt, Err: err}

		case common.IsMalformed(err):
			c.logger.Warn("storage rejected message as malformed",
				logging.String("tenant_id", tenantID),
				logging.Error(err),
			)
			return Outcome{Status: StatusDropped, Attempts: state.Attempt, Err: err}
		}

		if !common.IsTransient(err) {
			// Classified as non-retryable but fitting none of the
			// branches above: retrying cannot help, dead-letter it.
			c.logger.Warn("storage failure is not retryable, dropping message",
				logging.String("tenant_id", tenantID),
				logging.Error(err),
			)
			return Outcome{Status: StatusDropped, Attempts: state.Attempt, Err: err}
		}

		if state.Exhausted() {
			c.logger.Error("storage retries exhausted, suspending tenant",
				logging.String("tenant_id", tenantID),
				logging.Int("attempts", state.Attempt),
				logging.Error(err),
			)
			return Outcome{Status: StatusSuspended, Attempts: state.Attempt, Err: err}
		}

		delay := state.Advance()
		if onRetry != nil {
			onRetry(state.Attempt)
		}
		c.logger.Warn("storage write failed, retrying",
			logging.String("tenant_id", tenantID),
			logging.Int("attempt", state.Attempt),
			logging.Int("max_attempts", c.policy.MaxAttempts),
			logging.Duration("delay", delay),
			logging.Error(err),
		)

		if err := c.sleep(ctx, delay); err != nil {
			return Outcome{Status: StatusAborted, Attempts: state.Attempt, Err: err}
		}
	}
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
