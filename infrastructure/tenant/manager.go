// Package tenant manages the per-tenant storage connections. Connections are
// dialed lazily on first use, shared by every worker writing for that tenant,
// health-tracked, probed while suspended, and evicted when idle.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fleetdata/heartbeat-ingest/domain/entity"
	"github.com/fleetdata/heartbeat-ingest/domain/repository"
	"github.com/fleetdata/heartbeat-ingest/pkg/common"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

// Health is the state of a tenant connection.
type Health int

const (
	// Healthy connections accept writes normally.
	Healthy Health = iota

	// Degraded connections have seen consecutive failures but still accept
	// writes; the retry controller decides whether they recover or suspend.
	Degraded

	// Suspended connections reject writes until a background probe
	// succeeds against the tenant's backend.
	Suspended
)

// String returns the health name.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Suspended:
		return "suspended"
	}
	return "unknown"
}

// gaugeValue maps health to the exported tenant_health gauge.
func (h Health) gaugeValue() float64 {
	switch h {
	case Healthy:
		return 1
	case Degraded:
		return 0.5
	default:
		return 0
	}
}

// DialFunc opens a storage handle for a tenant. It returns
// common.ErrCodeTenantUnknown when no route exists for the tenant.
type DialFunc func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error)

// HealthReporter receives tenant health transitions.
type HealthReporter interface {
	SetTenantHealth(tenant string, health float64)
}

// Config holds connection lifecycle settings.
type Config struct {
	// DegradedThreshold is the consecutive-failure count that marks a
	// connection degraded.
	DegradedThreshold int

	// IdleEviction closes connections unused for longer than this. Zero
	// disables eviction.
	IdleEviction time.Duration

	// ProbeInterval is how often suspended tenants are re-checked.
	ProbeInterval time.Duration

	// ProbeRate bounds backend probes per second across all suspended
	// tenants so a mass outage does not turn into a ping storm.
	ProbeRate rate.Limit

	ProbeTimeout time.Duration
}

// Connection is a live, health-tracked storage handle for one tenant.
type Connection struct {
	tenantID string
	repo     repository.HeartbeatRepository
	breaker  *gobreaker.CircuitBreaker
	reporter HealthReporter

	mu            sync.Mutex
	health        Health
	failures      int
	failThreshold int
	lastUsed      time.Time
}

// Upsert writes the heartbeat through the circuit breaker and updates the
// connection's health counters.
func (c *Connection) Upsert(ctx context.Context, hb *entity.Heartbeat) error {
	c.touch()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.repo.Upsert(ctx, hb)
	})
	c.recordResult(err)
	return err
}

// Health returns the current health state.
func (c *Connection) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// TenantID returns the tenant this connection serves.
func (c *Connection) TenantID() string {
	return c.tenantID
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// recordResult tracks consecutive failures. Suspension is never entered from
// here; only the retry controller's verdict suspends a tenant.
func (c *Connection) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.failures = 0
		if c.health == Degraded {
			c.setHealthLocked(Healthy)
		}
		return
	}

	c.failures++
	if c.health == Healthy && c.failures >= c.failThreshold {
		c.setHealthLocked(Degraded)
	}
}

func (c *Connection) setHealthLocked(h Health) {
	c.health = h
	if c.reporter != nil {
		c.reporter.SetTenantHealth(c.tenantID, h.gaugeValue())
	}
}

// entry guards one tenant's connection. The once gives per-tenant exclusion
// for dialing without holding the manager map lock across network I/O.
type entry struct {
	once sync.Once
	conn *Connection
	err  error
}

// Manager owns the tenant connection map and its background lifecycle loops.
type Manager struct {
	config   Config
	dial     DialFunc
	logger   *logging.Logger
	reporter HealthReporter

	mu      sync.Mutex
	entries map[string]*entry

	// suspended is authoritative for failsafe mode. It is a separate set
	// rather than connection state because a tenant whose dial keeps
	// failing never gets a connection to mark.
	suspended map[string]struct{}

	probeLimiter *rate.Limiter
}

// NewManager creates a tenant connection manager.
func NewManager(config Config, dial DialFunc, reporter HealthReporter, logger *logging.Logger) *Manager {
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = 3
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = time.Minute
	}
	if config.ProbeRate <= 0 {
		config.ProbeRate = rate.Limit(1)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}

	return &Manager{
		config:       config,
		dial:         dial,
		logger:       logger.WithComponent("tenant-manager"),
		reporter:     reporter,
		entries:      make(map[string]*entry),
		suspended:    make(map[string]struct{}),
		probeLimiter: rate.NewLimiter(config.ProbeRate, 1),
	}
}

// Acquire returns the tenant's connection, dialing it on first use. Only one
// goroutine dials per tenant; concurrent acquirers for the same tenant block
// on the dial and share its result. A suspended tenant returns
// ErrCodeTenantSuspended without touching the backend.
func (m *Manager) Acquire(ctx context.Context, tenantID string) (*Connection, error) {
	m.mu.Lock()
	if _, bad := m.suspended[tenantID]; bad {
		m.mu.Unlock()
		return nil, common.ErrTenantSuspended(tenantID)
	}
	e, ok := m.entries[tenantID]
	if !ok {
		e = &entry{}
		m.entries[tenantID] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		repo, err := m.dial(ctx, tenantID)
		if err != nil {
			e.err = err
			// Drop the failed entry so the next acquire redials
			// instead of caching the failure forever.
			m.mu.Lock()
			if m.entries[tenantID] == e {
				delete(m.entries, tenantID)
			}
			m.mu.Unlock()
			return
		}

		conn := &Connection{
			tenantID:      tenantID,
			repo:          repo,
			reporter:      m.reporter,
			health:        Healthy,
			failThreshold: m.config.DegradedThreshold,
			lastUsed:      time.Now(),
		}
		conn.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "storage-" + tenantID,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Warn("storage circuit breaker state change",
					logging.String("tenant_id", tenantID),
					logging.String("from", from.String()),
					logging.String("to", to.String()),
				)
			},
		})
		if m.reporter != nil {
			m.reporter.SetTenantHealth(tenantID, Healthy.gaugeValue())
		}
		e.conn = conn

		m.logger.Info("tenant storage connection established",
			logging.String("tenant_id", tenantID),
		)
	})

	if e.err != nil {
		return nil, e.err
	}

	if e.conn.Health() == Suspended {
		return nil, common.ErrTenantSuspended(tenantID)
	}
	e.conn.touch()
	return e.conn, nil
}

// Suspend takes a tenant out of rotation after the retry controller gave up
// on it. Writes for the tenant fail fast until a probe readmits it. The
// tenant need not have a live connection: a backend that is unreachable at
// dial time suspends all the same.
func (m *Manager) Suspend(tenantID string, cause error) {
	m.mu.Lock()
	_, already := m.suspended[tenantID]
	if !already {
		m.suspended[tenantID] = struct{}{}
	}
	e := m.entries[tenantID]
	m.mu.Unlock()

	if already {
		return
	}

	if e != nil && e.conn != nil {
		e.conn.mu.Lock()
		e.conn.setHealthLocked(Suspended)
		e.conn.mu.Unlock()
	} else if m.reporter != nil {
		m.reporter.SetTenantHealth(tenantID, Suspended.gaugeValue())
	}

	m.logger.Error("tenant suspended",
		logging.String("tenant_id", tenantID),
		logging.Error(cause),
	)
}

// Run drives the probe and eviction loops until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	probe := time.NewTicker(m.config.ProbeInterval)
	defer probe.Stop()

	evictEvery := m.config.IdleEviction
	if evictEvery <= 0 {
		evictEvery = time.Hour
	}
	evict := time.NewTicker(evictEvery)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-probe.C:
			m.probeSuspended(ctx)
		case <-evict.C:
			if m.config.IdleEviction > 0 {
				m.evictIdle(ctx)
			}
		}
	}
}

// probeSuspended checks each suspended tenant's backend, rate limited, and
// readmits the ones that answer. Tenants with a live connection are pinged;
// tenants suspended without one (dial never succeeded) are probed with a
// fresh dial.
func (m *Manager) probeSuspended(ctx context.Context) {
	m.mu.Lock()
	tenants := make([]string, 0, len(m.suspended))
	for tenantID := range m.suspended {
		tenants = append(tenants, tenantID)
	}
	m.mu.Unlock()

	for _, tenantID := range tenants {
		if err := m.probeLimiter.Wait(ctx); err != nil {
			return
		}

		m.mu.Lock()
		e := m.entries[tenantID]
		m.mu.Unlock()

		var conn *Connection
		if e != nil {
			conn = e.conn
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		var err error
		if conn != nil {
			err = conn.repo.Ping(probeCtx)
		} else {
			var repo repository.HeartbeatRepository
			if repo, err = m.dial(probeCtx, tenantID); err == nil {
				// The probe dial is discarded; the next Acquire
				// establishes the working connection.
				_ = repo.Close(probeCtx)
			}
		}
		cancel()

		if err != nil {
			m.logger.Debug("suspended tenant probe failed",
				logging.String("tenant_id", tenantID),
				logging.Error(err),
			)
			continue
		}

		m.mu.Lock()
		delete(m.suspended, tenantID)
		m.mu.Unlock()

		if conn != nil {
			conn.mu.Lock()
			conn.failures = 0
			conn.setHealthLocked(Healthy)
			conn.mu.Unlock()
		} else if m.reporter != nil {
			m.reporter.SetTenantHealth(tenantID, Healthy.gaugeValue())
		}

		m.logger.Info("tenant readmitted after successful probe",
			logging.String("tenant_id", tenantID),
		)
	}
}

// evictIdle closes connections no write has touched within the idle window.
// Suspended connections are kept so the probe loop can readmit them.
func (m *Manager) evictIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.config.IdleEviction)

	m.mu.Lock()
	var victims []*Connection
	for tenantID, e := range m.entries {
		if e.conn == nil {
			continue
		}
		e.conn.mu.Lock()
		idle := e.conn.health != Suspended && e.conn.lastUsed.Before(cutoff)
		e.conn.mu.Unlock()
		if idle {
			victims = append(victims, e.conn)
			delete(m.entries, tenantID)
		}
	}
	m.mu.Unlock()

	for _, conn := range victims {
		if err := conn.repo.Close(ctx); err != nil {
			m.logger.Warn("failed to close idle tenant connection",
				logging.String("tenant_id", conn.tenantID),
				logging.Error(err),
			)
		} else {
			m.logger.Info("evicted idle tenant connection",
				logging.String("tenant_id", conn.tenantID),
			)
		}
	}
}

// Close closes every tenant connection.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var firstErr error
	for tenantID, e := range entries {
		if e.conn == nil {
			continue
		}
		if err := e.conn.repo.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
			m.logger.Warn("failed to close tenant connection",
				logging.String("tenant_id", tenantID),
				logging.Error(err),
			)
		}
	}
	return firstErr
}
