package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fleetdata/heartbeat-ingest/domain/entity"
	"github.com/fleetdata/heartbeat-ingest/domain/repository"
	"github.com/fleetdata/heartbeat-ingest/pkg/common"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

type fakeRepo struct {
	mu        sync.Mutex
	upsertErr error
	pingErr   error
	upserts   int
	closed    bool
}

func (r *fakeRepo) Upsert(ctx context.Context, hb *entity.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	return r.upsertErr
}

func (r *fakeRepo) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

func (r *fakeRepo) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRepo) setPingErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingErr = err
}

func (r *fakeRepo) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeReporter struct {
	mu     sync.Mutex
	health map[string]float64
}

func (f *fakeReporter) SetTenantHealth(tenant string, health float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == nil {
		f.health = make(map[string]float64)
	}
	f.health[tenant] = health
}

func (f *fakeReporter) get(tenant string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[tenant]
}

func testConfig() Config {
	return Config{
		DegradedThreshold: 2,
		ProbeInterval:     time.Minute,
		ProbeRate:         rate.Limit(1000),
		ProbeTimeout:      time.Second,
	}
}

func testHeartbeat(tenantID string) *entity.Heartbeat {
	return &entity.Heartbeat{
		ID:       "hb-1",
		TenantID: tenantID,
		AssetID:  "truck-1",
	}
}

func TestAcquireDialsOncePerTenant(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return &fakeRepo{}, nil
	}

	m := NewManager(testConfig(), dial, nil, logging.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := m.Acquire(context.Background(), "acme")
			assert.NoError(t, err)
			assert.NotNil(t, conn)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dials, "concurrent acquirers must share one dial")
}

func TestAcquireDialFailureIsNotCached(t *testing.T) {
	calls := 0
	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		calls++
		if calls == 1 {
			return nil, common.ErrDatabaseConnection(assertErr{})
		}
		return &fakeRepo{}, nil
	}

	m := NewManager(testConfig(), dial, nil, logging.NewNop())

	_, err := m.Acquire(context.Background(), "acme")
	require.Error(t, err)

	conn, err := m.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, 2, calls)
}

type assertErr struct{}

func (assertErr) Error() string { return "dial failed" }

func TestConnectionHealthTransitions(t *testing.T) {
	repo := &fakeRepo{}
	reporter := &fakeReporter{}
	m := NewManager(testConfig(), staticDial(repo), reporter, logging.NewNop())

	conn, err := m.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Healthy, conn.Health())
	assert.Equal(t, 1.0, reporter.get("acme"))

	repo.upsertErr = common.ErrDatabaseConnection(assertErr{})
	_ = conn.Upsert(context.Background(), testHeartbeat("acme"))
	assert.Equal(t, Healthy, conn.Health(), "one failure is below the threshold")

	_ = conn.Upsert(context.Background(), testHeartbeat("acme"))
	assert.Equal(t, Degraded, conn.Health())
	assert.Equal(t, 0.5, reporter.get("acme"))

	repo.upsertErr = nil
	require.NoError(t, conn.Upsert(context.Background(), testHeartbeat("acme")))
	assert.Equal(t, Healthy, conn.Health(), "a success recovers a degraded connection")
	assert.Equal(t, 1.0, reporter.get("acme"))
}

func TestSuspendBlocksAcquire(t *testing.T) {
	repo := &fakeRepo{}
	m := NewManager(testConfig(), staticDial(repo), nil, logging.NewNop())

	_, err := m.Acquire(context.Background(), "acme")
	require.NoError(t, err)

	m.Suspend("acme", common.ErrDatabaseConnection(assertErr{}))
	m.Suspend("acme", common.ErrDatabaseConnection(assertErr{})) // idempotent

	_, err = m.Acquire(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeTenantSuspended))
}

func TestSuspendWithoutConnectionBlocksAcquire(t *testing.T) {
	// The tenant's backend is down at dial time, so no connection ever
	// exists. Suspension must still engage so later messages fail fast
	// instead of redialing and burning the retry budget each time.
	dials := 0
	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		dials++
		return nil, common.ErrDatabaseConnection(assertErr{})
	}
	reporter := &fakeReporter{}
	m := NewManager(testConfig(), dial, reporter, logging.NewNop())

	_, err := m.Acquire(context.Background(), "acme")
	require.Error(t, err)
	require.Equal(t, 1, dials)

	m.Suspend("acme", err)
	assert.Equal(t, 0.0, reporter.get("acme"))

	_, err = m.Acquire(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeTenantSuspended))
	assert.Equal(t, 1, dials, "a suspended tenant must not redial")
}

func TestProbeReadmitsTenantWithoutConnection(t *testing.T) {
	var mu sync.Mutex
	dialErr := error(common.ErrDatabaseConnection(assertErr{}))
	dials := 0
	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dialErr != nil {
			return nil, dialErr
		}
		return &fakeRepo{}, nil
	}
	reporter := &fakeReporter{}
	m := NewManager(testConfig(), dial, reporter, logging.NewNop())

	_, err := m.Acquire(context.Background(), "acme")
	require.Error(t, err)
	m.Suspend("acme", err)

	// Backend still down: the probe dial fails and the tenant stays out.
	m.probeSuspended(context.Background())
	_, err = m.Acquire(context.Background(), "acme")
	assert.True(t, common.HasErrorCode(err, common.ErrCodeTenantSuspended))

	mu.Lock()
	dialErr = nil
	mu.Unlock()

	m.probeSuspended(context.Background())
	assert.Equal(t, 1.0, reporter.get("acme"))

	conn, err := m.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestProbeReadmitsSuspendedTenant(t *testing.T) {
	repo := &fakeRepo{pingErr: assertErr{}}
	reporter := &fakeReporter{}
	m := NewManager(testConfig(), staticDial(repo), reporter, logging.NewNop())

	conn, err := m.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	m.Suspend("acme", assertErr{})

	// Backend still down: probe leaves the tenant suspended.
	m.probeSuspended(context.Background())
	assert.Equal(t, Suspended, conn.Health())

	repo.setPingErr(nil)
	m.probeSuspended(context.Background())
	assert.Equal(t, Healthy, conn.Health())
	assert.Equal(t, 1.0, reporter.get("acme"))

	_, err = m.Acquire(context.Background(), "acme")
	assert.NoError(t, err)
}

func TestEvictIdleClosesUnusedConnections(t *testing.T) {
	repo := &fakeRepo{}
	cfg := testConfig()
	cfg.IdleEviction = time.Minute
	m := NewManager(cfg, staticDial(repo), nil, logging.NewNop())

	conn, err := m.Acquire(context.Background(), "acme")
	require.NoError(t, err)

	conn.mu.Lock()
	conn.lastUsed = time.Now().Add(-2 * time.Minute)
	conn.mu.Unlock()

	m.evictIdle(context.Background())
	assert.True(t, repo.isClosed())

	// The tenant redials on next use.
	_, err = m.Acquire(context.Background(), "acme")
	assert.NoError(t, err)
}

func TestEvictIdleSkipsSuspendedConnections(t *testing.T) {
	repo := &fakeRepo{}
	cfg := testConfig()
	cfg.IdleEviction = time.Minute
	m := NewManager(cfg, staticDial(repo), nil, logging.NewNop())

	conn, err := m.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	m.Suspend("acme", assertErr{})

	conn.mu.Lock()
	conn.lastUsed = time.Now().Add(-2 * time.Minute)
	conn.mu.Unlock()

	m.evictIdle(context.Background())
	assert.False(t, repo.isClosed(), "suspended connections stay for the probe loop")
}

func TestCloseClosesAllConnections(t *testing.T) {
	repoA := &fakeRepo{}
	repoB := &fakeRepo{}
	repos := map[string]*fakeRepo{"a": repoA, "b": repoB}
	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		return repos[tenantID], nil
	}

	m := NewManager(testConfig(), dial, nil, logging.NewNop())
	_, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	assert.True(t, repoA.isClosed())
	assert.True(t, repoB.isClosed())
}

func staticDial(repo repository.HeartbeatRepository) DialFunc {
	return func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		return repo, nil
	}
}
