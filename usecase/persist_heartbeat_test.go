package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdata/heartbeat-ingest/domain/entity"
	"github.com/fleetdata/heartbeat-ingest/domain/processor"
	"github.com/fleetdata/heartbeat-ingest/domain/repository"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/messaging"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/retry"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/tenant"
	"github.com/fleetdata/heartbeat-ingest/pkg/common"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

type stubRepo struct {
	mu       sync.Mutex
	failures int // transient failures to return before succeeding
	err      error
	upserts  int
}

func (r *stubRepo) Upsert(ctx context.Context, hb *entity.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.err != nil {
		return r.err
	}
	if r.failures > 0 {
		r.failures--
		return common.ErrDatabaseConnection(errors.New("connection reset"))
	}
	return nil
}

func (r *stubRepo) Ping(ctx context.Context) error  { return nil }
func (r *stubRepo) Close(ctx context.Context) error { return nil }

func (r *stubRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

type stubDLQ struct {
	mu      sync.Mutex
	err     error
	reasons []string
}

func (d *stubDLQ) Publish(ctx context.Context, original kafka.Message, reason string, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reasons = append(d.reasons, reason)
	return nil
}

type stubAssets struct {
	mu  sync.Mutex
	err error
	set []*entity.Heartbeat
}

func (a *stubAssets) SetLatest(ctx context.Context, hb *entity.Heartbeat) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.set = append(a.set, hb)
	return nil
}

func (a *stubAssets) Close() error { return nil }

type stubMetrics struct {
	mu          sync.Mutex
	processed   map[string]int
	errs        map[string]int
	retries     map[string]int
	deadLetters map[string]int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{
		processed:   make(map[string]int),
		errs:        make(map[string]int),
		retries:     make(map[string]int),
		deadLetters: make(map[string]int),
	}
}

func (m *stubMetrics) MessageProcessed(tenant string) { m.mu.Lock(); m.processed[tenant]++; m.mu.Unlock() }
func (m *stubMetrics) ProcessingError(reason string)  { m.mu.Lock(); m.errs[reason]++; m.mu.Unlock() }
func (m *stubMetrics) StorageRetry(tenant string)     { m.mu.Lock(); m.retries[tenant]++; m.mu.Unlock() }
func (m *stubMetrics) DeadLetter(reason string)       { m.mu.Lock(); m.deadLetters[reason]++; m.mu.Unlock() }

type fixture struct {
	pipeline *PersistHeartbeat
	repo     *stubRepo
	dlq      *stubDLQ
	assets   *stubAssets
	metrics  *stubMetrics
	tenants  *tenant.Manager
}

func newFixture(t *testing.T, repo *stubRepo) *fixture {
	t.Helper()

	dlq := &stubDLQ{}
	assets := &stubAssets{}
	metrics := newStubMetrics()

	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		if tenantID == "ghost" {
			return nil, common.ErrTenantUnknown(tenantID)
		}
		return repo, nil
	}
	tenants := tenant.NewManager(tenant.Config{DegradedThreshold: 3}, dial, nil, logging.NewNop())

	retrier := retry.NewController(retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Jitter:      0,
	}, logging.NewNop())

	return &fixture{
		pipeline: NewPersistHeartbeat(processor.New(), tenants, retrier, dlq, assets, metrics, logging.NewNop()),
		repo:     repo,
		dlq:      dlq,
		assets:   assets,
		metrics:  metrics,
		tenants:  tenants,
	}
}

func message(payload string) kafka.Message {
	return kafka.Message{
		Topic:     "telematics.raw.telematics_heartbeat",
		Partition: 0,
		Offset:    42,
		Value:     []byte(payload),
	}
}

const validPayload = `{"id": "hb-1", "tenant_id": "acme", "asset_id": "truck-9", "timestamp": "2026-08-24T11:30:00Z", "status": "idle"}`

func TestHandlePersistsAndCommits(t *testing.T) {
	f := newFixture(t, &stubRepo{})

	disp := f.pipeline.Handle(context.Background(), message(validPayload))

	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, 1, f.repo.count())
	assert.Equal(t, 1, f.metrics.processed["acme"])

	require.Len(t, f.assets.set, 1)
	assert.Equal(t, "truck-9", f.assets.set[0].AssetID)
}

func TestHandlePoisonMessageDeadLetters(t *testing.T) {
	f := newFixture(t, &stubRepo{})

	disp := f.pipeline.Handle(context.Background(), message(`{"asset_id": "a1", "timestamp": "2026-08-24T11:30:00Z"}`))

	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, 0, f.repo.count())
	assert.Equal(t, []string{"no_tenant"}, f.dlq.reasons)
	assert.Equal(t, 1, f.metrics.errs["no_tenant"])
	assert.Equal(t, 1, f.metrics.deadLetters["no_tenant"])
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, &stubRepo{failures: 1})

	disp := f.pipeline.Handle(context.Background(), message(validPayload))

	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, 2, f.repo.count())
	assert.Equal(t, 1, f.metrics.retries["acme"])
	assert.Equal(t, 1, f.metrics.processed["acme"])
	assert.Empty(t, f.dlq.reasons)
}

func TestHandleExhaustionSuspendsTenant(t *testing.T) {
	repo := &stubRepo{err: common.ErrDatabaseConnection(errors.New("backend down"))}
	f := newFixture(t, repo)

	disp := f.pipeline.Handle(context.Background(), message(validPayload))

	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, []string{"tenant_suspended"}, f.dlq.reasons)
	assert.Equal(t, 1, f.metrics.errs["tenant_suspended"])

	// The tenant is now in failsafe: the next message skips storage
	// entirely and goes straight to the dead-letter topic.
	before := f.repo.count()
	disp = f.pipeline.Handle(context.Background(), message(validPayload))
	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, before, f.repo.count())
	assert.Equal(t, []string{"tenant_suspended", "tenant_suspended"}, f.dlq.reasons)
}

func TestHandleDialFailureExhaustionSuspendsTenant(t *testing.T) {
	// The tenant's backend is unreachable at dial time, so no connection
	// is ever established. Exhaustion must still suspend the tenant so the
	// next message short-circuits to the dead-letter path instead of
	// redialing through the full retry budget.
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return nil, common.ErrDatabaseConnection(errors.New("no route to host"))
	}

	dlq := &stubDLQ{}
	metrics := newStubMetrics()
	tenants := tenant.NewManager(tenant.Config{DegradedThreshold: 3}, dial, nil, logging.NewNop())
	retrier := retry.NewController(retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Jitter:      0,
	}, logging.NewNop())
	pipeline := NewPersistHeartbeat(processor.New(), tenants, retrier, dlq, nil, metrics, logging.NewNop())

	disp := pipeline.Handle(context.Background(), message(validPayload))
	require.Equal(t, messaging.DispositionCommit, disp)
	require.Equal(t, []string{"tenant_suspended"}, dlq.reasons)

	mu.Lock()
	dialsAfterFirst := dials
	mu.Unlock()

	disp = pipeline.Handle(context.Background(), message(validPayload))
	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, []string{"tenant_suspended", "tenant_suspended"}, dlq.reasons)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, dialsAfterFirst, dials, "a suspended tenant must not redial")
}

func TestHandleUnknownTenantDeadLetters(t *testing.T) {
	f := newFixture(t, &stubRepo{})

	payload := `{"id": "hb-2", "tenant_id": "ghost", "timestamp": "2026-08-24T11:30:00Z"}`
	disp := f.pipeline.Handle(context.Background(), message(payload))

	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, []string{"tenant_unknown"}, f.dlq.reasons)
	assert.Equal(t, 0, f.repo.count())
}

func TestHandleHoldsWhenDeadLetterFails(t *testing.T) {
	f := newFixture(t, &stubRepo{})
	f.dlq.err = errors.New("dlq broker down")

	disp := f.pipeline.Handle(context.Background(), message(`not json`))

	assert.Equal(t, messaging.DispositionHold, disp,
		"a message that reached neither storage nor the dead-letter topic must be redelivered")
	assert.Equal(t, 0, f.metrics.deadLetters["schema_invalid"])
}

func TestHandleAssetCacheFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, &stubRepo{})
	f.assets.err = errors.New("redis down")

	disp := f.pipeline.Handle(context.Background(), message(validPayload))

	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, 1, f.metrics.processed["acme"])
}

func TestHandleSuspendedTenantDoesNotBlockOthers(t *testing.T) {
	acmeRepo := &stubRepo{err: common.ErrDatabaseConnection(errors.New("backend down"))}
	betaRepo := &stubRepo{}
	repos := map[string]*stubRepo{"acme": acmeRepo, "beta": betaRepo}

	dlq := &stubDLQ{}
	metrics := newStubMetrics()
	dial := func(ctx context.Context, tenantID string) (repository.HeartbeatRepository, error) {
		return repos[tenantID], nil
	}
	tenants := tenant.NewManager(tenant.Config{DegradedThreshold: 3}, dial, nil, logging.NewNop())
	retrier := retry.NewController(retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Jitter:      0,
	}, logging.NewNop())
	pipeline := NewPersistHeartbeat(processor.New(), tenants, retrier, dlq, nil, metrics, logging.NewNop())

	// Exhaust acme's retries so it suspends.
	disp := pipeline.Handle(context.Background(), message(validPayload))
	require.Equal(t, messaging.DispositionCommit, disp)
	require.Equal(t, []string{"tenant_suspended"}, dlq.reasons)

	// beta keeps flowing to storage.
	betaPayload := `{"id": "hb-3", "tenant_id": "beta", "asset_id": "van-2", "timestamp": "2026-08-24T11:31:00Z"}`
	disp = pipeline.Handle(context.Background(), message(betaPayload))
	assert.Equal(t, messaging.DispositionCommit, disp)
	assert.Equal(t, 1, betaRepo.count())
	assert.Equal(t, 1, metrics.processed["beta"])
}

func TestHandleHoldsOnCanceledContext(t *testing.T) {
	repo := &stubRepo{err: common.ErrDatabaseConnection(errors.New("backend down"))}
	f := newFixture(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	disp := f.pipeline.Handle(ctx, message(validPayload))
	assert.Equal(t, messaging.DispositionHold, disp)
}
