// Package usecase wires the ingest pipeline: validate, route to the tenant's
// storage, persist under the retry policy, mirror live asset state.
package usecase

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/fleetdata/heartbeat-ingest/domain/entity"
	"github.com/fleetdata/heartbeat-ingest/domain/processor"
	"github.com/fleetdata/heartbeat-ingest/domain/repository"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/messaging"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/retry"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/tenant"
	"github.com/fleetdata/heartbeat-ingest/pkg/common"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

// Dead-letter reasons beyond the processor's poison reasons.
const (
	reasonTenantSuspended = "tenant_suspended"
	reasonTenantUnknown   = "tenant_unknown"
	reasonStorageRejected = "storage_rejected"
)

// IngestMetrics is the slice of the metrics surface the pipeline feeds.
type IngestMetrics interface {
	MessageProcessed(tenant string)
	ProcessingError(reason string)
	StorageRetry(tenant string)
	DeadLetter(reason string)
}

// DeadLetterer publishes undeliverable messages with failure context.
type DeadLetterer interface {
	Publish(ctx context.Context, original kafka.Message, reason string, cause error) error
}

// PersistHeartbeat handles one raw message end to end. It implements
// messaging.Handler; the coordinator calls it from the worker pool.
type PersistHeartbeat struct {
	processor *processor.Processor
	tenants   *tenant.Manager
	retrier   *retry.Controller
	dlq       DeadLetterer
	assets    repository.AssetStateStore
	metrics   IngestMetrics
	logger    *logging.Logger
}

// NewPersistHeartbeat creates the pipeline. assets may be nil when the live
// asset cache is disabled.
func NewPersistHeartbeat(
	proc *processor.Processor,
	tenants *tenant.Manager,
	retrier *retry.Controller,
	dlq DeadLetterer,
	assets repository.AssetStateStore,
	metrics IngestMetrics,
	logger *logging.Logger,
) *PersistHeartbeat {
	return &PersistHeartbeat{
		processor: proc,
		tenants:   tenants,
		retrier:   retrier,
		dlq:       dlq,
		assets:    assets,
		metrics:   metrics,
		logger:    logger.WithComponent("ingest"),
	}
}

// Handle processes one message to a terminal outcome. DispositionCommit means
// the message needs no further delivery: it was persisted, or it was
// dead-lettered with its failure context. DispositionHold means processing
// was interrupted and the message must be redelivered.
func (u *PersistHeartbeat) Handle(ctx context.Context, msg kafka.Message) messaging.Disposition {
	hb, poison := u.processor.Process(msg.Value)
	if poison != nil {
		u.metrics.ProcessingError(string(poison.Reason))
		u.logger.Warn("unprocessable message",
			logging.String("reason", string(poison.Reason)),
			logging.Int("partition", msg.Partition),
			logging.Int64("offset", msg.Offset),
		)
		return u.deadLetter(ctx, msg, string(poison.Reason), poison)
	}

	outcome := u.retrier.Execute(ctx, hb.TenantID, func(ctx context.Context) error {
		conn, err := u.tenants.Acquire(ctx, hb.TenantID)
		if err != nil {
			return err
		}
		return conn.Upsert(ctx, hb)
	}, func(attempt int) {
		u.metrics.StorageRetry(hb.TenantID)
	})

	switch outcome.Status {
	case retry.StatusSuccess:
		u.metrics.MessageProcessed(hb.TenantID)
		u.cacheAssetState(ctx, hb)
		return messaging.DispositionCommit

	case retry.StatusSuspended:
		u.tenants.Suspend(hb.TenantID, outcome.Err)
		u.metrics.ProcessingError(reasonTenantSuspended)
		return u.deadLetter(ctx, msg, reasonTenantSuspended, outcome.Err)

	case retry.StatusDropped:
		reason := reasonStorageRejected
		if common.HasErrorCode(outcome.Err, common.ErrCodeTenantUnknown) {
			reason = reasonTenantUnknown
		}
		u.metrics.ProcessingError(reason)
		return u.deadLetter(ctx, msg, reason, outcome.Err)

	default: // retry.StatusAborted
		return messaging.DispositionHold
	}
}

// deadLetter publishes the message to the dead-letter topic. A failed publish
// holds the offset so redelivery gets another chance; advancing past a
// message that reached neither storage nor the dead-letter topic would lose
// it.
func (u *PersistHeartbeat) deadLetter(ctx context.Context, msg kafka.Message, reason string, cause error) messaging.Disposition {
	if err := u.dlq.Publish(ctx, msg, reason, cause); err != nil {
		return messaging.DispositionHold
	}
	u.metrics.DeadLetter(reason)
	return messaging.DispositionCommit
}

// cacheAssetState mirrors the heartbeat into the live asset view. Best
// effort: the heartbeat is already durable, so a cache failure only logs.
func (u *PersistHeartbeat) cacheAssetState(ctx context.Context, hb *entity.Heartbeat) {
	if u.assets == nil {
		return
	}
	if err := u.assets.SetLatest(ctx, hb); err != nil {
		u.logger.Warn("failed to update live asset state",
			logging.String("tenant_id", hb.TenantID),
			logging.String("asset_id", hb.AssetID),
			logging.Error(err),
		)
	}
}
