// Package messaging contains the Kafka consumer coordinator, the offset
// tracker and the dead-letter producer.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/semaphore"

	"github.com/fleetdata/heartbeat-ingest/config"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

// ErrBrokerUnreachable is returned when the consumer exhausts its connect
// retry budget. The process must exit non-zero on it; a consumer with no log
// has nothing left to do.
var ErrBrokerUnreachable = errors.New("kafka brokers unreachable after retries")

// Disposition tells the coordinator what to do with a message's offset.
type Disposition int

const (
	// DispositionCommit marks the message terminal; its offset may be
	// committed once everything below it is terminal too.
	DispositionCommit Disposition = iota

	// DispositionHold leaves the offset uncommitted, for messages whose
	// processing was cut short by shutdown or rebalance.
	DispositionHold
)

// Handler processes one fetched message to a terminal outcome.
type Handler interface {
	Handle(ctx context.Context, msg kafka.Message) Disposition
}

// ConsumerMetrics is the slice of the metrics surface the coordinator feeds.
type ConsumerMetrics interface {
	SetAssignedPartitions(count int)
	SetConsumerLag(partition int, lag int64)
	SetLastMessageTimestamp(partition int, ts time.Time)
	ObserveProcessingDuration(topic string, duration time.Duration)
}

// Coordinator runs the consumer group membership loop. Each generation it
// receives an explicit partition assignment, consumes every assigned
// partition with its own reader, fans messages out to a bounded worker pool,
// and commits offsets only up to the contiguous-done point.
type Coordinator struct {
	config  config.KafkaConfig
	handler Handler
	metrics ConsumerMetrics
	logger  *logging.Logger

	group *kafka.ConsumerGroup

	// workers bounds in-flight message processing across all partitions.
	workers *semaphore.Weighted
}

// NewCoordinator creates the consumer coordinator.
func NewCoordinator(cfg config.KafkaConfig, workerPoolSize int, handler Handler, metrics ConsumerMetrics, logger *logging.Logger) (*Coordinator, error) {
	startOffset := kafka.LastOffset
	if cfg.StartOffset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:                cfg.ConsumerGroup,
		Brokers:           cfg.BrokerList(),
		Topics:            []string{cfg.Topic},
		StartOffset:       startOffset,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RebalanceTimeout:  cfg.RebalanceTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Coordinator{
		config:  cfg,
		handler: handler,
		metrics: metrics,
		logger:  logger.WithComponent("kafka-consumer"),
		group:   group,
		workers: semaphore.NewWeighted(int64(workerPoolSize)),
	}, nil
}

// Run drives the membership loop until ctx is canceled or the brokers stay
// unreachable past the connect retry budget.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.group.Close()

	failures := 0
	for {
		gen, err := c.group.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}

			failures++
			if failures > c.config.ConnectMaxRetries {
				c.logger.Error("consumer group join failed, retries exhausted",
					logging.Int("attempts", failures),
					logging.Error(err),
				)
				return fmt.Errorf("%w: %v", ErrBrokerUnreachable, err)
			}
			c.logger.Warn("consumer group join failed, backing off",
				logging.Int("attempt", failures),
				logging.Int("max_attempts", c.config.ConnectMaxRetries),
				logging.Duration("backoff", c.config.ConnectBackoff),
				logging.Error(err),
			)
			select {
			case <-time.After(c.config.ConnectBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		failures = 0

		c.startGeneration(gen)
	}
}

// startGeneration launches one consume loop per assigned partition. The
// group's Next call blocks until the generation ends, so the loops started
// here run until the next rebalance or shutdown.
func (c *Coordinator) startGeneration(gen *kafka.Generation) {
	assignments := gen.Assignments[c.config.Topic]

	partitions := make([]int, 0, len(assignments))
	for _, a := range assignments {
		partitions = append(partitions, a.ID)
	}
	c.logger.Info("partition assignment received",
		logging.Any("generation_id", gen.ID),
		logging.String("member_id", gen.MemberID),
		logging.Any("partitions", partitions),
	)
	c.metrics.SetAssignedPartitions(len(assignments))

	for _, assignment := range assignments {
		assignment := assignment
		gen.Start(func(ctx context.Context) {
			c.consumePartition(ctx, gen, assignment)
		})
	}
}

// consumePartition fetches from one partition and fans out to the shared
// worker pool. The generation context is canceled when the partition is
// revoked; in-flight work is drained and the last safe offset committed
// before the loop returns.
func (c *Coordinator) consumePartition(ctx context.Context, gen *kafka.Generation, assignment kafka.PartitionAssignment) {
	partition := assignment.ID
	log := c.logger.WithFields(logging.Int("partition", partition))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   c.config.BrokerList(),
		Topic:     c.config.Topic,
		Partition: partition,
		MinBytes:  c.config.MinBytes,
		MaxBytes:  c.config.MaxBytes,
		MaxWait:   c.config.MaxWait,
	})
	defer reader.Close()

	if err := reader.SetOffset(assignment.Offset); err != nil {
		log.Error("failed to seek partition reader", logging.Error(err))
		return
	}

	var (
		tracker *offsetTracker
		workers sync.WaitGroup
	)

	// Drain before the final commit: a commit promises everything below it
	// is terminal, and workers may still be writing.
	defer func() {
		workers.Wait()
		if tracker != nil {
			c.flushCommits(gen, partition, tracker, log)
		}
		log.Info("partition released")
	}()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			// Returning ends the generation (Generation.Start stops the
			// generation when any started function exits), so a fetch
			// failure forces the group to re-form and re-assign the
			// partition rather than leaving it idle.
			if ctx.Err() == nil {
				log.Warn("partition fetch failed, ending generation", logging.Error(err))
			}
			return
		}

		if tracker == nil {
			tracker = newOffsetTracker(msg.Offset)
			go c.commitLoop(ctx, gen, partition, tracker, log)
		}

		c.metrics.SetLastMessageTimestamp(partition, msg.Time)
		c.metrics.SetConsumerLag(partition, reader.Lag())

		if err := c.workers.Acquire(ctx, 1); err != nil {
			return
		}
		workers.Add(1)
		go func(msg kafka.Message) {
			defer workers.Done()
			defer c.workers.Release(1)

			start := time.Now()
			disposition := c.handler.Handle(ctx, msg)
			c.metrics.ObserveProcessingDuration(msg.Topic, time.Since(start))

			if disposition == DispositionCommit {
				tracker.MarkDone(msg.Offset)
				if tracker.Pending() >= c.config.CommitBatchSize {
					c.flushCommits(gen, partition, tracker, log)
				}
			}
		}(msg)
	}
}

// commitLoop periodically commits the partition's contiguous-done offset.
func (c *Coordinator) commitLoop(ctx context.Context, gen *kafka.Generation, partition int, tracker *offsetTracker, log *logging.Logger) {
	ticker := time.NewTicker(c.config.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushCommits(gen, partition, tracker, log)
		}
	}
}

// flushCommits commits the tracker's current safe offset if it has advanced.
// A failed commit is not retried here; the offset is re-offered on the next
// flush and at worst the messages replay, which the storage upsert absorbs.
func (c *Coordinator) flushCommits(gen *kafka.Generation, partition int, tracker *offsetTracker, log *logging.Logger) {
	offset, ok := tracker.Committable()
	if !ok {
		return
	}

	err := gen.CommitOffsets(map[string]map[int]int64{
		c.config.Topic: {partition: offset},
	})
	if err != nil {
		log.Warn("offset commit failed",
			logging.Int64("offset", offset),
			logging.Error(err),
		)
		return
	}
	tracker.MarkCommitted(offset)
	log.Debug("offsets committed", logging.Int64("offset", offset))
}

// Close leaves the consumer group.
func (c *Coordinator) Close() error {
	return c.group.Close()
}
