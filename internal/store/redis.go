package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailpipe/internal/config"
	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/pkg/metrics"
	"mailpipe/pkg/models"
)

// RedisStore is the durable buffer shared by every pipeline component:
// FIFO queues with leased in-flight entries, dead-letter lists, the
// processed set, and the persisted subscription state.
//
// Layout per queue: a ready list (LPUSH/BLMOVE for FIFO), a processing
// list holding leased values, and a lease ZSET scoring each in-flight
// value with its redelivery deadline. A pending set keyed by record id
// makes admission idempotent across the two ingestion adapters.
type RedisStore struct {
	client *redis.Client
	cfg    config.QueueConfig
	logger logger.Logger
}

func NewRedisStore(client *redis.Client, cfg config.QueueConfig, log logger.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		cfg:    cfg,
		logger: log,
	}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Enqueue admits item into queue. The pending-set SADD doubles as the
// exactly-once admission guard: a record already queued or in flight
// comes back as ErrDuplicate.
func (s *RedisStore) Enqueue(ctx context.Context, queue string, item *Item) error {
	depth, err := s.client.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return fmt.Errorf("queue %s depth check: %w", queue, err)
	}
	if depth >= s.cfg.MaxDepth {
		return ErrQueueFull
	}

	added, err := s.client.SAdd(ctx, pendingKey(queue), item.ID).Result()
	if err != nil {
		return fmt.Errorf("queue %s admission: %w", queue, err)
	}
	if added == 0 {
		return ErrDuplicate
	}

	raw, err := item.marshal()
	if err != nil {
		s.client.SRem(ctx, pendingKey(queue), item.ID)
		return fmt.Errorf("queue %s marshal item %s: %w", queue, item.ID, err)
	}

	if err := s.client.LPush(ctx, queueKey(queue), raw).Err(); err != nil {
		s.client.SRem(ctx, pendingKey(queue), item.ID)
		return fmt.Errorf("queue %s enqueue: %w", queue, err)
	}

	return nil
}

// Dequeue blocks up to timeout for the next item, moving it atomically
// to the processing list and opening a redelivery lease.
func (s *RedisStore) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Item, error) {
	raw, err := s.client.BLMove(ctx, queueKey(queue), processingKey(queue), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s dequeue: %w", queue, err)
	}

	item, err := unmarshalItem(raw)
	if err != nil {
		// Unparseable entries cannot be leased or acked; park them.
		s.logger.Errorw("Dropping unparseable queue entry to dead-letter list",
			"queue", queue,
			"error", err,
		)
		s.client.LRem(ctx, processingKey(queue), 1, raw)
		s.client.LPush(ctx, deadKey(queue), raw)
		return nil, ErrEmpty
	}

	deadline := time.Now().Add(s.cfg.LeaseDuration)
	if err := s.client.ZAdd(ctx, leaseKey(queue), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return nil, fmt.Errorf("queue %s lease: %w", queue, err)
	}

	return item, nil
}

// ExtendLease pushes the redelivery deadline of an in-flight item.
func (s *RedisStore) ExtendLease(ctx context.Context, queue string, item *Item, d time.Duration) error {
	deadline := time.Now().Add(d)
	return s.client.ZAddXX(ctx, leaseKey(queue), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: item.Raw(),
	}).Err()
}

// Ack removes a delivered item from the processing list, its lease,
// and the admission set.
func (s *RedisStore) Ack(ctx context.Context, queue string, item *Item) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, item.Raw())
	pipe.ZRem(ctx, leaseKey(queue), item.Raw())
	pipe.SRem(ctx, pendingKey(queue), item.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s ack %s: %w", queue, item.ID, err)
	}
	return nil
}

// Requeue returns an in-flight item for redelivery, or dead-letters it
// once the redelivery budget is spent.
func (s *RedisStore) Requeue(ctx context.Context, queue string, item *Item) error {
	if item.Attempts+1 >= s.cfg.MaxDeliveries {
		return s.Deadletter(ctx, queue, item, constants.DeadLetterReasonRedelivery)
	}

	oldRaw := item.Raw()
	item.Attempts++
	raw, err := item.marshal()
	if err != nil {
		return fmt.Errorf("queue %s requeue marshal %s: %w", queue, item.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, oldRaw)
	pipe.ZRem(ctx, leaseKey(queue), oldRaw)
	// RPUSH puts the redelivery at the consumer end of the list.
	pipe.RPush(ctx, queueKey(queue), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s requeue %s: %w", queue, item.ID, err)
	}
	return nil
}

// Deadletter moves an item to the queue's dead-letter list, keeping it
// for inspection and replay.
func (s *RedisStore) Deadletter(ctx context.Context, queue string, item *Item, reason string) error {
	entry := DeadLetter{
		Item:     item,
		Queue:    queue,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue %s deadletter marshal %s: %w", queue, item.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, processingKey(queue), 1, item.Raw())
	pipe.ZRem(ctx, leaseKey(queue), item.Raw())
	pipe.SRem(ctx, pendingKey(queue), item.ID)
	pipe.LPush(ctx, deadKey(queue), body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s deadletter %s: %w", queue, item.ID, err)
	}

	metrics.DeadletteredTotal.WithLabelValues(queue, reason).Inc()
	return nil
}

// ReapExpiredLeases redelivers every item whose lease deadline has
// passed. Run periodically; gives the at-least-once guarantee after a
// worker crash.
func (s *RedisStore) ReapExpiredLeases(ctx context.Context, queue string) (int, error) {
	now := float64(time.Now().UnixMilli())
	expired, err := s.client.ZRangeByScore(ctx, leaseKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s lease scan: %w", queue, err)
	}

	reaped := 0
	for _, raw := range expired {
		item, err := unmarshalItem(raw)
		if err != nil {
			s.client.ZRem(ctx, leaseKey(queue), raw)
			s.client.LRem(ctx, processingKey(queue), 1, raw)
			s.client.LPush(ctx, deadKey(queue), raw)
			continue
		}
		if err := s.Requeue(ctx, queue, item); err != nil {
			return reaped, err
		}
		reaped++
	}

	// A crash between the BLMOVE and the lease write leaves a
	// processing entry with no lease member, invisible to the expiry
	// scan above. Open a fresh lease so the normal path picks it up.
	inFlight, err := s.client.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return reaped, fmt.Errorf("queue %s processing scan: %w", queue, err)
	}
	deadline := float64(time.Now().Add(s.cfg.LeaseDuration).UnixMilli())
	for _, raw := range inFlight {
		if err := s.client.ZAddNX(ctx, leaseKey(queue), redis.Z{
			Score:  deadline,
			Member: raw,
		}).Err(); err != nil {
			return reaped, fmt.Errorf("queue %s lease repair: %w", queue, err)
		}
	}

	return reaped, nil
}

// IsProcessed reports whether the record id was durably confirmed as
// delivered downstream.
func (s *RedisStore) IsProcessed(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, processedKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("processed check %s: %w", id, err)
	}
	return ok, nil
}

// MarkProcessed adds record ids to the processed set. Called only after
// the downstream API confirmed the batch, never speculatively.
func (s *RedisStore) MarkProcessed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, processedKey, members...)
	pipe.Expire(ctx, processedKey, constants.ProcessedSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *RedisStore) ProcessedCount(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, processedKey).Result()
}

func (s *RedisStore) Depth(ctx context.Context, queue string) (int64, error) {
	return s.client.LLen(ctx, queueKey(queue)).Result()
}

func (s *RedisStore) ProcessingDepth(ctx context.Context, queue string) (int64, error) {
	return s.client.LLen(ctx, processingKey(queue)).Result()
}

func (s *RedisStore) DeadDepth(ctx context.Context, queue string) (int64, error) {
	return s.client.LLen(ctx, deadKey(queue)).Result()
}

// DeadLetters returns up to limit recent dead-letter entries.
func (s *RedisStore) DeadLetters(ctx context.Context, queue string, limit int64) ([]DeadLetter, error) {
	raws, err := s.client.LRange(ctx, deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s dead letters: %w", queue, err)
	}
	entries := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) IncrCounter(ctx context.Context, name string, delta int64) error {
	return s.client.IncrBy(ctx, counterKey(name), delta).Err()
}

func (s *RedisStore) Counter(ctx context.Context, name string) (int64, error) {
	val, err := s.client.Get(ctx, counterKey(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// SaveSubscription persists the push subscription state.
func (s *RedisStore) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, subscriptionKey, body, 0).Err(); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// LoadSubscription returns the persisted subscription, or nil when none
// was ever stored.
func (s *RedisStore) LoadSubscription(ctx context.Context) (*models.Subscription, error) {
	raw, err := s.client.Get(ctx, subscriptionKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	var sub models.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// StartLeaseReaper runs the redelivery sweep for the given queues until
// ctx is done.
func (s *RedisStore) StartLeaseReaper(ctx context.Context, queues ...string) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range queues {
				reaped, err := s.ReapExpiredLeases(ctx, queue)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.ErrorwCtx(ctx, "Lease reap failed",
						"queue", queue,
						"error", err,
					)
					continue
				}
				if reaped > 0 {
					s.logger.InfowCtx(ctx, "Redelivered expired leases",
						"queue", queue,
						"count", reaped,
					)
				}
			}
		}
	}
}

// UpdateDepthMetrics refreshes the queue depth gauges.
func (s *RedisStore) UpdateDepthMetrics(ctx context.Context, queues ...string) {
	for _, queue := range queues {
		if depth, err := s.Depth(ctx, queue); err == nil {
			metrics.SetQueueDepth(queue, "ready", depth)
		}
		if depth, err := s.ProcessingDepth(ctx, queue); err == nil {
			metrics.SetQueueDepth(queue, "processing", depth)
		}
		if depth, err := s.DeadDepth(ctx, queue); err == nil {
			metrics.SetQueueDepth(queue, "dead", depth)
		}
	}
}
