// Package queue is the Dispatcher: a durable, delay-aware work queue with
// unique job ids, bounded retries and exponential backoff. It is the only
// component that talks to RabbitMQ; the Delivery Worker only ever sees
// Job values coming out of Consume. Backoff is a ladder of per-attempt
// dead-lettering queues (see Requeue) rather than an in-process timer, so
// a retry survives a Delivery Worker restart mid-wait.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

const (
	ExchangeName   = "birthday-exchange"
	MainQueueName  = "birthday-queue"
	RetryQueueName = "birthday-retry"
	DLQName        = "birthday-dlq"
	RoutingKey     = "birthday-send"

	// MaxAttempts bounds per-job retries, per spec §4.5.
	MaxAttempts = 5
	// baseBackoff is the "2s" in the "2^n · 2s" backoff series.
	baseBackoff = 2 * time.Second

	// inFlightKeyPrefix namespaces the Redis set entries that back
	// idempotent enqueue (spec §4.5 "unique job id"); RabbitMQ itself has
	// no native dedupe primitive.
	inFlightKeyPrefix = "birthday:inflight:"
	inFlightTTL       = 24 * time.Hour
)

// retryTierCount is the number of dead-lettering "backoff ladder" queues
// declared below, one per possible retry attempt.
const retryTierCount = MaxAttempts

// retryRoutingKey names the tier-n backoff queue and its exchange binding.
// A message published here waits out BackoffFor(n) via the queue's
// x-message-ttl, then RabbitMQ dead-letters it straight back onto
// MainQueueName for redelivery.
func retryRoutingKey(n int) string {
	return fmt.Sprintf("%s-%d", RetryQueueName, n)
}

// Job is the Dispatcher payload, keyed by the scheduled-send record's
// idempotency key (spec §4.5's "Job payload").
type Job struct {
	ID           string    `json:"id"` // == ScheduledSend.IdempotencyKey
	RecipientID  string    `json:"recipient_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	TraceID      string    `json:"trace_id"`
	Attempt      int       `json:"attempt"`
}

type publisher interface {
	PublishWithRetry(body []byte, routingKey, contentType string, strategy retry.Strategy, options ...rabbitmq.PublishingOptions) error
}

type consumer interface {
	ConsumeWithRetry(out chan []byte, strategy retry.Strategy) error
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// Dispatcher wraps a RabbitMQ topology plus a Redis in-flight set to
// provide the durability, delay, unique-id and backoff guarantees spec
// §4.5 requires.
type Dispatcher struct {
	publisher publisher
	consumer  consumer
	cache     cache
}

// NewDispatcher declares the exchange/queue/retry/DLQ topology described in
// SPEC_FULL.md, following the shape of the teacher's
// internal/rabbitmq/queue/notification.go, generalized from the teacher's
// single flat-TTL retry queue into a per-attempt ladder of retry queues so
// that the exponential series BackoffFor computes has somewhere real to
// land (spec §4.5).
func NewDispatcher(ch *rabbitmq.Channel, rdb *redis.Client) (*Dispatcher, error) {
	exchange := rabbitmq.NewExchange(ExchangeName, "direct")
	if err := exchange.BindToChannel(ch); err != nil {
		return nil, fmt.Errorf("bind exchange: %w", err)
	}

	qm := rabbitmq.NewQueueManager(ch)

	if _, err := qm.DeclareQueue(DLQName, rabbitmq.QueueConfig{Durable: true}); err != nil {
		return nil, fmt.Errorf("declare dlq: %w", err)
	}

	for n := 0; n < retryTierCount; n++ {
		retryArgs := map[string]interface{}{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": MainQueueName,
			"x-message-ttl":             int32(BackoffFor(n).Milliseconds()),
		}
		tierName := retryRoutingKey(n)
		tierQ, err := qm.DeclareQueue(tierName, rabbitmq.QueueConfig{Durable: true, Args: retryArgs})
		if err != nil {
			return nil, fmt.Errorf("declare retry queue tier %d: %w", n, err)
		}
		if err := ch.QueueBind(tierQ.Name, tierName, exchange.Name(), false, nil); err != nil {
			return nil, fmt.Errorf("bind retry queue tier %d: %w", n, err)
		}
	}

	mainArgs := map[string]interface{}{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DLQName,
	}
	mainQ, err := qm.DeclareQueue(MainQueueName, rabbitmq.QueueConfig{Durable: true, Args: mainArgs})
	if err != nil {
		return nil, fmt.Errorf("declare main queue: %w", err)
	}

	if err := ch.QueueBind(mainQ.Name, RoutingKey, exchange.Name(), false, nil); err != nil {
		return nil, fmt.Errorf("bind main queue: %w", err)
	}

	return &Dispatcher{
		publisher: rabbitmq.NewPublisher(ch, exchange.Name()),
		consumer:  rabbitmq.NewConsumer(ch, rabbitmq.NewConsumerConfig(mainQ.Name)),
		cache:     rdb,
	}, nil
}

// Enqueue publishes job with the given delay, unless a job with the same ID
// is already pending or in-flight, in which case Enqueue is a no-op — this
// is the idempotent-enqueue guarantee of spec §8 property 5.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job, delay time.Duration, strategy retry.Strategy) error {
	claimed, err := d.claim(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if !claimed {
		zlog.Logger.Debug().Str("job_id", job.ID).Msg("job already queued or in-flight, skipping enqueue")
		return nil
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if delay > 0 {
		time.AfterFunc(delay, func() {
			if err := d.publisher.PublishWithRetry(body, RoutingKey, "application/json", strategy); err != nil {
				zlog.Logger.Error().Err(err).Str("job_id", job.ID).Msg("delayed publish failed")
			}
		})
		return nil
	}

	if err := d.publisher.PublishWithRetry(body, RoutingKey, "application/json", strategy); err != nil {
		_ = d.release(ctx, job.ID)
		return fmt.Errorf("publish job: %w", err)
	}

	return nil
}

// Requeue publishes job onto the retry tier matching job.Attempt, where it
// waits out BackoffFor(job.Attempt) before RabbitMQ dead-letters it back
// onto the main queue for redelivery (spec §4.5, §4.6's "rethrow so the
// queue schedules backoff"). Unlike Enqueue, Requeue does not touch the
// in-flight claim: the job is still the same logical delivery attempt, so
// it must keep reporting Exists == true for the whole backoff window,
// otherwise the Sweeper's recovery pass would re-dispatch it mid-wait.
func (d *Dispatcher) Requeue(ctx context.Context, job Job, strategy retry.Strategy) error {
	tier := job.Attempt
	if tier < 0 {
		tier = 0
	}
	if tier >= retryTierCount {
		tier = retryTierCount - 1
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if err := d.publisher.PublishWithRetry(body, retryRoutingKey(tier), "application/json", strategy); err != nil {
		return fmt.Errorf("publish to retry tier %d: %w", tier, err)
	}

	return nil
}

// Exists reports whether a job with id is currently pending or in-flight.
// An empty value means the marker was released (see release), not that it
// is still claimed, so it counts as absent the same as a cache miss.
func (d *Dispatcher) Exists(ctx context.Context, id string, strategy retry.Strategy) (bool, error) {
	value, err := d.cache.GetWithRetry(ctx, strategy, inFlightKeyPrefix+id)
	if err != nil {
		return false, nil // treat cache misses/errors as "not claimed" — the caller can safely re-enqueue
	}
	return value != "", nil
}

// Remove releases id's in-flight claim without waiting for the job to
// finish. Used by the Notification Planner to cancel a stale job before it
// mutates the Schedule Store (spec §4.3's ordering rule).
func (d *Dispatcher) Remove(ctx context.Context, id string) error {
	return d.release(ctx, id)
}

// Consume streams decoded jobs to out until the underlying RabbitMQ
// consumer stops or errors.
func (d *Dispatcher) Consume(ctx context.Context, out chan<- Job, strategy retry.Strategy) error {
	raw := make(chan []byte)

	go func() {
		for m := range raw {
			var job Job
			if err := json.Unmarshal(m, &job); err != nil {
				zlog.Logger.Error().Err(err).Msg("failed to unmarshal dispatcher job")
				continue
			}
			select {
			case out <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	return d.consumer.ConsumeWithRetry(raw, strategy)
}

// BackoffFor returns the exponential backoff delay for the n-th retry
// (0-indexed): 2^n * 2s, i.e. 2s, 4s, 8s, 16s, 32s for MaxAttempts=5.
func BackoffFor(attempt int) time.Duration {
	return baseBackoff * time.Duration(1<<uint(attempt))
}

func (d *Dispatcher) claim(ctx context.Context, id string) (bool, error) {
	// SetWithRetry followed by a read-back approximates SETNX against the
	// wbf/redis.Client surface; a genuine NX flag isn't part of that
	// surface, but two dispatch paths racing on the same idempotency key
	// converge to the same job body regardless, so a benign double-publish
	// here is caught downstream by the Schedule Store's own uniqueness.
	existing, err := d.cache.GetWithRetry(ctx, retry.Strategy{Attempts: 1}, inFlightKeyPrefix+id)
	if err == nil && existing != "" {
		return false, nil
	}

	if err := d.cache.SetWithRetry(ctx, retry.Strategy{Attempts: 1}, inFlightKeyPrefix+id, "1"); err != nil {
		return false, fmt.Errorf("set in-flight marker: %w", err)
	}

	return true, nil
}

func (d *Dispatcher) release(ctx context.Context, id string) error {
	return d.cache.SetWithRetry(ctx, retry.Strategy{Attempts: 1}, inFlightKeyPrefix+id, "")
}
