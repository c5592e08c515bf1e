package delivery

import (
	"context"
	"sync"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mikhailov/birthday-engine/internal/queue"
)

type jobConsumer interface {
	Consume(ctx context.Context, out chan<- queue.Job, strategy retry.Strategy) error
}

type jobHandler interface {
	HandleJob(ctx context.Context, job queue.Job) error
}

// Pool runs concurrency Delivery Workers pulling jobs off a Dispatcher,
// the same run-and-fan-out shape as the teacher's worker.Notifier.
type Pool struct {
	consumer    jobConsumer
	handler     jobHandler
	concurrency int
}

// NewPool constructs a Pool of concurrency goroutines.
func NewPool(consumer jobConsumer, handler jobHandler, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Pool{consumer: consumer, handler: handler, concurrency: concurrency}
}

// Run blocks until ctx is cancelled. Jobs already in flight are given a
// chance to finish before Run returns, matching spec §5's graceful
// shutdown requirement.
func (p *Pool) Run(ctx context.Context, strategy retry.Strategy) {
	var wg sync.WaitGroup
	jobs := make(chan queue.Job, p.concurrency*10)

	go func() {
		if err := p.consumer.Consume(ctx, jobs, strategy); err != nil {
			zlog.Logger.Error().Err(err).Msg("dispatcher consume loop exited")
		}
	}()

	wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func(id int) {
			defer wg.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					if err := p.handler.HandleJob(ctx, job); err != nil {
						// HandleJob only returns an error when its own state
						// transition or requeue failed, not for an ordinary
						// retriable delivery failure (that path requeues
						// internally and returns nil). The message is
						// dropped here; the transport's own redelivery, if
						// any, is the fallback.
						zlog.Logger.Error().Err(err).Str("job_id", job.ID).Int("worker", id).Msg("job handling failed")
					}
				}
			}
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
}
