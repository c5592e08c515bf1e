package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mikhailov/birthday-engine/internal/breaker"
	"github.com/mikhailov/birthday-engine/internal/model"
	"github.com/mikhailov/birthday-engine/internal/queue"
	"github.com/mikhailov/birthday-engine/internal/repository/schedule"
)

type scheduleStore interface {
	FindByKey(ctx context.Context, key string) (model.ScheduledSend, error)
	Transition(ctx context.Context, id uuid.UUID, newStatus model.Status, errMessage *string) (model.ScheduledSend, error)
}

type recipientStore interface {
	FindByID(ctx context.Context, id string) (model.Recipient, error)
}

type sender interface {
	Send(ctx context.Context, email, message string) (statusCode int, body []byte, err error)
}

type circuitBreaker interface {
	Execute(fn func() ([]byte, error)) ([]byte, error)
}

type dispatcher interface {
	Remove(ctx context.Context, id string) error
	Requeue(ctx context.Context, job queue.Job, strategy retry.Strategy) error
}

// Worker is the Delivery Worker of spec §4.6: it consumes Dispatcher jobs,
// renders the message, invokes the delivery endpoint through a circuit
// breaker, and commits the terminal (or retrying) state back to the
// Schedule Store.
type Worker struct {
	schedules   scheduleStore
	recipients  recipientStore
	client      sender
	breaker     circuitBreaker
	dispatcher  dispatcher
	maxAttempts int
}

// NewWorker constructs a Worker.
func NewWorker(schedules scheduleStore, recipients recipientStore, client sender, cb circuitBreaker, dispatcher dispatcher, maxAttempts int) *Worker {
	return &Worker{
		schedules:   schedules,
		recipients:  recipients,
		client:      client,
		breaker:     cb,
		dispatcher:  dispatcher,
		maxAttempts: maxAttempts,
	}
}

// HandleJob runs one Dispatcher job through to completion. A nil return
// always means "acknowledge the message, do not let the transport redeliver
// it" — a retriable failure is not signalled by returning an error, it is
// requeued explicitly onto the Dispatcher's backoff ladder (spec §4.6's
// "rethrow so the queue schedules backoff" is satisfied by that requeue,
// not by the transport's own nack/redeliver). HandleJob returns an error
// only when the ordinary terminal/retry bookkeeping itself failed, so the
// transport's own redelivery is the last-resort fallback for that case.
func (w *Worker) HandleJob(ctx context.Context, job queue.Job) error {
	record, err := w.schedules.FindByKey(ctx, job.ID)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			zlog.Logger.Error().Str("job_id", job.ID).Msg("scheduled send not found for job, dropping")
			return nil
		}
		return fmt.Errorf("look up scheduled send: %w", err)
	}

	if record.Status == model.StatusSent {
		zlog.Logger.Debug().Str("job_id", job.ID).Msg("scheduled send already sent, acknowledging duplicate job")
		w.release(ctx, job.ID)
		return nil
	}

	record, err = w.schedules.Transition(ctx, record.ID, model.StatusProcessing, nil)
	if err != nil {
		return fmt.Errorf("transition to processing: %w", err)
	}

	rec, err := w.recipients.FindByID(ctx, record.RecipientID)
	if err != nil || rec.IsDeleted() {
		msg := "recipient unavailable"
		_, ferr := w.schedules.Transition(ctx, record.ID, model.StatusFailed, &msg)
		if ferr != nil {
			return fmt.Errorf("transition to failed after missing recipient: %w", ferr)
		}
		w.release(ctx, job.ID)
		return nil
	}

	message := fmt.Sprintf("Hey, %s it's your birthday", rec.FullName())

	var statusCode int
	var transportErr error

	body, sendErr := w.breaker.Execute(func() ([]byte, error) {
		code, respBody, err := w.client.Send(ctx, rec.Email, message)
		statusCode = code
		if err != nil {
			transportErr = err
			return nil, err
		}
		if Classify(code) == OutcomeRetriable {
			// surface non-2xx/4xx as an error so the breaker counts it as
			// a failure for the window computation
			return respBody, fmt.Errorf("delivery endpoint returned status %d", code)
		}
		return respBody, nil
	})

	if errors.Is(sendErr, breaker.ErrOpen) {
		return w.retryOrFail(ctx, job, record, "circuit breaker open")
	}

	if transportErr != nil {
		// transport-level failure (timeout, connection refused, ...): the
		// call never produced a classifiable status code.
		return w.retryOrFail(ctx, job, record, transportErr.Error())
	}

	switch Classify(statusCode) {
	case OutcomeSuccess:
		if _, err := w.schedules.Transition(ctx, record.ID, model.StatusSent, nil); err != nil {
			return fmt.Errorf("transition to sent: %w", err)
		}
		return nil

	case OutcomePermanent:
		errMsg := string(body)
		if _, err := w.schedules.Transition(ctx, record.ID, model.StatusFailed, &errMsg); err != nil {
			return fmt.Errorf("transition to failed: %w", err)
		}
		w.release(ctx, job.ID)
		return nil

	default: // retriable
		return w.retryOrFail(ctx, job, record, string(body))
	}
}

// retryOrFail transitions record to RETRYING and republishes job onto the
// Dispatcher's backoff ladder, or transitions it to FAILED once maxAttempts
// is exhausted. Either branch is terminal from HandleJob's point of view: a
// nil return means the caller's job is fully accounted for, whether that
// means "will be redelivered later" or "given up on".
func (w *Worker) retryOrFail(ctx context.Context, job queue.Job, record model.ScheduledSend, reason string) error {
	// record.AttemptCount already counts the attempt that just failed: the
	// Schedule Store increments it on entry to PROCESSING.
	if record.AttemptCount >= w.maxAttempts {
		if _, err := w.schedules.Transition(ctx, record.ID, model.StatusFailed, &reason); err != nil {
			return fmt.Errorf("transition to failed after exhausting attempts: %w", err)
		}
		w.release(ctx, job.ID)
		return nil
	}

	updated, err := w.schedules.Transition(ctx, record.ID, model.StatusRetrying, &reason)
	if err != nil {
		return fmt.Errorf("transition to retrying: %w", err)
	}

	job.Attempt = updated.AttemptCount
	if err := w.dispatcher.Requeue(ctx, job, retry.Strategy{Attempts: 3}); err != nil {
		return fmt.Errorf("requeue for retry: %w", err)
	}

	return nil
}

// release drops the in-flight dedupe marker once a job ends without a fresh
// send: the record went FAILED, or it was already SENT by an earlier job. A
// job whose own send succeeds keeps its marker. release never blocks
// HandleJob's own outcome: a failure here just means the marker outlives the
// job, and the Sweeper counts that record as already queued.
func (w *Worker) release(ctx context.Context, id string) {
	if err := w.dispatcher.Remove(ctx, id); err != nil {
		zlog.Logger.Warn().Err(err).Str("job_id", id).Msg("failed to release in-flight claim")
	}
}
