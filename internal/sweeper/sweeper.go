// Package sweeper is the Hourly Sweeper of spec §4.4: a single-instance
// periodic task that promotes today's due recipients into PENDING
// ScheduledSend records and hands due records to the Dispatcher.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mikhailov/birthday-engine/internal/clock"
	"github.com/mikhailov/birthday-engine/internal/model"
	"github.com/mikhailov/birthday-engine/internal/queue"
	"github.com/mikhailov/birthday-engine/internal/repository/schedule"
)

// lockKey namespaces the Redis lock that keeps only one Sweeper instance
// active across a deployment (spec §4.9's "single coordinator" note).
// Correctness does not depend on the lock: every write it guards is
// itself idempotent.
const lockKey = "birthday:sweeper:lock"

type scheduleStore interface {
	CreateIfAbsent(ctx context.Context, record model.ScheduledSend) (model.ScheduledSend, error)
	FindByKey(ctx context.Context, key string) (model.ScheduledSend, error)
	FindPendingForLocalDate(ctx context.Context, date string) ([]model.ScheduledSend, error)
	FindDue(ctx context.Context, cutoffUTC sql.NullTime, maxAttempts int) ([]model.ScheduledSend, error)
	Transition(ctx context.Context, id uuid.UUID, newStatus model.Status, errMessage *string) (model.ScheduledSend, error)
}

type recipientLister interface {
	FindAllLive(ctx context.Context) ([]model.Recipient, error)
}

type dispatcher interface {
	Exists(ctx context.Context, id string, strategy retry.Strategy) (bool, error)
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration, strategy retry.Strategy) error
}

type locker interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// Summary reports the outcome of one sweep, matching spec §4.4's exact
// shape.
type Summary struct {
	Total                int
	Queued               int
	SkippedNotDue        int
	SkippedAlreadyQueued int
	Failed               []string
}

// Sweeper drives the promote-then-dispatch cycle described in spec §4.4.
type Sweeper struct {
	schedules   scheduleStore
	recipients  recipientLister
	dispatcher  dispatcher
	lock        locker
	sendHour    int
	maxAttempts int
	instanceID  string
	cronRunner  *cron.Cron
	nowFunc     func() time.Time
}

// New constructs a Sweeper. instanceID identifies this process for the
// distributed lock; any unique string (hostname, pod name) works. maxAttempts
// bounds the FAILED-but-recoverable window FindDue sweeps back in (spec
// §4.2's restart safety net) and must match the Delivery Worker's own
// MaxAttempts, or a record could be recovered here after the Worker has
// already given up on it.
func New(schedules scheduleStore, recipients recipientLister, dispatcher dispatcher, lock locker, sendHour, maxAttempts int, instanceID string) *Sweeper {
	return &Sweeper{
		schedules:   schedules,
		recipients:  recipients,
		dispatcher:  dispatcher,
		lock:        lock,
		sendHour:    sendHour,
		maxAttempts: maxAttempts,
		instanceID:  instanceID,
		nowFunc:     time.Now,
	}
}

// Start schedules Sweep to run at minute 0 of every hour, per spec §4.4,
// using robfig/cron the way the teacher schedules its reminder job. Start
// also runs one sweep immediately, which is what gives the engine its
// recovery-after-downtime property (spec §4.4, §8 property 6): PENDING
// records left over from an outage have scheduled_for already in the past
// and are queued on this first pass.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cronRunner = cron.New()

	if _, err := s.cronRunner.AddFunc("0 * * * *", func() {
		if _, err := s.Sweep(ctx, false); err != nil {
			zlog.Logger.Error().Err(err).Msg("hourly sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule hourly sweep: %w", err)
	}

	s.cronRunner.Start()

	go func() {
		if _, err := s.Sweep(ctx, false); err != nil {
			zlog.Logger.Error().Err(err).Msg("startup sweep failed")
		}
	}()

	return nil
}

// Stop halts the cron schedule. It does not cancel an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cronRunner != nil {
		s.cronRunner.Stop()
	}
}

// Sweep runs one promote-then-dispatch cycle. force bypasses the
// scheduled_for <= now check in the dispatch phase, matching the Manual
// Trigger's semantics (spec §4.7).
func (s *Sweeper) Sweep(ctx context.Context, force bool) (Summary, error) {
	acquired, err := s.acquireLock(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("acquire sweeper lock: %w", err)
	}
	if !acquired {
		zlog.Logger.Debug().Msg("another sweeper instance holds the lock, skipping this tick")
		return Summary{}, nil
	}
	defer s.releaseLock(ctx)

	if err := s.promote(ctx); err != nil {
		zlog.Logger.Error().Err(err).Msg("promote phase failed")
	}

	return s.dispatch(ctx, force)
}

// promote implements spec §4.4 step 1: enumerate live recipients, find
// those whose birthday falls today in their own timezone, and ensure a
// PENDING ScheduledSend record exists for each.
func (s *Sweeper) promote(ctx context.Context) error {
	recipients, err := s.recipients.FindAllLive(ctx)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	now := s.nowFunc()

	for _, rec := range recipients {
		localDate, utcInstant, err := clock.NextOccurrence(rec.BirthDate.Month(), rec.BirthDate.Day(), rec.Timezone, now, s.sendHour)
		if err != nil {
			zlog.Logger.Warn().Err(err).Str("recipient_id", rec.ID).Msg("failed to compute occurrence during promote")
			continue
		}

		todayLocal, err := todayInZone(now, rec.Timezone)
		if err != nil {
			zlog.Logger.Warn().Err(err).Str("recipient_id", rec.ID).Msg("failed to resolve recipient timezone during promote")
			continue
		}

		if !localDate.Equal(todayLocal) {
			continue
		}

		key := model.IdempotencyKeyFor(rec.ID, model.MessageTypeBirthday, localDate)

		existing, err := s.schedules.FindByKey(ctx, key)
		switch {
		case err == nil:
			if existing.Status == model.StatusUnprocessed {
				if _, terr := s.schedules.Transition(ctx, existing.ID, model.StatusPending, nil); terr != nil {
					zlog.Logger.Warn().Err(terr).Str("key", key).Msg("failed to promote record to pending")
				}
			}
		case errors.Is(err, schedule.ErrNotFound):
			created, cerr := s.schedules.CreateIfAbsent(ctx, model.ScheduledSend{
				RecipientID:    rec.ID,
				MessageType:    model.MessageTypeBirthday,
				ScheduledDate:  localDate,
				ScheduledFor:   utcInstant,
				IdempotencyKey: key,
				Status:         model.StatusPending,
			})
			if cerr != nil {
				zlog.Logger.Warn().Err(cerr).Str("key", key).Msg("failed to create record during promote")
				continue
			}
			if created.Status == model.StatusUnprocessed {
				if _, terr := s.schedules.Transition(ctx, created.ID, model.StatusPending, nil); terr != nil {
					zlog.Logger.Warn().Err(terr).Str("key", key).Msg("failed to promote newly created record")
				}
			}
		default:
			zlog.Logger.Warn().Err(err).Str("key", key).Msg("failed to look up record during promote")
		}
	}

	return nil
}

// dispatch implements spec §4.4 step 2, extended with the FindDue recovery
// pass of spec §4.2/§8 property 6: FindPendingForLocalDate alone only ever
// re-examines today's PENDING records, so a record parked in RETRYING (or
// FAILED short of maxAttempts) from a prior local date would never be
// re-dispatched without this second query merged in.
func (s *Sweeper) dispatch(ctx context.Context, force bool) (Summary, error) {
	now := s.nowFunc()
	// today_local is approximated as the UTC calendar date. A PENDING
	// record whose scheduled_for has passed is still picked up through
	// FindDue below, whatever its date; a not-yet-due record whose local
	// date differs from the UTC date is not seen here (so not counted in
	// SkippedNotDue, nor sent under force) until the UTC date matches.
	today := now.Format("2006-01-02")

	pending, err := s.schedules.FindPendingForLocalDate(ctx, today)
	if err != nil {
		return Summary{}, fmt.Errorf("find pending records: %w", err)
	}

	due, err := s.schedules.FindDue(ctx, sql.NullTime{Time: now, Valid: true}, s.maxAttempts)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("find due records failed, continuing with today's pending records only")
		due = nil
	}

	records := mergeByID(pending, due)
	summary := Summary{Total: len(records)}

	for _, record := range records {
		if !force && record.ScheduledFor.After(now) {
			summary.SkippedNotDue++
			continue
		}

		exists, err := s.dispatcher.Exists(ctx, record.IdempotencyKey, retry.Strategy{Attempts: 1})
		if err != nil {
			summary.Failed = append(summary.Failed, record.IdempotencyKey)
			continue
		}
		if exists {
			summary.SkippedAlreadyQueued++
			continue
		}

		job := queue.Job{
			ID:           record.IdempotencyKey,
			RecipientID:  record.RecipientID,
			ScheduledFor: record.ScheduledFor,
		}
		if err := s.dispatcher.Enqueue(ctx, job, 0, retry.Strategy{Attempts: 3}); err != nil {
			summary.Failed = append(summary.Failed, record.IdempotencyKey)
			continue
		}

		summary.Queued++
	}

	return summary, nil
}

// mergeByID unions sets of records by ID, keeping the first occurrence of
// each so a record present in both sets is only dispatched once.
func mergeByID(sets ...[]model.ScheduledSend) []model.ScheduledSend {
	seen := make(map[uuid.UUID]struct{})
	var merged []model.ScheduledSend
	for _, set := range sets {
		for _, record := range set {
			if _, ok := seen[record.ID]; ok {
				continue
			}
			seen[record.ID] = struct{}{}
			merged = append(merged, record)
		}
	}
	return merged
}

func (s *Sweeper) acquireLock(ctx context.Context) (bool, error) {
	existing, err := s.lock.GetWithRetry(ctx, retry.Strategy{Attempts: 1}, lockKey)
	if err == nil && existing != "" && existing != s.instanceID {
		return false, nil
	}

	if err := s.lock.SetWithRetry(ctx, retry.Strategy{Attempts: 1}, lockKey, s.instanceID); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Sweeper) releaseLock(ctx context.Context) {
	if err := s.lock.SetWithRetry(ctx, retry.Strategy{Attempts: 1}, lockKey, ""); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to release sweeper lock")
	}
}

func todayInZone(now time.Time, tz string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	nowLocal := now.In(loc)
	y, m, d := nowLocal.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
}
