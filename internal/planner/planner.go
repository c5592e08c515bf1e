// Package planner is the Notification Planner: it reacts to recipient
// lifecycle events published on the Event Bus and creates, adjusts or
// cancels ScheduledSend records accordingly (spec §4.3).
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mikhailov/birthday-engine/internal/clock"
	"github.com/mikhailov/birthday-engine/internal/eventbus"
	"github.com/mikhailov/birthday-engine/internal/model"
	"github.com/mikhailov/birthday-engine/internal/queue"
)

type scheduleStore interface {
	CreateIfAbsent(ctx context.Context, record model.ScheduledSend) (model.ScheduledSend, error)
	FindByKey(ctx context.Context, key string) (model.ScheduledSend, error)
	Transition(ctx context.Context, id uuid.UUID, newStatus model.Status, errMessage *string) (model.ScheduledSend, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, scheduledDate, scheduledFor interface{}) (model.ScheduledSend, error)
}

type dispatcher interface {
	Remove(ctx context.Context, id string) error
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration, strategy retry.Strategy) error
}

// MessageTypes lists the message types the Planner materializes per
// recipient-created event. Only "birthday" ships today; the slice exists
// so a second message type is a one-line addition (spec §3's "extensible"
// note).
var MessageTypes = []string{model.MessageTypeBirthday}

const lateRegistrationNote = "recipient created after scheduled send time; awaiting manual trigger"
const cancelledBirthdateChangeNote = "cancelled due to birthdate change"

// Planner wires itself to the Event Bus in New; callers do not invoke its
// methods directly except in tests.
type Planner struct {
	schedules  scheduleStore
	dispatcher dispatcher
	sendHour   int
	nowFunc    func() time.Time
}

// New constructs a Planner and subscribes it to RECIPIENT_CREATED and
// RECIPIENT_UPDATED on bus. RECIPIENT_DELETED requires no planning action
// per spec §3 ("not deleted on recipient soft-delete").
func New(bus *eventbus.Bus, schedules scheduleStore, dispatcher dispatcher, sendHour int) *Planner {
	p := &Planner{schedules: schedules, dispatcher: dispatcher, sendHour: sendHour, nowFunc: time.Now}

	bus.Subscribe(eventbus.RecipientCreated, p.onRecipientCreated)
	bus.Subscribe(eventbus.RecipientUpdated, p.onRecipientUpdated)

	return p
}

func (p *Planner) onRecipientCreated(ctx context.Context, event eventbus.Event) error {
	payload, ok := event.Payload.(eventbus.RecipientCreatedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for RECIPIENT_CREATED")
	}

	for _, messageType := range MessageTypes {
		if err := p.Plan(ctx, payload.Recipient, messageType, event.TraceID); err != nil {
			zlog.Logger.Error().Err(err).Str("recipient_id", payload.Recipient.ID).Msg("failed to plan scheduled send")
		}
	}

	return nil
}

// Plan computes the recipient's next occurrence of messageType and inserts
// a ScheduledSend record for it, per spec §4.3.
func (p *Planner) Plan(ctx context.Context, rec model.Recipient, messageType, traceID string) error {
	now := p.nowFunc()

	localDate, utcInstant, err := clock.NextOccurrence(rec.BirthDate.Month(), rec.BirthDate.Day(), rec.Timezone, now, p.sendHour)
	if err != nil {
		return fmt.Errorf("compute next occurrence: %w", err)
	}

	todayLocal, err := todayInZone(now, rec.Timezone)
	if err != nil {
		return fmt.Errorf("resolve today in zone: %w", err)
	}

	if localDate.Before(todayLocal) {
		// the event already passed this year at registration time
		return nil
	}

	key := model.IdempotencyKeyFor(rec.ID, messageType, localDate)

	status := model.StatusUnprocessed
	var errMsg *string
	isToday := localDate.Equal(todayLocal)
	if isToday {
		status = model.StatusPending
		if utcInstant.Before(now) {
			note := lateRegistrationNote
			errMsg = &note
		}
	}

	_, err = p.schedules.CreateIfAbsent(ctx, model.ScheduledSend{
		RecipientID:    rec.ID,
		MessageType:    messageType,
		ScheduledDate:  localDate,
		ScheduledFor:   utcInstant,
		IdempotencyKey: key,
		Status:         status,
		ErrorMessage:   errMsg,
	})
	if err != nil {
		return fmt.Errorf("create scheduled send: %w", err)
	}

	return nil
}

func (p *Planner) onRecipientUpdated(ctx context.Context, event eventbus.Event) error {
	payload, ok := event.Payload.(eventbus.RecipientUpdatedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for RECIPIENT_UPDATED")
	}

	birthDateChanged := !payload.Old.BirthDate.Equal(payload.New.BirthDate)
	timezoneChanged := payload.Old.Timezone != payload.New.Timezone

	switch {
	case birthDateChanged:
		return p.handleBirthDateChange(ctx, payload, event.TraceID)
	case timezoneChanged:
		return p.handleTimezoneChange(ctx, payload, event.TraceID)
	default:
		return nil
	}
}

// handleBirthDateChange implements spec §4.3's birth-date-change branch,
// including the ordering rule: the stale Dispatcher job is removed BEFORE
// the Schedule Store is mutated, closing the race where the Worker begins
// processing an obsolete record.
func (p *Planner) handleBirthDateChange(ctx context.Context, payload eventbus.RecipientUpdatedPayload, traceID string) error {
	for _, messageType := range MessageTypes {
		oldLocalDate, _, err := clock.NextOccurrence(payload.Old.BirthDate.Month(), payload.Old.BirthDate.Day(), payload.Old.Timezone, p.nowFunc(), p.sendHour)
		if err != nil {
			return fmt.Errorf("compute prior occurrence: %w", err)
		}

		oldKey := model.IdempotencyKeyFor(payload.Old.ID, messageType, oldLocalDate)

		if err := p.dispatcher.Remove(ctx, oldKey); err != nil {
			zlog.Logger.Warn().Err(err).Str("key", oldKey).Msg("failed to remove stale dispatcher job")
		}

		existing, err := p.schedules.FindByKey(ctx, oldKey)
		if err == nil {
			switch existing.Status {
			case model.StatusUnprocessed, model.StatusPending:
				note := cancelledBirthdateChangeNote
				if _, terr := p.schedules.Transition(ctx, existing.ID, model.StatusFailed, &note); terr != nil {
					zlog.Logger.Warn().Err(terr).Str("key", oldKey).Msg("failed to cancel stale scheduled send")
				}
			default:
				// PROCESSING or SENT: allowed to complete undisturbed, per
				// spec §4.3 and the Open Question in spec §9(a) about the
				// resulting possible same-year double-send.
			}
		}

		if err := p.Plan(ctx, payload.New, messageType, traceID); err != nil {
			zlog.Logger.Error().Err(err).Str("recipient_id", payload.New.ID).Msg("failed to plan scheduled send after birthdate change")
		}
	}

	return nil
}

// handleTimezoneChange implements spec §4.3's timezone-only-change branch.
func (p *Planner) handleTimezoneChange(ctx context.Context, payload eventbus.RecipientUpdatedPayload, traceID string) error {
	for _, messageType := range MessageTypes {
		localDate, _, err := clock.NextOccurrence(payload.Old.BirthDate.Month(), payload.Old.BirthDate.Day(), payload.Old.Timezone, p.nowFunc(), p.sendHour)
		if err != nil {
			return fmt.Errorf("compute existing occurrence: %w", err)
		}

		key := model.IdempotencyKeyFor(payload.New.ID, messageType, localDate)

		existing, err := p.schedules.FindByKey(ctx, key)
		if err != nil {
			continue // nothing planned yet for this occurrence; nothing to adjust
		}

		if existing.Status == model.StatusProcessing || existing.Status == model.StatusSent {
			continue
		}

		if err := p.dispatcher.Remove(ctx, key); err != nil {
			zlog.Logger.Warn().Err(err).Str("key", key).Msg("failed to remove stale dispatcher job before timezone update")
		}

		_, newInstant, err := clock.NextOccurrence(payload.New.BirthDate.Month(), payload.New.BirthDate.Day(), payload.New.Timezone, p.nowFunc(), p.sendHour)
		if err != nil {
			return fmt.Errorf("compute new occurrence: %w", err)
		}

		updated, err := p.schedules.UpdateSchedule(ctx, existing.ID, existing.ScheduledDate, newInstant)
		if err != nil {
			return fmt.Errorf("update schedule after timezone change: %w", err)
		}

		if updated.Status == model.StatusPending && newInstant.Before(p.nowFunc()) {
			if err := p.dispatcher.Enqueue(ctx, queue.Job{
				ID:           key,
				RecipientID:  payload.New.ID,
				ScheduledFor: newInstant,
				TraceID:      traceID,
			}, 0, retry.Strategy{}); err != nil {
				zlog.Logger.Error().Err(err).Str("key", key).Msg("failed to re-enqueue after timezone change")
			}
		}
	}

	return nil
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
