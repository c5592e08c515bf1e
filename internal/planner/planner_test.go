package planner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/mikhailov/birthday-engine/internal/eventbus"
	"github.com/mikhailov/birthday-engine/internal/model"
	"github.com/mikhailov/birthday-engine/internal/queue"
	"github.com/mikhailov/birthday-engine/internal/repository/schedule"
)

type fakeSchedules struct {
	byKey   map[string]model.ScheduledSend
	created []model.ScheduledSend
}

func newFakeSchedules() *fakeSchedules {
	return &fakeSchedules{byKey: map[string]model.ScheduledSend{}}
}

func (f *fakeSchedules) CreateIfAbsent(_ context.Context, record model.ScheduledSend) (model.ScheduledSend, error) {
	if existing, ok := f.byKey[record.IdempotencyKey]; ok {
		return existing, nil
	}
	record.ID = uuid.New()
	f.byKey[record.IdempotencyKey] = record
	f.created = append(f.created, record)
	return record, nil
}

func (f *fakeSchedules) FindByKey(_ context.Context, key string) (model.ScheduledSend, error) {
	record, ok := f.byKey[key]
	if !ok {
		return model.ScheduledSend{}, schedule.ErrNotFound
	}
	return record, nil
}

func (f *fakeSchedules) Transition(_ context.Context, id uuid.UUID, newStatus model.Status, errMessage *string) (model.ScheduledSend, error) {
	for key, record := range f.byKey {
		if record.ID == id {
			record.Status = newStatus
			if errMessage != nil {
				record.ErrorMessage = errMessage
			}
			f.byKey[key] = record
			return record, nil
		}
	}
	return model.ScheduledSend{}, schedule.ErrNotFound
}

func (f *fakeSchedules) UpdateSchedule(_ context.Context, id uuid.UUID, scheduledDate, scheduledFor interface{}) (model.ScheduledSend, error) {
	for key, record := range f.byKey {
		if record.ID == id {
			record.ScheduledDate = scheduledDate.(time.Time)
			record.ScheduledFor = scheduledFor.(time.Time)
			f.byKey[key] = record
			return record, nil
		}
	}
	return model.ScheduledSend{}, schedule.ErrNotFound
}

type fakeDispatcher struct {
	removed []string
	enqueued []queue.Job
}

func (f *fakeDispatcher) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDispatcher) Enqueue(_ context.Context, job queue.Job, _ time.Duration, _ retry.Strategy) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

func newTestPlanner(now time.Time) (*fakeSchedules, *fakeDispatcher, *Planner) {
	sched := newFakeSchedules()
	disp := &fakeDispatcher{}
	p := &Planner{schedules: sched, dispatcher: disp, sendHour: 9, nowFunc: func() time.Time { return now }}
	return sched, disp, p
}

func TestPlan_FutureBirthdayCreatesUnprocessed(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, _, p := newTestPlanner(now)

	rec := model.Recipient{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "America/New_York"}
	err := p.Plan(context.Background(), rec, model.MessageTypeBirthday, "trace-1")
	require.NoError(t, err)

	require.Len(t, sched.created, 1)
	assert.Equal(t, model.StatusUnprocessed, sched.created[0].Status)
}

func TestPlan_BirthdayTodayCreatesPending(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2024, 6, 15, 6, 0, 0, 0, loc).UTC()
	sched, _, p := newTestPlanner(now)

	rec := model.Recipient{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "America/New_York"}
	err = p.Plan(context.Background(), rec, model.MessageTypeBirthday, "trace-1")
	require.NoError(t, err)

	require.Len(t, sched.created, 1)
	assert.Equal(t, model.StatusPending, sched.created[0].Status)
}

func TestPlan_LateRegistrationSetsErrorMessageOnCreate(t *testing.T) {
	now := time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC) // well after the 09:00 UTC send hour
	sched, _, p := newTestPlanner(now)

	rec := model.Recipient{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "UTC"}
	err := p.Plan(context.Background(), rec, model.MessageTypeBirthday, "trace-1")
	require.NoError(t, err)

	require.Len(t, sched.created, 1)
	assert.Equal(t, model.StatusPending, sched.created[0].Status)
	require.NotNil(t, sched.created[0].ErrorMessage)
	assert.Equal(t, lateRegistrationNote, *sched.created[0].ErrorMessage)
}

func TestPlan_IsIdempotent(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, _, p := newTestPlanner(now)

	rec := model.Recipient{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "America/New_York"}
	require.NoError(t, p.Plan(context.Background(), rec, model.MessageTypeBirthday, "t1"))
	require.NoError(t, p.Plan(context.Background(), rec, model.MessageTypeBirthday, "t2"))

	assert.Len(t, sched.created, 1)
}

func TestHandleBirthDateChange_CancelsStaleUnprocessedRecord(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, disp, p := newTestPlanner(now)

	oldRec := model.Recipient{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "America/New_York"}
	require.NoError(t, p.Plan(context.Background(), oldRec, model.MessageTypeBirthday, "t1"))
	require.Len(t, sched.created, 1)
	oldKey := sched.created[0].IdempotencyKey

	newRec := oldRec
	newRec.BirthDate = time.Date(1990, 8, 20, 0, 0, 0, 0, time.UTC)

	err := p.onRecipientUpdated(context.Background(), eventbus.Event{
		Topic: eventbus.RecipientUpdated,
		Payload: eventbus.RecipientUpdatedPayload{
			Old: oldRec, New: newRec, Changes: []string{"birth_date"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, disp.removed, oldKey)

	cancelled, err := sched.FindByKey(context.Background(), oldKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, cancelled.Status)

	assert.Len(t, sched.created, 2)
	assert.Equal(t, model.StatusUnprocessed, sched.created[1].Status)
}

func TestHandleBirthDateChange_LeavesProcessingRecordAlone(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, disp, p := newTestPlanner(now)

	oldRec := model.Recipient{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "America/New_York"}
	require.NoError(t, p.Plan(context.Background(), oldRec, model.MessageTypeBirthday, "t1"))
	oldKey := sched.created[0].IdempotencyKey
	record := sched.byKey[oldKey]
	record.Status = model.StatusProcessing
	sched.byKey[oldKey] = record

	newRec := oldRec
	newRec.BirthDate = time.Date(1990, 8, 20, 0, 0, 0, 0, time.UTC)

	err := p.onRecipientUpdated(context.Background(), eventbus.Event{
		Topic: eventbus.RecipientUpdated,
		Payload: eventbus.RecipientUpdatedPayload{
			Old: oldRec, New: newRec, Changes: []string{"birth_date"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, disp.removed, oldKey)
	stillProcessing, err := sched.FindByKey(context.Background(), oldKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, stillProcessing.Status)
}

func TestHandleTimezoneChange_UpdatesScheduledForWithoutNewRow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, disp, p := newTestPlanner(now)

	oldRec := model.Recipient{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "America/New_York"}
	require.NoError(t, p.Plan(context.Background(), oldRec, model.MessageTypeBirthday, "t1"))
	require.Len(t, sched.created, 1)
	key := sched.created[0].IdempotencyKey
	oldScheduledFor := sched.created[0].ScheduledFor

	newRec := oldRec
	newRec.Timezone = "Asia/Tokyo"

	err := p.onRecipientUpdated(context.Background(), eventbus.Event{
		Topic: eventbus.RecipientUpdated,
		Payload: eventbus.RecipientUpdatedPayload{
			Old: oldRec, New: newRec, Changes: []string{"timezone"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, disp.removed, key)
	assert.Len(t, sched.created, 1, "timezone change must not create a second row")

	updated, err := sched.FindByKey(context.Background(), key)
	require.NoError(t, err)
	assert.NotEqual(t, oldScheduledFor, updated.ScheduledFor)
}
