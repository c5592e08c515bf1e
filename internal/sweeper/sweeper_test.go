package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/mikhailov/birthday-engine/internal/model"
	"github.com/mikhailov/birthday-engine/internal/queue"
	"github.com/mikhailov/birthday-engine/internal/repository/schedule"
)

type fakeSchedules struct {
	byKey map[string]model.ScheduledSend
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
	return record, nil
}

func (f *fakeSchedules) FindByKey(_ context.Context, key string) (model.ScheduledSend, error) {
	record, ok := f.byKey[key]
	if !ok {
		return model.ScheduledSend{}, schedule.ErrNotFound
	}
	return record, nil
}

func (f *fakeSchedules) FindPendingForLocalDate(_ context.Context, date string) ([]model.ScheduledSend, error) {
	var out []model.ScheduledSend
	for _, r := range f.byKey {
		if r.Status == model.StatusPending && r.ScheduledDate.Format("2006-01-02") == date {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSchedules) FindDue(_ context.Context, cutoffUTC sql.NullTime, maxAttempts int) ([]model.ScheduledSend, error) {
	var out []model.ScheduledSend
	for _, r := range f.byKey {
		if r.ScheduledFor.After(cutoffUTC.Time) {
			continue
		}
		switch r.Status {
		case model.StatusPending, model.StatusRetrying:
			out = append(out, r)
		case model.StatusFailed:
			if r.AttemptCount < maxAttempts {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeSchedules) Transition(_ context.Context, id uuid.UUID, newStatus model.Status, _ *string) (model.ScheduledSend, error) {
	for key, r := range f.byKey {
		if r.ID == id {
			r.Status = newStatus
			f.byKey[key] = r
			return r, nil
		}
	}
	return model.ScheduledSend{}, schedule.ErrNotFound
}

type fakeRecipients struct {
	recipients []model.Recipient
}

func (f *fakeRecipients) FindAllLive(_ context.Context) ([]model.Recipient, error) {
	return f.recipients, nil
}

type fakeDispatcher struct {
	existing map[string]bool
	enqueued []queue.Job
	failOn   string
}

func (f *fakeDispatcher) Exists(_ context.Context, id string, _ retry.Strategy) (bool, error) {
	return f.existing[id], nil
}

func (f *fakeDispatcher) Enqueue(_ context.Context, job queue.Job, _ time.Duration, _ retry.Strategy) error {
	if job.ID == f.failOn {
		return errors.New("enqueue failed")
	}
	f.enqueued = append(f.enqueued, job)
	return nil
}

type fakeLock struct {
	value string
}

func (f *fakeLock) SetWithRetry(_ context.Context, _ retry.Strategy, _ string, value interface{}) error {
	f.value, _ = value.(string)
	return nil
}

func (f *fakeLock) GetWithRetry(_ context.Context, _ retry.Strategy, _ string) (string, error) {
	return f.value, nil
}

func TestSweep_PromotesAndQueuesTodaysBirthday(t *testing.T) {
	now := time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC)
	sched := newFakeSchedules()
	recipients := &fakeRecipients{recipients: []model.Recipient{
		{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "UTC"},
	}}
	disp := &fakeDispatcher{existing: map[string]bool{}}
	lock := &fakeLock{}

	sw := New(sched, recipients, disp, lock, 9, 5, "instance-1")
	sw.nowFunc = func() time.Time { return now }

	summary, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Queued)
	assert.Len(t, disp.enqueued, 1)
}

func TestSweep_SkipsNotYetDueRecordUnlessForced(t *testing.T) {
	now := time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC) // before the 09:00 UTC send hour
	sched := newFakeSchedules()
	recipients := &fakeRecipients{recipients: []model.Recipient{
		{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "UTC"},
	}}
	disp := &fakeDispatcher{existing: map[string]bool{}}
	lock := &fakeLock{}

	sw := New(sched, recipients, disp, lock, 9, 5, "instance-1")
	sw.nowFunc = func() time.Time { return now }

	summary, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedNotDue)
	assert.Empty(t, disp.enqueued)

	forced, err := sw.Sweep(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, forced.Queued)
}

func TestSweep_SkipsAlreadyQueuedRecord(t *testing.T) {
	now := time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC)
	sched := newFakeSchedules()
	recipients := &fakeRecipients{recipients: []model.Recipient{
		{ID: "r1", BirthDate: time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC), Timezone: "UTC"},
	}}
	disp := &fakeDispatcher{existing: map[string]bool{}}
	lock := &fakeLock{}

	sw := New(sched, recipients, disp, lock, 9, 5, "instance-1")
	sw.nowFunc = func() time.Time { return now }

	_, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)

	key := model.IdempotencyKeyFor("r1", model.MessageTypeBirthday, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC))
	disp.existing[key] = true

	summary, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedAlreadyQueued)
}

func TestSweep_SecondInstanceSkipsWhileLockHeld(t *testing.T) {
	now := time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC)
	sched := newFakeSchedules()
	recipients := &fakeRecipients{}
	disp := &fakeDispatcher{existing: map[string]bool{}}
	lock := &fakeLock{value: "other-instance"}

	sw := New(sched, recipients, disp, lock, 9, 5, "instance-1")
	sw.nowFunc = func() time.Time { return now }

	summary, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, summary)
}

func TestSweep_RecoversRetryingRecordFromPriorDate(t *testing.T) {
	now := time.Date(2024, 6, 16, 15, 0, 0, 0, time.UTC)
	sched := newFakeSchedules()
	stale := model.ScheduledSend{
		ID:             uuid.New(),
		RecipientID:    "r1",
		MessageType:    model.MessageTypeBirthday,
		ScheduledDate:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		ScheduledFor:   time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC),
		IdempotencyKey: "r1:birthday:2024-06-15",
		Status:         model.StatusRetrying,
		AttemptCount:   1,
	}
	sched.byKey[stale.IdempotencyKey] = stale

	recipients := &fakeRecipients{}
	disp := &fakeDispatcher{existing: map[string]bool{}}
	lock := &fakeLock{}

	sw := New(sched, recipients, disp, lock, 9, 5, "instance-1")
	sw.nowFunc = func() time.Time { return now }

	summary, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Queued)
	require.Len(t, disp.enqueued, 1)
	assert.Equal(t, stale.IdempotencyKey, disp.enqueued[0].ID)
}

func TestSweep_DoesNotDoubleDispatchRecordSeenByBothQueries(t *testing.T) {
	now := time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC)
	sched := newFakeSchedules()
	rec := model.ScheduledSend{
		ID:             uuid.New(),
		RecipientID:    "r1",
		MessageType:    model.MessageTypeBirthday,
		ScheduledDate:  time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		ScheduledFor:   time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC),
		IdempotencyKey: "r1:birthday:2024-06-15",
		Status:         model.StatusPending,
	}
	sched.byKey[rec.IdempotencyKey] = rec

	recipients := &fakeRecipients{}
	disp := &fakeDispatcher{existing: map[string]bool{}}
	lock := &fakeLock{}

	sw := New(sched, recipients, disp, lock, 9, 5, "instance-1")
	sw.nowFunc = func() time.Time { return now }

	summary, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Queued)
	assert.Len(t, disp.enqueued, 1)
}

func TestSweep_IgnoresRecipientNotBornToday(t *testing.T) {
	now := time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC)
	sched := newFakeSchedules()
	recipients := &fakeRecipients{recipients: []model.Recipient{
		{ID: "r1", BirthDate: time.Date(1990, 12, 25, 0, 0, 0, 0, time.UTC), Timezone: "UTC"},
	}}
	disp := &fakeDispatcher{existing: map[string]bool{}}
	lock := &fakeLock{}

	sw := New(sched, recipients, disp, lock, 9, 5, "instance-1")
	sw.nowFunc = func() time.Time { return now }

	summary, err := sw.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}
