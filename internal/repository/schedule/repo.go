// Package schedule is the Schedule Store: the durable, uniquely-keyed table
// of ScheduledSend records that the Notification Planner, Hourly Sweeper
// and Delivery Worker all read and write through. Every exported method is
// durable — the write is committed before the method returns.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/mikhailov/birthday-engine/internal/model"
)

var (
	ErrNotFound         = errors.New("scheduled send not found")
	ErrInvalidTransition = errors.New("invalid scheduled send state transition")
	ErrNotEditable       = errors.New("scheduled send is not in an editable state")
)

// Repository implements the Schedule Store against a dbpg-wrapped Postgres
// pool, the same way internal/repository/notification.Repository does for
// the teacher's single-table notifications model.
type Repository struct {
	db *dbpg.DB
}

// NewRepository constructs a Repository over db.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateIfAbsent inserts record keyed by its IdempotencyKey, including its
// ErrorMessage if set (the Notification Planner uses this to annotate a
// late-registration record at the moment it is created, since PENDING has
// no self-transition to attach a note to after the fact). If a row with
// that key already exists, the existing row is returned unchanged and no
// write occurs — this is how the store collapses duplicate planning
// attempts (spec §4.2, §8 property 1).
func (r *Repository) CreateIfAbsent(ctx context.Context, record model.ScheduledSend) (model.ScheduledSend, error) {
	query := `
		INSERT INTO scheduled_sends (
			id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, last_attempt_at, sent_at,
			error_message, created_at, updated_at;
	`

	id := record.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.db.Master.QueryRowContext(
		ctx, query,
		id, record.RecipientID, record.MessageType, record.ScheduledDate, record.ScheduledFor,
		record.IdempotencyKey, record.Status, record.ErrorMessage,
	)

	inserted, err := scanRecord(row)
	if err == nil {
		return inserted, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledSend{}, fmt.Errorf("create scheduled send: %w", err)
	}

	// ON CONFLICT DO NOTHING returned no row: the record already exists.
	existing, err := r.FindByKey(ctx, record.IdempotencyKey)
	if err != nil {
		return model.ScheduledSend{}, fmt.Errorf("create scheduled send: fetch existing: %w", err)
	}

	return existing, nil
}

// FindByKey looks up a record by its idempotency key.
func (r *Repository) FindByKey(ctx context.Context, key string) (model.ScheduledSend, error) {
	query := `
		SELECT id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, last_attempt_at, sent_at,
			error_message, created_at, updated_at
		FROM scheduled_sends
		WHERE idempotency_key = $1;
	`

	row := r.db.Master.QueryRowContext(ctx, query, key)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScheduledSend{}, ErrNotFound
		}
		return model.ScheduledSend{}, fmt.Errorf("find scheduled send by key: %w", err)
	}

	return record, nil
}

// FindByID looks up a record by its surrogate id.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (model.ScheduledSend, error) {
	query := `
		SELECT id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, last_attempt_at, sent_at,
			error_message, created_at, updated_at
		FROM scheduled_sends
		WHERE id = $1;
	`

	row := r.db.Master.QueryRowContext(ctx, query, id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScheduledSend{}, ErrNotFound
		}
		return model.ScheduledSend{}, fmt.Errorf("find scheduled send by id: %w", err)
	}

	return record, nil
}

// FindPendingForLocalDate returns every PENDING record scheduled for date.
// The Hourly Sweeper uses this to decide which of today's records are ready
// to enqueue.
func (r *Repository) FindPendingForLocalDate(ctx context.Context, date string) ([]model.ScheduledSend, error) {
	query := `
		SELECT id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, last_attempt_at, sent_at,
			error_message, created_at, updated_at
		FROM scheduled_sends
		WHERE status = $1 AND scheduled_date = $2;
	`

	return r.query(ctx, query, model.StatusPending, date)
}

// FindDue returns every PENDING or RETRYING record whose scheduled_for is at
// or before cutoffUTC, plus FAILED rows in the same window that have not
// exhausted maxAttempts — the restart safety net described in spec §4.2.
func (r *Repository) FindDue(ctx context.Context, cutoffUTC sql.NullTime, maxAttempts int) ([]model.ScheduledSend, error) {
	query := `
		SELECT id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, last_attempt_at, sent_at,
			error_message, created_at, updated_at
		FROM scheduled_sends
		WHERE scheduled_for <= $1
		  AND (
			status IN ($2, $3)
			OR (status = $4 AND attempt_count < $5)
		  );
	`

	return r.query(ctx, query, cutoffUTC.Time, model.StatusPending, model.StatusRetrying, model.StatusFailed, maxAttempts)
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]model.ScheduledSend, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled sends: %w", err)
	}
	defer rows.Close()

	var records []model.ScheduledSend
	for rows.Next() {
		record, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled send: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// Transition applies a state-machine edge, per model.CanTransition, and
// commits the side effects the edge implies: attempt_count increments,
// last_attempt_at/sent_at/error_message are set as spec §3 requires.
// Invalid edges (e.g. SENT -> anything) are rejected without touching the
// row.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, newStatus model.Status, errMessage *string) (model.ScheduledSend, error) {
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return model.ScheduledSend{}, err
	}

	if !model.CanTransition(current.Status, newStatus) {
		return model.ScheduledSend{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}

	query := `
		UPDATE scheduled_sends
		SET status = $1,
			attempt_count = attempt_count + $2,
			last_attempt_at = CASE WHEN $3 THEN now() ELSE last_attempt_at END,
			sent_at = CASE WHEN $4 THEN now() ELSE sent_at END,
			error_message = CASE WHEN $5 THEN NULL ELSE $6 END,
			updated_at = now()
		WHERE id = $7 AND status = $8
		RETURNING id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, last_attempt_at, sent_at,
			error_message, created_at, updated_at;
	`

	// attempt_count counts delivery attempts, one per PROCESSING entry; the
	// SENT/RETRYING/FAILED that follow it are outcomes of that same attempt,
	// not new ones, so they must not increment it again.
	attemptIncrement := 0
	if newStatus == model.StatusProcessing {
		attemptIncrement = 1
	}

	touchesAttempt := newStatus == model.StatusProcessing || newStatus == model.StatusSent ||
		newStatus == model.StatusRetrying || newStatus == model.StatusFailed

	isSent := newStatus == model.StatusSent
	clearsError := isSent

	row := r.db.Master.QueryRowContext(
		ctx, query,
		newStatus, attemptIncrement, touchesAttempt, isSent, clearsError, errMessage,
		id, current.Status,
	)

	updated, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Someone else raced us to this transition between the read
			// and the conditional update.
			return model.ScheduledSend{}, ErrInvalidTransition
		}
		return model.ScheduledSend{}, fmt.Errorf("transition scheduled send: %w", err)
	}

	return updated, nil
}

// UpdateSchedule recomputes scheduled_date/scheduled_for, valid only while
// the record is UNPROCESSED or PENDING (spec §4.2).
func (r *Repository) UpdateSchedule(ctx context.Context, id uuid.UUID, scheduledDate, scheduledFor interface{}) (model.ScheduledSend, error) {
	query := `
		UPDATE scheduled_sends
		SET scheduled_date = $1, scheduled_for = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)
		RETURNING id, recipient_id, message_type, scheduled_date, scheduled_for,
			idempotency_key, status, attempt_count, last_attempt_at, sent_at,
			error_message, created_at, updated_at;
	`

	row := r.db.Master.QueryRowContext(ctx, query, scheduledDate, scheduledFor, id, model.StatusUnprocessed, model.StatusPending)

	updated, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScheduledSend{}, ErrNotEditable
		}
		return model.ScheduledSend{}, fmt.Errorf("update scheduled send schedule: %w", err)
	}

	return updated, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (model.ScheduledSend, error) {
	return scanRow(row)
}

func scanRow(row rowScanner) (model.ScheduledSend, error) {
	var s model.ScheduledSend
	err := row.Scan(
		&s.ID, &s.RecipientID, &s.MessageType, &s.ScheduledDate, &s.ScheduledFor,
		&s.IdempotencyKey, &s.Status, &s.AttemptCount, &s.LastAttemptAt, &s.SentAt,
		&s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}
