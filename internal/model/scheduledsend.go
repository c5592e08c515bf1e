package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the scheduled-send state machine's current state.
type Status string

const (
	StatusUnprocessed Status = "UNPROCESSED"
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusSent         Status = "SENT"
	StatusFailed       Status = "FAILED"
	StatusRetrying     Status = "RETRYING"
)

// MessageTypeBirthday is the only message type the engine ships today; the
// tag is extensible, per spec.
const MessageTypeBirthday = "birthday"

// IsTerminal reports whether the state is one of the two terminal states,
// SENT and FAILED. SENT has no outgoing edge; FAILED keeps the one recovery
// edge to PROCESSING listed in transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// ScheduledSend is the engine-owned record of one planned delivery
// occurrence for a recipient/message-type/local-date triple.
type ScheduledSend struct {
	ID             uuid.UUID
	RecipientID    string
	MessageType    string
	ScheduledDate  time.Time // local calendar date (time-of-day zeroed, UTC-stored date-only)
	ScheduledFor   time.Time // absolute UTC instant of the planned send
	IdempotencyKey string
	Status         Status
	AttemptCount   int
	LastAttemptAt  *time.Time
	SentAt         *time.Time
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKeyFor builds the "{recipient_id}:{message_type}:{scheduled_date}"
// key that uniquely identifies one (recipient, type, local date) occurrence.
func IdempotencyKeyFor(recipientID, messageType string, scheduledDate time.Time) string {
	return fmt.Sprintf("%s:%s:%s", recipientID, messageType, scheduledDate.Format("2006-01-02"))
}

// transitions enumerates the state machine's legal edges. A transition not
// present here is rejected by the Schedule Store.
var transitions = map[Status]map[Status]bool{
	StatusUnprocessed: {StatusPending: true, StatusFailed: true},
	StatusPending:     {StatusProcessing: true, StatusFailed: true},
	StatusProcessing:  {StatusSent: true, StatusFailed: true, StatusRetrying: true},
	StatusRetrying:    {StatusProcessing: true, StatusFailed: true},
	StatusSent:        {},
	// FAILED is terminal in the common case, but find_due's restart safety
	// net (spec §4.2) re-examines FAILED rows with attempt_count < max. That
	// attempt_count filter lives in FindDue's query; Transition itself
	// allows this edge from any FAILED row.
	StatusFailed: {StatusProcessing: true},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// of the state machine described in spec §3.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
