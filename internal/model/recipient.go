package model

import "time"

// Recipient is the engine's read-only view of a person who can receive a
// birthday notification. The recipient CRUD surface lives outside the
// engine; this struct mirrors just the columns the engine needs to plan
// and address a send.
type Recipient struct {
	ID        string     `json:"id"`         // stable identifier assigned by the CRUD service
	FirstName string     `json:"first_name"` // used to render the message body
	LastName  string     `json:"last_name"`
	Email     string     `json:"email"`
	BirthDate time.Time  `json:"birth_date"` // calendar date, time-of-day ignored
	Timezone  string     `json:"timezone"`   // IANA identifier, e.g. "America/New_York"
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// FullName renders "First Last" for the outbound message body.
func (r Recipient) FullName() string {
	return r.FirstName + " " + r.LastName
}

// IsDeleted reports whether the recipient has been soft-deleted.
func (r Recipient) IsDeleted() bool {
	return r.DeletedAt != nil
}
