package eventbus

import "github.com/mikhailov/birthday-engine/internal/model"

// RecipientCreatedPayload is published after the (external) CRUD layer
// commits a new recipient.
type RecipientCreatedPayload struct {
	Recipient model.Recipient
}

// RecipientUpdatedPayload carries both projections so subscribers can
// diff birth date / timezone without a re-read.
type RecipientUpdatedPayload struct {
	Old     model.Recipient
	New     model.Recipient
	Changes []string // field names that changed, e.g. "birth_date", "timezone"
}

// RecipientDeletedPayload is published after a soft-delete commits.
type RecipientDeletedPayload struct {
	RecipientID string
}
