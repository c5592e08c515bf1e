// Package recipient is the read-only Recipient Store adapter: the engine's
// only view onto the recipient row the external CRUD service owns. Writes
// happen outside the engine; this package never issues one.
package recipient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/mikhailov/birthday-engine/internal/model"
)

var ErrNotFound = errors.New("recipient not found")

// Repository is a read-only query surface over the recipients table.
type Repository struct {
	db *dbpg.DB
}

// NewRepository constructs a Repository over db.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// FindByID looks up one recipient, including soft-deleted rows — callers
// that must skip deleted recipients check Recipient.IsDeleted themselves,
// mirroring spec §4.6 step 4.
func (r *Repository) FindByID(ctx context.Context, id string) (model.Recipient, error) {
	query := `
		SELECT id, first_name, last_name, email, birth_date, timezone, deleted_at
		FROM recipients
		WHERE id = $1;
	`

	row := r.db.Master.QueryRowContext(ctx, query, id)

	rec, err := scanRecipient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Recipient{}, ErrNotFound
		}
		return model.Recipient{}, fmt.Errorf("find recipient by id: %w", err)
	}

	return rec, nil
}

// FindAllLive returns every recipient that has not been soft-deleted. Used
// by the Hourly Sweeper's promotion phase.
func (r *Repository) FindAllLive(ctx context.Context) ([]model.Recipient, error) {
	query := `
		SELECT id, first_name, last_name, email, birth_date, timezone, deleted_at
		FROM recipients
		WHERE deleted_at IS NULL;
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find all live recipients: %w", err)
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}

	return recipients, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecipient(row rowScanner) (model.Recipient, error) {
	var rec model.Recipient
	err := row.Scan(&rec.ID, &rec.FirstName, &rec.LastName, &rec.Email, &rec.BirthDate, &rec.Timezone, &rec.DeletedAt)
	return rec, err
}
