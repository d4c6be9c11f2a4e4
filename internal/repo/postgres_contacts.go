package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LeventeLantos/church-dispatch/internal/model"
)

const contactColumns = `id, external_id, name, phone, preferred_language, active, created_at`

func scanContact(sc rowScanner) (model.Contact, error) {
	var c model.Contact
	var externalID sql.NullString
	if err := sc.Scan(&c.ID, &externalID, &c.Name, &c.Phone, &c.PreferredLanguage, &c.Active, &c.CreatedAt); err != nil {
		return model.Contact{}, err
	}
	c.ExternalID = externalID.String
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) CreateContact(ctx context.Context, c model.Contact) (int64, error) {
	if !model.ValidE164(c.Phone) {
		return 0, &model.ValidationError{Field: "phone", Message: "must be an E.164 phone number"}
	}
	lang := c.PreferredLanguage
	if lang == "" {
		lang = "en"
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (external_id, name, phone, preferred_language, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, nullString(c.ExternalID), c.Name, c.Phone, lang, c.Active, s.now()).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("contact %q: %w", c.ExternalID, model.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("insert contact: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id int64) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) FindContactByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE phone = $1
		ORDER BY active DESC, id
		LIMIT 1
	`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find contact by phone: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListActiveContacts(ctx context.Context) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active contacts: %w", err)
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListContacts(ctx context.Context, activeOnly bool, limit, offset int) ([]model.Contact, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE active OR NOT $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, activeOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeactivateContact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate contact rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
