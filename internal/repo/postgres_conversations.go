package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LeventeLantos/church-dispatch/internal/model"
)

func (s *PostgresStore) AppendTurn(ctx context.Context, turn model.ConversationTurn) (int64, error) {
	created := turn.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	lang := turn.Language
	if lang == "" {
		lang = "en"
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_turns (contact_id, direction, text, language, intent, needs_pastoral_care, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, nullInt64(turn.ContactID), turn.Direction, turn.Text, lang, nullString(turn.Intent),
		turn.NeedsPastoralCare, created.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert conversation turn: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, contactID int64, limit int) ([]model.ConversationTurn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contact_id, direction, text, language, intent, needs_pastoral_care, created_at
		FROM (
			SELECT * FROM conversation_turns
			WHERE contact_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id
	`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var out []model.ConversationTurn
	for rows.Next() {
		var (
			t         model.ConversationTurn
			contact   sql.NullInt64
			direction string
			intent    sql.NullString
		)
		if err := rows.Scan(&t.ID, &contact, &direction, &t.Text, &t.Language, &intent,
			&t.NeedsPastoralCare, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation turn: %w", err)
		}
		t.ContactID = ptrInt64(contact)
		t.Direction = model.Direction(direction)
		t.Intent = intent.String
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
