package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LeventeLantos/church-dispatch/internal/model"
)

const reminderColumns = `
	id, name, body, channel, kind, weekday, day_of_month, time_of_day, date,
	timezone, target, active, created_at
`

func scanReminder(sc rowScanner) (model.ReminderDefinition, error) {
	var (
		d                       model.ReminderDefinition
		channel, kind           string
		weekday, date, timezone sql.NullString
		dayOfMonth              sql.NullInt64
	)
	if err := sc.Scan(&d.ID, &d.Name, &d.Body, &channel, &kind, &weekday, &dayOfMonth,
		&d.TimeOfDay, &date, &timezone, &d.Target, &d.Active, &d.CreatedAt); err != nil {
		return model.ReminderDefinition{}, err
	}
	d.Channel = model.Channel(channel)
	d.Kind = model.RecurrenceKind(kind)
	d.Weekday = weekday.String
	d.DayOfMonth = int(dayOfMonth.Int64)
	d.Date = date.String
	d.Timezone = timezone.String
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func (s *PostgresStore) CreateReminder(ctx context.Context, d model.ReminderDefinition) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	if d.Target == "" {
		d.Target = model.TargetAll
	}
	dom := sql.NullInt64{Int64: int64(d.DayOfMonth), Valid: d.DayOfMonth != 0}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reminder_definitions
			(name, body, channel, kind, weekday, day_of_month, time_of_day, date, timezone, target, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11)
		RETURNING id
	`, d.Name, d.Body, d.Channel, d.Kind, nullString(d.Weekday), dom, d.TimeOfDay,
		nullString(d.Date), nullString(d.Timezone), d.Target, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListReminders(ctx context.Context, activeOnly bool, limit, offset int) ([]model.ReminderDefinition, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminder_definitions
		WHERE active OR NOT $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, activeOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []model.ReminderDefinition
	for rows.Next() {
		d, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeactivateReminder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reminder_definitions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate reminder rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// FireReminder locks the definition row so two schedulers evaluating the same
// slot serialize here; the firing-log primary key rejects the second one.
func (s *PostgresStore) FireReminder(ctx context.Context, req FireRequest) (FireResult, error) {
	for _, j := range req.Jobs {
		if err := j.Validate(); err != nil {
			return FireResult{}, err
		}
	}

	var result FireResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx,
			`SELECT active FROM reminder_definitions WHERE id = $1 FOR UPDATE`, req.DefinitionID,
		).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock reminder: %w", err)
		}
		if !active {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO reminder_firings (definition_id, fire_key, fired_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (definition_id, fire_key) DO NOTHING
		`, req.DefinitionID, req.FireKey, s.now())
		if err != nil {
			return fmt.Errorf("record firing: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record firing rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		ids, err := s.insertJobs(ctx, tx, req.Jobs, true)
		if err != nil {
			return err
		}
		if req.Deactivate {
			if _, err := tx.ExecContext(ctx,
				`UPDATE reminder_definitions SET active = FALSE WHERE id = $1`, req.DefinitionID,
			); err != nil {
				return fmt.Errorf("deactivate fired reminder: %w", err)
			}
		}
		result = FireResult{Fired: true, JobIDs: ids}
		return nil
	})
	if err != nil {
		return FireResult{}, err
	}
	if result.Fired {
		s.logger.Debug("reminder fired", "definition_id", req.DefinitionID, "fire_key", req.FireKey, "jobs", len(result.JobIDs))
	}
	return result, nil
}
