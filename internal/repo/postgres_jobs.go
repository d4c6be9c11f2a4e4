package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/church-dispatch/internal/model"
)

const jobColumns = `
	id, contact_id, destination, channel, body, status, scheduled_for, sent_at,
	provider_ref, last_error, attempt_count, next_retry_at, lease_owner, claimed_at,
	created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (model.Job, error) {
	var (
		j                                        model.Job
		contactID                                sql.NullInt64
		channel, status                          string
		scheduledFor, sentAt, nextRetry, claimed sql.NullTime
		providerRef, lastErr, leaseOwner         sql.NullString
	)
	if err := sc.Scan(
		&j.ID, &contactID, &j.Destination, &channel, &j.Body, &status, &scheduledFor, &sentAt,
		&providerRef, &lastErr, &j.AttemptCount, &nextRetry, &leaseOwner, &claimed,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return model.Job{}, err
	}
	j.ContactID = ptrInt64(contactID)
	j.Channel = model.Channel(channel)
	j.Status = model.Status(status)
	j.ScheduledFor = ptrTime(scheduledFor)
	j.SentAt = ptrTime(sentAt)
	j.ProviderRef = ptrString(providerRef)
	j.LastError = ptrString(lastErr)
	j.NextRetryAt = ptrTime(nextRetry)
	j.LeaseOwner = ptrString(leaseOwner)
	j.ClaimedAt = ptrTime(claimed)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job model.Job) (int64, error) {
	ids, err := s.EnqueueBatch(ctx, []model.Job{job})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *PostgresStore) EnqueueBatch(ctx context.Context, jobs []model.Job) ([]int64, error) {
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
	}

	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = s.insertJobs(ctx, tx, jobs, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// insertJobs inserts jobs inside tx. Contact-targeted jobs snapshot the
// contact's phone; an unresolvable contact fails the batch unless
// skipUnresolved is set.
func (s *PostgresStore) insertJobs(ctx context.Context, tx *sql.Tx, jobs []model.Job, skipUnresolved bool) ([]int64, error) {
	now := s.now()
	ids := make([]int64, 0, len(jobs))
	for i, j := range jobs {
		var id int64
		var err error
		if j.ContactID != nil {
			err = tx.QueryRowContext(ctx, `
				INSERT INTO jobs (contact_id, destination, channel, body, status, scheduled_for, created_at, updated_at)
				SELECT c.id, c.phone, $2, $3, 'queued', $4, $5, $5
				FROM contacts c
				WHERE c.id = $1 AND c.active
				RETURNING id
			`, *j.ContactID, j.Channel, j.Body, nullTime(j.ScheduledFor), now).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				if skipUnresolved {
					continue
				}
				return nil, &model.ValidationError{
					Field:   "contactId",
					Message: fmt.Sprintf("contact %d does not resolve (job %d)", *j.ContactID, i),
				}
			}
		} else {
			err = tx.QueryRowContext(ctx, `
				INSERT INTO jobs (destination, channel, body, status, scheduled_for, created_at, updated_at)
				VALUES ($1, $2, $3, 'queued', $4, $5, $5)
				RETURNING id
			`, j.Destination, j.Channel, j.Body, nullTime(j.ScheduledFor), now).Scan(&id)
		}
		if err != nil {
			return nil, fmt.Errorf("insert job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// The subselect locks one claimable row, skipping rows other claimants hold;
// the outer update flips it to in_progress in the same statement.
const claimNextSQL = `
	UPDATE jobs
	SET status = 'in_progress',
	    attempt_count = attempt_count + 1,
	    lease_owner = $1,
	    claimed_at = $2,
	    next_retry_at = NULL,
	    updated_at = $2
	WHERE id = (
		SELECT id FROM jobs
		WHERE (status = 'queued' AND (scheduled_for IS NULL OR scheduled_for <= $2))
		   OR (status = 'failed_retryable' AND next_retry_at <= $2)
		ORDER BY COALESCE(scheduled_for, created_at), created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING ` + jobColumns

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, claimNextSQL, workerID, s.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, id int64, workerID, providerRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'sent',
		    sent_at = $4,
		    provider_ref = $3,
		    last_error = NULL,
		    lease_owner = NULL,
		    claimed_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND status = 'in_progress' AND lease_owner = $2 AND provider_ref IS NULL
	`, id, workerID, providerRef, s.now())
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sent rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, workerID, errMsg string, retryable bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET last_error = $3,
		    status = CASE WHEN $4::boolean AND attempt_count < $5 THEN 'failed_retryable' ELSE 'failed_permanent' END,
		    next_retry_at = CASE WHEN $4::boolean AND attempt_count < $5
		        THEN $6::timestamptz + LEAST($7::double precision * power(2, GREATEST(attempt_count - 1, 0)), $8::double precision) * interval '1 second'
		        ELSE NULL END,
		    lease_owner = NULL,
		    claimed_at = NULL,
		    updated_at = $6
		WHERE id = $1 AND status = 'in_progress' AND lease_owner = $2
	`, id, workerID, errMsg, retryable, s.retry.MaxAttempts, s.now(),
		s.retry.BaseDelay.Seconds(), s.retry.MaxDelay.Seconds())
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpired uses the same conditional update as the workers: a job a
// worker resolved first no longer matches status = 'in_progress'.
func (s *PostgresStore) RequeueExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempt_count < $3 THEN 'queued' ELSE 'failed_permanent' END,
		    last_error = CASE WHEN attempt_count < $3 THEN last_error ELSE $4 END,
		    lease_owner = NULL,
		    claimed_at = NULL,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'in_progress' AND claimed_at < $2
			ORDER BY claimed_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'in_progress' AND claimed_at < $2
	`, s.now(), cutoff.UTC(), s.retry.MaxAttempts, leaseExhaustedMessage, limit)
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue expired rows affected: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) ListByContact(ctx context.Context, contactID int64, limit, offset int) ([]model.Job, error) {
	limit, offset = normalizePage(limit, offset)
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE contact_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, contactID, limit, offset)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Job, error) {
	if !status.Valid() {
		return nil, &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	limit, offset = normalizePage(limit, offset)
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (model.JobStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(model.JobStats)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[model.Status(status)] = n
	}
	return stats, rows.Err()
}
