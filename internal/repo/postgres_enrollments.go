package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

type PostgresEnrollmentRepo struct {
	db *sql.DB
}

func NewPostgresEnrollmentRepo(db *sql.DB) *PostgresEnrollmentRepo {
	return &PostgresEnrollmentRepo{db: db}
}

func (r *PostgresEnrollmentRepo) Find(ctx context.Context, subscriberID, sequenceID string) (*model.Enrollment, error) {
	var e model.Enrollment
	var status string
	var nextStepID sql.NullString
	var nextAt sql.NullTime
	var lastErr sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, subscriber_id, sequence_id, current_step_number, next_step_id,
		       next_execution_time, status, last_error, updated_at
		FROM subscriber_sequences
		WHERE subscriber_id = $1 AND sequence_id = $2
	`, subscriberID, sequenceID).Scan(
		&e.ID,
		&e.SubscriberID,
		&e.SequenceID,
		&e.CurrentStepNumber,
		&nextStepID,
		&nextAt,
		&status,
		&lastErr,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	e.Status = model.EnrollmentStatus(status)
	e.NextStepID = nextStepID.String
	if nextAt.Valid {
		t := nextAt.Time
		e.NextExecutionTime = &t
	}
	if lastErr.Valid {
		s := lastErr.String
		e.LastError = &s
	}
	return &e, nil
}

func (r *PostgresEnrollmentRepo) Create(ctx context.Context, e *model.Enrollment) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriber_sequences
		    (id, subscriber_id, sequence_id, current_step_number, next_step_id,
		     next_execution_time, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subscriber_id, sequence_id) DO NOTHING
	`, e.ID, e.SubscriberID, e.SequenceID, e.CurrentStepNumber, e.NextStepID,
		e.NextExecutionTime, string(e.Status), e.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresEnrollmentRepo) SelectDue(ctx context.Context, now time.Time, limit int) ([]model.DueEnrollment, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT ss.id, ss.sequence_id, ss.current_step_number, ss.next_execution_time,
		       s.id, s.email, COALESCE(s.first_name, ''), COALESCE(s.last_name, ''),
		       COALESCE(s.company, ''),
		       st.id, st.step_number, st.subject, COALESCE(st.from_name, ''), st.from_email,
		       COALESCE(st.reply_to, ''), st.body_html, COALESCE(st.body_text, ''),
		       st.delay_value, st.delay_unit
		FROM subscriber_sequences ss
		JOIN email_subscribers s ON s.id = ss.subscriber_id
		JOIN sequence_steps st ON st.id = ss.next_step_id
		WHERE ss.status IN ('queued', 'active')
		  AND ss.next_execution_time <= $1
		  AND s.status = 'active'
		  AND st.is_active
		ORDER BY ss.next_execution_time ASC, ss.id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DueEnrollment
	for rows.Next() {
		var d model.DueEnrollment
		var unit string
		if err := rows.Scan(
			&d.EnrollmentID,
			&d.SequenceID,
			&d.CurrentStepNumber,
			&d.NextExecutionTime,
			&d.Subscriber.ID,
			&d.Subscriber.Email,
			&d.Subscriber.FirstName,
			&d.Subscriber.LastName,
			&d.Subscriber.Company,
			&d.Step.ID,
			&d.Step.StepNumber,
			&d.Step.Subject,
			&d.Step.FromName,
			&d.Step.FromEmail,
			&d.Step.ReplyTo,
			&d.Step.BodyHTML,
			&d.Step.BodyText,
			&d.Step.DelayValue,
			&unit,
		); err != nil {
			return nil, err
		}
		d.Subscriber.Status = model.SubscriberActive
		d.Step.SequenceID = d.SequenceID
		d.Step.DelayUnit = model.DelayUnit(unit)
		d.Step.IsActive = true
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresEnrollmentRepo) MarkProcessing(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		UPDATE subscriber_sequences
		SET status = 'processing', updated_at = $2
		WHERE id = ANY($1)
		  AND status IN ('queued', 'active')
		RETURNING id
	`, ids, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

func (r *PostgresEnrollmentRepo) Advance(ctx context.Context, id, nextStepID string, nextAt, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences
		SET status = 'active',
		    current_step_number = current_step_number + 1,
		    next_step_id = $2,
		    next_execution_time = $3,
		    last_error = NULL,
		    updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`, id, nextStepID, nextAt, at)
	return expectOne(res, err, id)
}

func (r *PostgresEnrollmentRepo) Complete(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences
		SET status = 'completed',
		    next_step_id = NULL,
		    next_execution_time = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, at)
	return expectOne(res, err, id)
}

func (r *PostgresEnrollmentRepo) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriber_sequences
		SET status = 'failed',
		    last_error = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, reason, at)
	return expectOne(res, err, id)
}

func expectOne(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.New(errs.KindNotFound, "no processing enrollment %s", id)
	}
	return nil
}

var (
	_ EnrollmentRepository  = (*PostgresEnrollmentRepo)(nil)
	_ SubscriberRepository  = (*PostgresSubscriberRepo)(nil)
	_ SequenceRepository    = (*PostgresSequenceRepo)(nil)
	_ StepRepository        = (*PostgresSequenceRepo)(nil)
	_ SuppressionRepository = (*PostgresSuppressionRepo)(nil)
)
