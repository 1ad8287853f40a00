package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

// PostgresSequenceRepo serves sequences and their steps.
type PostgresSequenceRepo struct {
	db *sql.DB
}

func NewPostgresSequenceRepo(db *sql.DB) *PostgresSequenceRepo {
	return &PostgresSequenceRepo{db: db}
}

func (r *PostgresSequenceRepo) Get(ctx context.Context, id string) (*model.Sequence, error) {
	var s model.Sequence
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, status
		FROM email_sequences
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Status = model.SequenceStatus(status)
	return &s, nil
}

func (r *PostgresSequenceRepo) ListActive(ctx context.Context) ([]model.SequenceSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT q.id, q.name, COUNT(st.id)
		FROM email_sequences q
		LEFT JOIN sequence_steps st ON st.sequence_id = q.id AND st.is_active
		WHERE q.status = 'active'
		GROUP BY q.id, q.name
		ORDER BY q.name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.SequenceSummary{}
	for rows.Next() {
		var s model.SequenceSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.StepCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const stepColumns = `
	id, sequence_id, step_number, subject, COALESCE(from_name, ''), from_email,
	COALESCE(reply_to, ''), body_html, COALESCE(body_text, ''), delay_value, delay_unit, is_active`

func (r *PostgresSequenceRepo) FirstStep(ctx context.Context, sequenceID string) (*model.Step, error) {
	return r.scanStep(r.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM sequence_steps
		WHERE sequence_id = $1
		ORDER BY step_number ASC
		LIMIT 1
	`, sequenceID))
}

func (r *PostgresSequenceRepo) ActiveStep(ctx context.Context, sequenceID string, stepNumber int) (*model.Step, error) {
	return r.scanStep(r.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM sequence_steps
		WHERE sequence_id = $1 AND step_number = $2 AND is_active
	`, sequenceID, stepNumber))
}

func (r *PostgresSequenceRepo) scanStep(row *sql.Row) (*model.Step, error) {
	var s model.Step
	var unit string
	err := row.Scan(
		&s.ID,
		&s.SequenceID,
		&s.StepNumber,
		&s.Subject,
		&s.FromName,
		&s.FromEmail,
		&s.ReplyTo,
		&s.BodyHTML,
		&s.BodyText,
		&s.DelayValue,
		&unit,
		&s.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.DelayUnit = model.DelayUnit(unit)
	return &s, nil
}
