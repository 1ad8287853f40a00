package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

type PostgresSubscriberRepo struct {
	db *sql.DB
}

func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

func (r *PostgresSubscriberRepo) FindOrCreate(ctx context.Context, s model.Subscriber) (*model.Subscriber, bool, error) {
	existing, err := r.findByEmail(ctx, s.Email)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	s.ID = uuid.NewString()
	s.Status = model.SubscriberActive
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO email_subscribers (id, email, first_name, last_name, company, status, segment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.Email, s.FirstName, s.LastName, s.Company, string(s.Status), s.Segment)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent enrollment for the same email.
			existing, err := r.findByEmail(ctx, s.Email)
			if err != nil {
				return nil, false, err
			}
			if existing == nil {
				return nil, false, fmt.Errorf("subscriber %s vanished after unique violation", s.Email)
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return &s, true, nil
}

func (r *PostgresSubscriberRepo) findByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	var s model.Subscriber
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''),
		       COALESCE(company, ''), status, COALESCE(segment, '')
		FROM email_subscribers
		WHERE email = $1
	`, email).Scan(&s.ID, &s.Email, &s.FirstName, &s.LastName, &s.Company, &status, &s.Segment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Status = model.SubscriberStatus(status)
	return &s, nil
}
