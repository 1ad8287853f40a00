package repo

import (
	"context"
	"database/sql"
)

type PostgresSuppressionRepo struct {
	db *sql.DB
}

func NewPostgresSuppressionRepo(db *sql.DB) *PostgresSuppressionRepo {
	return &PostgresSuppressionRepo{db: db}
}

// IsSuppressed expects an already normalized email.
func (r *PostgresSuppressionRepo) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var suppressed bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM email_suppression_list WHERE email = $1)
	`, email).Scan(&suppressed)
	return suppressed, err
}
