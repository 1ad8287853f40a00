package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

// sliceConverter lets []string arguments through the way the pgx driver does.
type sliceConverter struct{}

func (sliceConverter) ConvertValue(v any) (driver.Value, error) {
	if ids, ok := v.([]string); ok {
		return ids, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

type idsArg []string

func (a idsArg) Match(v driver.Value) bool {
	got, ok := v.([]string)
	return ok && reflect.DeepEqual([]string(a), got)
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(sliceConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var subscriberCols = []string{"id", "email", "first_name", "last_name", "company", "status", "segment"}

func TestSubscriberRepo_FindOrCreate_Existing(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresSubscriberRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM email_subscribers")).
		WithArgs("ann@acme.io").
		WillReturnRows(sqlmock.NewRows(subscriberCols).
			AddRow("sub-1", "ann@acme.io", "Ann", "", "Acme", "unsubscribed", "A"))

	sub, created, err := r.FindOrCreate(context.Background(), model.Subscriber{Email: "ann@acme.io"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "sub-1", sub.ID)
	require.Equal(t, model.SubscriberUnsubscribed, sub.Status)
}

func TestSubscriberRepo_FindOrCreate_Inserts(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresSubscriberRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM email_subscribers")).
		WithArgs("new@acme.io").
		WillReturnRows(sqlmock.NewRows(subscriberCols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO email_subscribers")).
		WithArgs(sqlmock.AnyArg(), "new@acme.io", "Nia", "", "", "active", "welcome").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub, created, err := r.FindOrCreate(context.Background(), model.Subscriber{
		Email:     "new@acme.io",
		FirstName: "Nia",
		Segment:   "welcome",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, sub.ID)
	require.Equal(t, model.SubscriberActive, sub.Status)
}

func TestSubscriberRepo_FindOrCreate_LostRace(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresSubscriberRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM email_subscribers")).
		WillReturnRows(sqlmock.NewRows(subscriberCols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO email_subscribers")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(regexp.QuoteMeta("FROM email_subscribers")).
		WillReturnRows(sqlmock.NewRows(subscriberCols).
			AddRow("sub-9", "race@acme.io", "", "", "", "active", ""))

	sub, created, err := r.FindOrCreate(context.Background(), model.Subscriber{Email: "race@acme.io"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "sub-9", sub.ID)
}

func TestSequenceRepo_Get(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresSequenceRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM email_sequences")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM email_sequences")).
		WithArgs("welcome").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status"}).AddRow("welcome", "Welcome", "paused"))

	seq, err := r.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, seq)

	seq, err = r.Get(context.Background(), "welcome")
	require.NoError(t, err)
	require.Equal(t, model.SequencePaused, seq.Status)
}

func TestSequenceRepo_ListActive(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresSequenceRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE q.status = 'active'")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "count"}).
			AddRow("pos-switcher", "POS switcher", 4).
			AddRow("welcome", "Welcome", 3))

	got, err := r.ListActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []model.SequenceSummary{
		{ID: "pos-switcher", Name: "POS switcher", StepCount: 4},
		{ID: "welcome", Name: "Welcome", StepCount: 3},
	}, got)
}

var stepCols = []string{
	"id", "sequence_id", "step_number", "subject", "from_name", "from_email",
	"reply_to", "body_html", "body_text", "delay_value", "delay_unit", "is_active",
}

func TestSequenceRepo_Steps(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresSequenceRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY step_number ASC")).
		WithArgs("welcome").
		WillReturnRows(sqlmock.NewRows(stepCols).
			AddRow("st-1", "welcome", 1, "Hi", "Team", "team@acme.io", "", "<p>Hi</p>", "Hi", 0, "hours", false))
	mock.ExpectQuery(regexp.QuoteMeta("step_number = $2 AND is_active")).
		WithArgs("welcome", 3).
		WillReturnError(sql.ErrNoRows)

	first, err := r.FirstStep(context.Background(), "welcome")
	require.NoError(t, err)
	require.Equal(t, "st-1", first.ID)
	require.False(t, first.IsActive)
	require.Equal(t, model.Hours, first.DelayUnit)

	next, err := r.ActiveStep(context.Background(), "welcome", 3)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestSuppressionRepo_IsSuppressed(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresSuppressionRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM email_suppression_list")).
		WithArgs("blocked@acme.io").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := r.IsSuppressed(context.Background(), "blocked@acme.io")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEnrollmentRepo_Create(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresEnrollmentRepo(db)

	due := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := &model.Enrollment{
		SubscriberID:      "sub-1",
		SequenceID:        "welcome",
		CurrentStepNumber: 1,
		NextStepID:        "st-1",
		NextExecutionTime: &due,
		Status:            model.Queued,
		UpdatedAt:         due,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (subscriber_id, sequence_id) DO NOTHING")).
		WithArgs(sqlmock.AnyArg(), "sub-1", "welcome", 1, "st-1", due, "queued", due).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (subscriber_id, sequence_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := r.Create(context.Background(), e)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, e.ID)

	created, err = r.Create(context.Background(), &model.Enrollment{SubscriberID: "sub-1", SequenceID: "welcome", Status: model.Queued})
	require.NoError(t, err)
	require.False(t, created)
}

func TestEnrollmentRepo_Find(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresEnrollmentRepo(db)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriber_sequences")).
		WithArgs("sub-1", "welcome").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "subscriber_id", "sequence_id", "current_step_number", "next_step_id",
			"next_execution_time", "status", "last_error", "updated_at",
		}).AddRow("enr-1", "sub-1", "welcome", 2, nil, nil, "completed", nil, now))

	e, err := r.Find(context.Background(), "sub-1", "welcome")
	require.NoError(t, err)
	require.Equal(t, model.Completed, e.Status)
	require.Nil(t, e.NextExecutionTime)
	require.Empty(t, e.NextStepID)
}

func TestEnrollmentRepo_SelectDue(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresEnrollmentRepo(db)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{
		"id", "sequence_id", "current_step_number", "next_execution_time",
		"sid", "email", "first_name", "last_name", "company",
		"stid", "step_number", "subject", "from_name", "from_email",
		"reply_to", "body_html", "body_text", "delay_value", "delay_unit",
	}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY ss.next_execution_time ASC, ss.id ASC")).
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"enr-1", "welcome", 1, now.Add(-time.Minute),
			"sub-1", "ann@acme.io", "Ann", "", "Acme",
			"st-1", 1, "Hi {{first_name}}", "Team", "team@acme.io",
			"", "<p>Hi</p>", "Hi", 2, "days",
		))

	due, err := r.SelectDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "enr-1", due[0].EnrollmentID)
	require.Equal(t, "welcome", due[0].Step.SequenceID)
	require.Equal(t, model.Days, due[0].Step.DelayUnit)
	require.Equal(t, "ann@acme.io", due[0].Subscriber.Email)

	_, err = r.SelectDue(context.Background(), now, 0)
	require.Error(t, err)
}

func TestEnrollmentRepo_MarkProcessing(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresEnrollmentRepo(db)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'processing'")).
		WithArgs(idsArg{"enr-1", "enr-2"}, at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("enr-2"))

	claimed, err := r.MarkProcessing(context.Background(), []string{"enr-1", "enr-2"}, at)
	require.NoError(t, err)
	require.Equal(t, []string{"enr-2"}, claimed)

	claimed, err = r.MarkProcessing(context.Background(), nil, at)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestEnrollmentRepo_Transitions(t *testing.T) {
	db, mock := setupMockDB(t)
	r := NewPostgresEnrollmentRepo(db)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := at.Add(48 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("current_step_number = current_step_number + 1")).
		WithArgs("enr-1", "st-2", next, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WithArgs("enr-2", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("enr-3", "bounced", at).
		WillReturnError(errors.New("db down"))

	require.NoError(t, r.Advance(context.Background(), "enr-1", "st-2", next, at))

	err := r.Complete(context.Background(), "enr-2", at)
	require.ErrorIs(t, err, errs.ErrNotFound)

	err = r.MarkFailed(context.Background(), "enr-3", "bounced", at)
	require.EqualError(t, err, "db down")
}
