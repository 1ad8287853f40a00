package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/sequenced-messaging/internal/model"
	"github.com/LeventeLantos/sequenced-messaging/internal/steps"
)

type SubscriberRepository interface {
	// FindOrCreate returns the subscriber with s.Email, inserting s as an
	// active subscriber when none exists. created reports whether it inserted.
	FindOrCreate(ctx context.Context, s model.Subscriber) (sub *model.Subscriber, created bool, err error)
}

type SequenceRepository interface {
	// Get returns nil, nil when the sequence does not exist.
	Get(ctx context.Context, id string) (*model.Sequence, error)
	ListActive(ctx context.Context) ([]model.SequenceSummary, error)
}

type StepRepository = steps.StepRepository

type SuppressionRepository interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

type EnrollmentRepository interface {
	// Find returns nil, nil when the pair is not enrolled.
	Find(ctx context.Context, subscriberID, sequenceID string) (*model.Enrollment, error)
	// Create inserts e unless the (subscriber, sequence) pair already exists,
	// in which case created is false and nothing is written.
	Create(ctx context.Context, e *model.Enrollment) (created bool, err error)

	SelectDue(ctx context.Context, now time.Time, limit int) ([]model.DueEnrollment, error)
	// MarkProcessing moves the dispatchable rows among ids to processing in a
	// single statement and returns the ids it moved.
	MarkProcessing(ctx context.Context, ids []string, at time.Time) ([]string, error)

	Advance(ctx context.Context, id, nextStepID string, nextAt, at time.Time) error
	Complete(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}
