package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sequenced-messaging/internal/cache"
	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/logging"
	"github.com/LeventeLantos/sequenced-messaging/internal/metrics"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
	"github.com/LeventeLantos/sequenced-messaging/internal/repo"
	"github.com/LeventeLantos/sequenced-messaging/internal/segments"
	"github.com/LeventeLantos/sequenced-messaging/internal/steps"
)

const (
	ReasonSuppressed      = "suppressed"
	ReasonInactive        = "inactive"
	ReasonAlreadyEnrolled = "already_enrolled"
)

type Attributes struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Company   string `json:"company"`
}

// EnrollRequest names the sequence directly or through a segment code. An
// explicit SequenceID wins.
type EnrollRequest struct {
	Email      string     `json:"email"`
	SequenceID string     `json:"sequenceId"`
	Segment    string     `json:"segment"`
	Attributes Attributes `json:"attributes"`
}

// EnrollResult reports benign no-ops through Reason with Enrolled=false.
type EnrollResult struct {
	Enrolled          bool                   `json:"enrolled"`
	Reason            string                 `json:"reason,omitempty"`
	EnrollmentID      string                 `json:"enrollmentId,omitempty"`
	Status            model.EnrollmentStatus `json:"status,omitempty"`
	SequenceID        string                 `json:"sequenceId,omitempty"`
	NextExecutionTime *time.Time             `json:"nextExecutionTime,omitempty"`
}

type Stores struct {
	Subscribers repo.SubscriberRepository
	Sequences   repo.SequenceRepository
	Suppression repo.SuppressionRepository
	Enrollments repo.EnrollmentRepository
	Steps       repo.StepRepository
}

type Enroller struct {
	stores   Stores
	steps    *steps.Scheduler
	segments segments.Map
	timeout  time.Duration

	cache   cache.SequenceCache
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEnroller(stores Stores, segs segments.Map, storeTimeout time.Duration) *Enroller {
	return &Enroller{
		stores:   stores,
		steps:    steps.NewScheduler(stores.Steps),
		segments: segs,
		timeout:  storeTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Enroller) WithCache(c cache.SequenceCache) *Enroller {
	e.cache = c
	return e
}

func (e *Enroller) WithMetrics(m *metrics.Metrics) *Enroller {
	e.metrics = m
	return e
}

func (e *Enroller) WithClock(now func() time.Time) *Enroller {
	e.now = now
	return e
}

func (e *Enroller) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	res, err := e.enroll(ctx, req)
	switch {
	case err != nil:
		e.metrics.Enrollment("error")
	case res.Enrolled:
		e.metrics.Enrollment("created")
	default:
		e.metrics.Enrollment(res.Reason)
	}
	return res, err
}

func (e *Enroller) enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	// Suppressed addresses are answered before the selector is looked at.
	suppressed, err := call(ctx, e.timeout, "check suppression", func(ctx context.Context) (bool, error) {
		return e.stores.Suppression.IsSuppressed(ctx, email)
	})
	if err != nil {
		return nil, fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		slog.Info("enrollment skipped", "reason", ReasonSuppressed, "email", email)
		return &EnrollResult{Reason: ReasonSuppressed}, nil
	}

	sequenceID, err := e.resolveSequence(req)
	if err != nil {
		return nil, err
	}

	seq, err := call(ctx, e.timeout, "load sequence", func(ctx context.Context) (*model.Sequence, error) {
		return e.stores.Sequences.Get(ctx, sequenceID)
	})
	if err != nil {
		return nil, fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if seq == nil {
		return nil, errs.New(errs.KindNotFound, "sequence %q not found", sequenceID)
	}
	if seq.Status != model.SequenceActive {
		return nil, errs.New(errs.KindSequenceInactive, "sequence %q is %s", sequenceID, seq.Status)
	}

	sub, err := call(ctx, e.timeout, "find or create subscriber", func(ctx context.Context) (*model.Subscriber, error) {
		s, _, err := e.stores.Subscribers.FindOrCreate(ctx, model.Subscriber{
			Email:     email,
			FirstName: strings.TrimSpace(req.Attributes.FirstName),
			LastName:  strings.TrimSpace(req.Attributes.LastName),
			Company:   strings.TrimSpace(req.Attributes.Company),
			Segment:   strings.TrimSpace(req.Segment),
		})
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("find or create subscriber: %w", err)
	}
	if sub.Status != model.SubscriberActive {
		slog.Info("enrollment skipped", "reason", ReasonInactive, "subscriber_id", sub.ID, "status", sub.Status)
		return &EnrollResult{Reason: ReasonInactive, SequenceID: seq.ID}, nil
	}

	existing, err := e.findEnrollment(ctx, sub.ID, seq.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return alreadyEnrolled(existing), nil
	}

	first, err := call(ctx, e.timeout, "load first step", func(ctx context.Context) (*model.Step, error) {
		return e.steps.First(ctx, seq.ID)
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	nextAt := steps.DueAt(now, first.DelayValue, first.DelayUnit)
	en := &model.Enrollment{
		ID:                uuid.NewString(),
		SubscriberID:      sub.ID,
		SequenceID:        seq.ID,
		CurrentStepNumber: first.StepNumber,
		NextStepID:        first.ID,
		NextExecutionTime: &nextAt,
		Status:            model.Queued,
		UpdatedAt:         now,
	}

	created, err := call(ctx, e.timeout, "create enrollment", func(ctx context.Context) (bool, error) {
		return e.stores.Enrollments.Create(ctx, en)
	})
	if err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	if !created {
		// A concurrent enroll for the same pair won the insert.
		existing, err := e.findEnrollment(ctx, sub.ID, seq.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("enrollment for subscriber %s in %s conflicted but is missing", sub.ID, seq.ID)
		}
		return alreadyEnrolled(existing), nil
	}

	slog.Info("subscriber enrolled",
		"enrollment_id", en.ID,
		"email", email,
		"sequence_id", seq.ID,
		"next_execution_time", nextAt,
	)

	return &EnrollResult{
		Enrolled:          true,
		EnrollmentID:      en.ID,
		Status:            en.Status,
		SequenceID:        seq.ID,
		NextExecutionTime: &nextAt,
	}, nil
}

func (e *Enroller) findEnrollment(ctx context.Context, subscriberID, sequenceID string) (*model.Enrollment, error) {
	en, err := call(ctx, e.timeout, "find enrollment", func(ctx context.Context) (*model.Enrollment, error) {
		return e.stores.Enrollments.Find(ctx, subscriberID, sequenceID)
	})
	if err != nil {
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return en, nil
}

func alreadyEnrolled(en *model.Enrollment) *EnrollResult {
	return &EnrollResult{
		Reason:            ReasonAlreadyEnrolled,
		EnrollmentID:      en.ID,
		Status:            en.Status,
		SequenceID:        en.SequenceID,
		NextExecutionTime: en.NextExecutionTime,
	}
}

func (e *Enroller) resolveSequence(req EnrollRequest) (string, error) {
	if id := strings.TrimSpace(req.SequenceID); id != "" {
		return id, nil
	}
	if strings.TrimSpace(req.Segment) == "" {
		return "", errs.New(errs.KindInvalidInput, "sequenceId or segment is required").
			WithDetail("validSegments", e.segments.Codes())
	}
	id, ok := e.segments.Resolve(req.Segment)
	if !ok {
		return "", errs.New(errs.KindInvalidInput, "unknown segment %q", req.Segment).
			WithDetail("validSegments", e.segments.Codes())
	}
	return id, nil
}

// NormalizeEmail lowercases and trims raw and accepts only a bare addr-spec
// whose domain contains a dot.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", errs.New(errs.KindInvalidInput, "email is required")
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", errs.New(errs.KindInvalidInput, "invalid email address %q", logging.RedactEmail(email))
	}

	domain := email[strings.LastIndex(email, "@")+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", errs.New(errs.KindInvalidInput, "invalid email domain %q", domain)
	}
	return email, nil
}

// ListActiveSequences reads through the cache when one is configured. Cache
// failures degrade to a store read.
func (e *Enroller) ListActiveSequences(ctx context.Context) ([]model.SequenceSummary, error) {
	if e.cache != nil {
		var hit bool
		list, err := call(ctx, e.timeout, "read sequence cache", func(ctx context.Context) ([]model.SequenceSummary, error) {
			l, ok, err := e.cache.ActiveSequences(ctx)
			hit = ok
			return l, err
		})
		switch {
		case err != nil:
			slog.Warn("sequence cache read failed", "err", err)
		case hit:
			return list, nil
		}
	}

	list, err := call(ctx, e.timeout, "list active sequences", e.stores.Sequences.ListActive)
	if err != nil {
		return nil, fmt.Errorf("list active sequences: %w", err)
	}
	if list == nil {
		list = []model.SequenceSummary{}
	}

	if e.cache != nil {
		if err := exec(ctx, e.timeout, "write sequence cache", func(ctx context.Context) error {
			return e.cache.StoreActiveSequences(ctx, list)
		}); err != nil {
			slog.Warn("sequence cache write failed", "err", err)
		}
	}
	return list, nil
}
