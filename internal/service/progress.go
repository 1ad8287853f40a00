package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/metrics"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
	"github.com/LeventeLantos/sequenced-messaging/internal/repo"
	"github.com/LeventeLantos/sequenced-messaging/internal/steps"
)

// DeliveryOutcome is what the delivery consumer reports after a successful
// send. An empty NextStepID completes the enrollment.
type DeliveryOutcome struct {
	EnrollmentID  string           `json:"enrollmentId"`
	NextStepID    string           `json:"nextStepId"`
	NextStepDelay *model.StepDelay `json:"nextStepDelay"`
}

// Progress applies delivery outcomes to enrollments in processing.
type Progress struct {
	enrollments repo.EnrollmentRepository
	timeout     time.Duration

	metrics *metrics.Metrics
	now     func() time.Time
}

func NewProgress(enrollments repo.EnrollmentRepository, storeTimeout time.Duration) *Progress {
	return &Progress{
		enrollments: enrollments,
		timeout:     storeTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *Progress) WithMetrics(m *metrics.Metrics) *Progress {
	p.metrics = m
	return p
}

func (p *Progress) WithClock(now func() time.Time) *Progress {
	p.now = now
	return p
}

// Delivered returns the status the enrollment moved to.
func (p *Progress) Delivered(ctx context.Context, o DeliveryOutcome) (model.EnrollmentStatus, error) {
	if strings.TrimSpace(o.EnrollmentID) == "" {
		return "", errs.New(errs.KindInvalidInput, "enrollmentId is required")
	}
	now := p.now()

	if o.NextStepID == "" {
		if err := exec(ctx, p.timeout, "complete enrollment", func(ctx context.Context) error {
			return p.enrollments.Complete(ctx, o.EnrollmentID, now)
		}); err != nil {
			return "", fmt.Errorf("complete enrollment %s: %w", o.EnrollmentID, err)
		}
		p.metrics.Progress("completed")
		slog.Info("enrollment completed", "enrollment_id", o.EnrollmentID)
		return model.Completed, nil
	}

	var delay model.StepDelay
	if o.NextStepDelay != nil {
		delay = *o.NextStepDelay
	}
	nextAt := steps.DueAt(now, delay.Value, delay.Unit)

	if err := exec(ctx, p.timeout, "advance enrollment", func(ctx context.Context) error {
		return p.enrollments.Advance(ctx, o.EnrollmentID, o.NextStepID, nextAt, now)
	}); err != nil {
		return "", fmt.Errorf("advance enrollment %s: %w", o.EnrollmentID, err)
	}
	p.metrics.Progress("advanced")
	slog.Info("enrollment advanced",
		"enrollment_id", o.EnrollmentID,
		"next_step_id", o.NextStepID,
		"next_execution_time", nextAt,
	)
	return model.Active, nil
}

func (p *Progress) Failed(ctx context.Context, enrollmentID, reason string) error {
	if strings.TrimSpace(enrollmentID) == "" {
		return errs.New(errs.KindInvalidInput, "enrollmentId is required")
	}
	if reason == "" {
		reason = "delivery failed"
	}

	if err := exec(ctx, p.timeout, "fail enrollment", func(ctx context.Context) error {
		return p.enrollments.MarkFailed(ctx, enrollmentID, reason, p.now())
	}); err != nil {
		return fmt.Errorf("fail enrollment %s: %w", enrollmentID, err)
	}
	p.metrics.Progress("failed")
	slog.Warn("enrollment failed", "enrollment_id", enrollmentID, "reason", reason)
	return nil
}
