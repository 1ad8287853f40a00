// Package steps turns step delays into due timestamps and walks the ordered
// steps of a sequence.
package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
)

// DueAt returns now plus the delay. Unrecognised units count as hours and
// negative values as zero.
func DueAt(now time.Time, value int, unit model.DelayUnit) time.Time {
	if value < 0 {
		value = 0
	}
	return now.Add(time.Duration(value) * unitDuration(unit))
}

func unitDuration(unit model.DelayUnit) time.Duration {
	switch unit {
	case model.Minutes:
		return time.Minute
	case model.Days:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Delay extracts the declared delay of a step.
func Delay(s *model.Step) model.StepDelay {
	return model.StepDelay{Value: s.DelayValue, Unit: s.DelayUnit}
}

type StepRepository interface {
	// FirstStep returns the lowest-numbered step of the sequence regardless of
	// is_active, or nil when the sequence has no steps.
	FirstStep(ctx context.Context, sequenceID string) (*model.Step, error)
	// ActiveStep returns the active step with the given number, or nil.
	ActiveStep(ctx context.Context, sequenceID string, stepNumber int) (*model.Step, error)
}

type Scheduler struct {
	repo StepRepository
}

func NewScheduler(repo StepRepository) *Scheduler {
	return &Scheduler{repo: repo}
}

// First returns the step an enrollment starts on. A sequence whose first step
// is missing or inactive cannot be enrolled into.
func (s *Scheduler) First(ctx context.Context, sequenceID string) (*model.Step, error) {
	step, err := s.repo.FirstStep(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("load first step of %s: %w", sequenceID, err)
	}
	if step == nil {
		return nil, errs.New(errs.KindConfiguration, "sequence %s has no steps", sequenceID)
	}
	if !step.IsActive {
		return nil, errs.New(errs.KindConfiguration, "first step of sequence %s is inactive", sequenceID)
	}
	return step, nil
}

// Next returns the active step following current, or nil when the sequence is
// exhausted for the enrollment.
func (s *Scheduler) Next(ctx context.Context, sequenceID string, current int) (*model.Step, error) {
	step, err := s.repo.ActiveStep(ctx, sequenceID, current+1)
	if err != nil {
		return nil, fmt.Errorf("load step %d of %s: %w", current+1, sequenceID, err)
	}
	return step, nil
}
