package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/lock"
	"github.com/LeventeLantos/sequenced-messaging/internal/metrics"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
	"github.com/LeventeLantos/sequenced-messaging/internal/personalize"
	"github.com/LeventeLantos/sequenced-messaging/internal/queue"
	"github.com/LeventeLantos/sequenced-messaging/internal/repo"
	"github.com/LeventeLantos/sequenced-messaging/internal/steps"
)

const (
	DefaultBatchLimit    = 100
	DefaultSendBatchSize = 25
)

var idempotencyNamespace = uuid.MustParse("3f6b1c8e-5d2a-4f0b-9c7e-8a1d2e4b6f90")

// IdempotencyKey derives the consumer's dedup key from the due slot. Re-sending
// the same slot reproduces the key; a rescheduled slot gets a new one.
func IdempotencyKey(sequenceID, enrollmentID, stepID string, dueAt time.Time) string {
	name := fmt.Sprintf("%s:%s:%s:%d", sequenceID, enrollmentID, stepID, dueAt.UnixNano())
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

type DispatchOptions struct {
	BatchLimit    int
	SendBatchSize int
	StoreTimeout  time.Duration
	QueueTimeout  time.Duration
}

type Dispatcher struct {
	enrollments repo.EnrollmentRepository
	steps       *steps.Scheduler
	publisher   queue.Publisher
	opts        DispatchOptions

	locker  lock.Locker
	metrics *metrics.Metrics
}

func NewDispatcher(enrollments repo.EnrollmentRepository, stepRepo repo.StepRepository, publisher queue.Publisher, opts DispatchOptions) *Dispatcher {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.SendBatchSize <= 0 {
		opts.SendBatchSize = DefaultSendBatchSize
	}
	return &Dispatcher{
		enrollments: enrollments,
		steps:       steps.NewScheduler(stepRepo),
		publisher:   publisher,
		opts:        opts,
	}
}

// WithLocker makes every run take l's lease first. A run that cannot get the
// lease does nothing.
func (d *Dispatcher) WithLocker(l lock.Locker) *Dispatcher {
	d.locker = l
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// DispatchDueMessages claims the enrollments due at now and publishes one
// message per claimed row. The returned report is never nil.
//
// Rows are claimed before publishing. If a batch fails, the rows of that batch
// and any later batch remain processing and are logged; they are not retried.
func (d *Dispatcher) DispatchDueMessages(ctx context.Context, now time.Time) (*model.DispatchReport, error) {
	started := time.Now()
	report := &model.DispatchReport{StartedAt: now}

	finish := func(outcome string, err error) (*model.DispatchReport, error) {
		report.FinishedAt = report.StartedAt.Add(time.Since(started))
		d.metrics.DispatchRun(outcome, time.Since(started).Seconds(), report.Selected, report.Claimed, report.Emitted)
		return report, err
	}

	if d.locker != nil {
		var acquired bool
		lease, err := call(ctx, d.opts.StoreTimeout, "acquire dispatch lease", func(ctx context.Context) (lock.Lease, error) {
			l, ok, err := d.locker.TryAcquire(ctx)
			acquired = ok
			return l, err
		})
		if err != nil {
			return finish("error", fmt.Errorf("acquire dispatch lease: %w", err))
		}
		if !acquired {
			slog.Info("dispatch skipped, lease held elsewhere")
			report.Skipped = true
			return finish("skipped", nil)
		}
		defer d.release(lease)
	}

	rows, err := call(ctx, d.opts.StoreTimeout, "select due enrollments", func(ctx context.Context) ([]model.DueEnrollment, error) {
		return d.enrollments.SelectDue(ctx, now, d.opts.BatchLimit)
	})
	if err != nil {
		return finish("error", fmt.Errorf("select due enrollments: %w", err))
	}
	report.Selected = len(rows)
	if len(rows) == 0 {
		return finish("ok", nil)
	}

	msgs, err := d.buildMessages(ctx, rows)
	if err != nil {
		return finish("error", err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.EnrollmentID
	}
	claimedIDs, err := call(ctx, d.opts.StoreTimeout, "mark processing", func(ctx context.Context) ([]string, error) {
		return d.enrollments.MarkProcessing(ctx, ids, now)
	})
	if err != nil {
		return finish("error", fmt.Errorf("mark processing: %w", err))
	}

	claimed := make(map[string]struct{}, len(claimedIDs))
	for _, id := range claimedIDs {
		claimed[id] = struct{}{}
	}
	out := make([]model.DispatchMessage, 0, len(claimedIDs))
	for _, m := range msgs {
		if _, ok := claimed[m.EnrollmentID]; ok {
			out = append(out, m)
		}
	}
	report.Claimed = len(out)
	if lost := len(rows) - len(out); lost > 0 {
		slog.Info("enrollments claimed by another run", "count", lost)
	}

	for i, batch := range queue.Batches(out, d.opts.SendBatchSize) {
		err := exec(ctx, d.opts.QueueTimeout, "publish batch", func(ctx context.Context) error {
			return d.publisher.PublishBatch(ctx, batch)
		})
		if err != nil {
			stranded := make([]string, 0, len(out)-report.Emitted)
			for _, m := range out[report.Emitted:] {
				stranded = append(stranded, m.EnrollmentID)
			}
			slog.Error("dispatch batch failed, claimed enrollments left processing",
				"batch", i+1,
				"emitted", report.Emitted,
				"stranded_ids", stranded,
				"err", err,
			)
			return finish("error", fmt.Errorf("publish batch %d: %w", i+1, err))
		}
		report.Emitted += len(batch)
		report.Batches++
	}

	slog.Info("dispatch run finished",
		"selected", report.Selected,
		"claimed", report.Claimed,
		"emitted", report.Emitted,
		"batches", report.Batches,
	)
	return finish("ok", nil)
}

type stepKey struct {
	sequenceID string
	stepNumber int
}

func (d *Dispatcher) buildMessages(ctx context.Context, rows []model.DueEnrollment) ([]model.DispatchMessage, error) {
	nextSteps := make(map[stepKey]*model.Step)
	msgs := make([]model.DispatchMessage, 0, len(rows))

	for _, r := range rows {
		key := stepKey{r.SequenceID, r.Step.StepNumber}
		next, seen := nextSteps[key]
		if !seen {
			var err error
			next, err = call(ctx, d.opts.StoreTimeout, "load next step", func(ctx context.Context) (*model.Step, error) {
				return d.steps.Next(ctx, r.SequenceID, r.Step.StepNumber)
			})
			if err != nil {
				return nil, fmt.Errorf("resolve next step for enrollment %s: %w", r.EnrollmentID, err)
			}
			nextSteps[key] = next
		}
		msgs = append(msgs, buildMessage(r, next))
	}
	return msgs, nil
}

func buildMessage(r model.DueEnrollment, next *model.Step) model.DispatchMessage {
	rcpt := personalize.Recipient{
		Email:     r.Subscriber.Email,
		FirstName: r.Subscriber.FirstName,
		LastName:  r.Subscriber.LastName,
		Company:   r.Subscriber.Company,
	}

	m := model.DispatchMessage{
		EnrollmentID:   r.EnrollmentID,
		SubscriberID:   r.Subscriber.ID,
		SequenceID:     r.SequenceID,
		StepID:         r.Step.ID,
		ToEmail:        r.Subscriber.Email,
		FromEmail:      r.Step.FromEmail,
		FromName:       r.Step.FromName,
		ReplyTo:        r.Step.ReplyTo,
		Subject:        personalize.Render(r.Step.Subject, rcpt),
		BodyHTML:       personalize.Render(r.Step.BodyHTML, rcpt),
		BodyText:       personalize.Render(r.Step.BodyText, rcpt),
		IdempotencyKey: IdempotencyKey(r.SequenceID, r.EnrollmentID, r.Step.ID, r.NextExecutionTime),
		StepNumber:     r.Step.StepNumber,
	}
	if next != nil {
		delay := steps.Delay(next)
		m.NextStepID = next.ID
		m.NextStepDelay = &delay
	}
	return m
}

func (d *Dispatcher) release(lease lock.Lease) {
	ctx := context.Background()
	if d.opts.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.StoreTimeout)
		defer cancel()
	}
	if err := lease.Release(ctx); err != nil {
		slog.Warn("release dispatch lease", "err", errs.FromContext("release dispatch lease", err))
	}
}
