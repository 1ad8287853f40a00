package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/lock"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
	"github.com/LeventeLantos/sequenced-messaging/internal/service"
)

// fakeStore keeps every table in memory and implements all repositories.
type fakeStore struct {
	mu sync.Mutex

	subscribers map[string]*model.Subscriber // by id
	sequences   map[string]*model.Sequence
	steps       map[string][]model.Step // by sequence id
	suppressed  map[string]bool
	enrollments map[string]*model.Enrollment // by id

	nextID int

	listActiveCalls int
	selectDueCalls  int
	blockGet        bool
	failMark        error
	// stealOnMark lists ids another runner claims just before MarkProcessing.
	stealOnMark []string
	// raceOnCreate makes Create lose to a concurrent insert for the same pair.
	raceOnCreate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscribers: map[string]*model.Subscriber{},
		sequences:   map[string]*model.Sequence{},
		steps:       map[string][]model.Step{},
		suppressed:  map[string]bool{},
		enrollments: map[string]*model.Enrollment{},
	}
}

func (f *fakeStore) stores() service.Stores {
	return service.Stores{
		Subscribers: f,
		Sequences:   f,
		Suppression: f,
		Enrollments: f,
		Steps:       f,
	}
}

func (f *fakeStore) addSequence(id string, status model.SequenceStatus, steps ...model.Step) {
	f.sequences[id] = &model.Sequence{ID: id, Name: id, Status: status}
	for i := range steps {
		steps[i].SequenceID = id
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("%s-step-%d", id, steps[i].StepNumber)
		}
	}
	f.steps[id] = steps
}

func (f *fakeStore) addSubscriber(s model.Subscriber) *model.Subscriber {
	if s.ID == "" {
		f.nextID++
		s.ID = fmt.Sprintf("sub-%d", f.nextID)
	}
	if s.Status == "" {
		s.Status = model.SubscriberActive
	}
	f.subscribers[s.ID] = &s
	return &s
}

func (f *fakeStore) addEnrollment(e model.Enrollment) {
	f.enrollments[e.ID] = &e
}

func (f *fakeStore) enrollment(id string) model.Enrollment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.enrollments[id]
}

func (f *fakeStore) enrollmentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enrollments)
}

func (f *fakeStore) FindOrCreate(_ context.Context, s model.Subscriber) (*model.Subscriber, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.subscribers {
		if existing.Email == s.Email {
			cp := *existing
			return &cp, false, nil
		}
	}
	s.Status = model.SubscriberActive
	cp := *f.addSubscriber(s)
	return &cp, true, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*model.Sequence, error) {
	if f.blockGet {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sequences[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListActive(context.Context) ([]model.SequenceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listActiveCalls++

	var out []model.SequenceSummary
	for _, s := range f.sequences {
		if s.Status != model.SequenceActive {
			continue
		}
		n := 0
		for _, st := range f.steps[s.ID] {
			if st.IsActive {
				n++
			}
		}
		out = append(out, model.SequenceSummary{ID: s.ID, Name: s.Name, StepCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) FirstStep(_ context.Context, sequenceID string) (*model.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var first *model.Step
	for i, st := range f.steps[sequenceID] {
		if first == nil || st.StepNumber < first.StepNumber {
			first = &f.steps[sequenceID][i]
		}
	}
	if first == nil {
		return nil, nil
	}
	cp := *first
	return &cp, nil
}

func (f *fakeStore) ActiveStep(_ context.Context, sequenceID string, n int) (*model.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, st := range f.steps[sequenceID] {
		if st.StepNumber == n && st.IsActive {
			cp := st
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) stepByID(id string) (model.Step, bool) {
	for _, list := range f.steps {
		for _, st := range list {
			if st.ID == id {
				return st, true
			}
		}
	}
	return model.Step{}, false
}

func (f *fakeStore) IsSuppressed(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suppressed[email], nil
}

func (f *fakeStore) Find(_ context.Context, subscriberID, sequenceID string) (*model.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.enrollments {
		if e.SubscriberID == subscriberID && e.SequenceID == sequenceID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Create(_ context.Context, e *model.Enrollment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.raceOnCreate {
		winner := *e
		winner.ID = "concurrent-winner"
		f.enrollments[winner.ID] = &winner
	}
	for _, existing := range f.enrollments {
		if existing.SubscriberID == e.SubscriberID && existing.SequenceID == e.SequenceID {
			return false, nil
		}
	}
	cp := *e
	f.enrollments[e.ID] = &cp
	return true, nil
}

func (f *fakeStore) SelectDue(_ context.Context, now time.Time, limit int) ([]model.DueEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectDueCalls++

	var out []model.DueEnrollment
	for _, e := range f.enrollments {
		if !e.Status.Dispatchable() || e.NextExecutionTime == nil || e.NextExecutionTime.After(now) {
			continue
		}
		sub, ok := f.subscribers[e.SubscriberID]
		if !ok || sub.Status != model.SubscriberActive {
			continue
		}
		st, ok := f.stepByID(e.NextStepID)
		if !ok || !st.IsActive {
			continue
		}
		out = append(out, model.DueEnrollment{
			EnrollmentID:      e.ID,
			SequenceID:        e.SequenceID,
			CurrentStepNumber: e.CurrentStepNumber,
			NextExecutionTime: *e.NextExecutionTime,
			Subscriber:        *sub,
			Step:              st,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextExecutionTime.Equal(out[j].NextExecutionTime) {
			return out[i].NextExecutionTime.Before(out[j].NextExecutionTime)
		}
		return out[i].EnrollmentID < out[j].EnrollmentID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkProcessing(_ context.Context, ids []string, at time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failMark != nil {
		return nil, f.failMark
	}
	for _, id := range f.stealOnMark {
		f.enrollments[id].Status = model.Processing
	}

	var claimed []string
	for _, id := range ids {
		e, ok := f.enrollments[id]
		if !ok || !e.Status.Dispatchable() {
			continue
		}
		e.Status = model.Processing
		e.UpdatedAt = at
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (f *fakeStore) transition(id string, fn func(e *model.Enrollment)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.enrollments[id]
	if !ok || e.Status != model.Processing {
		return errs.New(errs.KindNotFound, "enrollment %s is not processing", id)
	}
	fn(e)
	return nil
}

func (f *fakeStore) Advance(_ context.Context, id, nextStepID string, nextAt, at time.Time) error {
	return f.transition(id, func(e *model.Enrollment) {
		e.Status = model.Active
		e.CurrentStepNumber++
		e.NextStepID = nextStepID
		e.NextExecutionTime = &nextAt
		e.UpdatedAt = at
	})
}

func (f *fakeStore) Complete(_ context.Context, id string, at time.Time) error {
	return f.transition(id, func(e *model.Enrollment) {
		e.Status = model.Completed
		e.NextStepID = ""
		e.NextExecutionTime = nil
		e.UpdatedAt = at
	})
}

func (f *fakeStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	return f.transition(id, func(e *model.Enrollment) {
		e.Status = model.Failed
		e.LastError = &reason
		e.UpdatedAt = at
	})
}

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]model.DispatchMessage
	failAt  int // 1-based batch number that fails; 0 never
	block   bool
}

var errQueueDown = errors.New("queue unreachable")

func (p *fakePublisher) PublishBatch(ctx context.Context, msgs []model.DispatchMessage) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failAt == len(p.batches)+1 {
		return errQueueDown
	}
	p.batches = append(p.batches, append([]model.DispatchMessage(nil), msgs...))
	return nil
}

func (p *fakePublisher) messages() []model.DispatchMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.DispatchMessage
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

type fakeLocker struct {
	held     bool
	released int
}

func (l *fakeLocker) TryAcquire(context.Context) (lock.Lease, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return l, true, nil
}

func (l *fakeLocker) Release(context.Context) error {
	l.held = false
	l.released++
	return nil
}
