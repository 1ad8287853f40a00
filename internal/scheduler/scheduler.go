// Package scheduler runs the dispatch tick on a fixed cadence. Scheduled ticks
// and work passed to Run never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type TickFunc func(ctx context.Context) error

type Status struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   *time.Time    `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

type Scheduler struct {
	interval time.Duration
	tickFn   TickFunc

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	tickMu sync.Mutex

	statMu   sync.Mutex
	runs     int64
	failures int64
	lastRun  time.Time
	lastErr  error
}

func New(interval time.Duration, tickFn TickFunc) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "interval", s.interval.String())

		_ = s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopping")
				return
			case <-ticker.C:
				_ = s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Run executes fn on the caller's goroutine as an out-of-band tick. It waits
// for any scheduled tick in progress and is recorded in Status like one.
func (s *Scheduler) Run(ctx context.Context, fn TickFunc) error {
	if fn == nil {
		return errors.New("fn must not be nil")
	}
	return s.runTick(ctx, fn)
}

func (s *Scheduler) Status() Status {
	s.statMu.Lock()
	defer s.statMu.Unlock()

	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval,
		Runs:     s.runs,
		Failures: s.failures,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) error {
	return s.runTick(ctx, s.tickFn)
}

func (s *Scheduler) runTick(ctx context.Context, fn TickFunc) (err error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "panic", r)
			err = fmt.Errorf("tick panicked: %v", r)
		}
		s.record(start, err)
	}()

	err = fn(ctx)
	if err != nil {
		slog.Error("scheduler tick failed", "duration_ms", time.Since(start).Milliseconds(), "err", err)
		return err
	}
	slog.Info("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Scheduler) record(at time.Time, err error) {
	s.statMu.Lock()
	defer s.statMu.Unlock()

	s.runs++
	s.lastRun = at
	s.lastErr = err
	if err != nil {
		s.failures++
	}
}
