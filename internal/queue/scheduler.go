package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultParallelism bounds concurrently running jobs.
	DefaultParallelism = 2
	// terminalKeep caps the retained terminal job history.
	terminalKeep = 50
)

// Scheduler admits pending jobs FIFO under a global parallelism bound and
// retains a bounded history of terminal jobs.
type Scheduler struct {
	sem    *semaphore.Weighted
	agg    *Aggregator
	logger zerolog.Logger

	mu       sync.Mutex
	nextID   int64
	pending  []*job
	running  map[string]*job
	terminal []*job // most recent last, capped at terminalKeep

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler with the given parallelism bound. The
// aggregator must not be nil; it receives every job state change.
func NewScheduler(parallelism int, agg *Aggregator, logger zerolog.Logger) *Scheduler {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Scheduler{
		sem:     semaphore.NewWeighted(int64(parallelism)),
		agg:     agg,
		logger:  logger.With().Str("component", "queue").Logger(),
		running: make(map[string]*job),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the driver loop. The loop runs until Stop is called or the
// parent context is cancelled.
func (s *Scheduler) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.done = make(chan struct{})
	go s.drive()
	s.logger.Info().Msg("Scheduler started")
}

// Stop terminates the driver loop and waits for it to exit. Running jobs
// see a cancel request through their sink; Stop does not wait for them.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	s.mu.Lock()
	for _, j := range s.running {
		j.cancelRequested.Store(true)
	}
	s.mu.Unlock()

	<-s.done
	s.logger.Info().Msg("Scheduler stopped")
}

// Submit appends a job to the pending queue and returns its id. A pending
// or running job with the same (title, unit) pair is rejected.
func (s *Scheduler) Submit(req Request) (string, error) {
	if req.Run == nil {
		return "", fmt.Errorf("submit %q: nil run function", req.Name)
	}

	s.mu.Lock()
	if dup := s.findActiveLocked(req.TitleKey, req.UnitKey); dup != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s %s held by job %s", ErrDuplicateUnit, req.TitleKey, req.UnitKey, dup.id)
	}

	s.nextID++
	j := &job{
		id:        strconv.FormatInt(s.nextID, 10),
		name:      req.Name,
		kind:      req.Kind,
		titleKey:  req.TitleKey,
		unitKey:   req.UnitKey,
		detail:    req.Detail,
		status:    StatusPending,
		createdAt: time.Now(),
		run:       req.Run,
		onDone:    req.OnDone,
	}
	s.pending = append(s.pending, j)
	view := j.view()
	s.mu.Unlock()

	s.agg.Observe(view)
	s.logger.Debug().Str("job", j.id).Str("name", j.name).Msg("Job submitted")
	s.kick()
	return j.id, nil
}

// Cancel transitions a pending job to cancelled. For a running job it only
// raises the cooperative cancel flag and returns false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()

	for i, j := range s.pending {
		if j.id != id {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		now := time.Now()
		j.status = StatusCancelled
		j.completedAt = &now
		s.retireLocked(j)
		view := j.view()
		s.mu.Unlock()

		s.agg.Observe(view)
		s.notifyDone(j, view)
		s.logger.Info().Str("job", id).Msg("Pending job cancelled")
		return true
	}

	if j, ok := s.running[id]; ok {
		j.cancelRequested.Store(true)
		s.mu.Unlock()
		s.logger.Info().Str("job", id).Msg("Cancel requested for running job")
		return false
	}

	s.mu.Unlock()
	return false
}

// Status returns a snapshot of one job.
func (s *Scheduler) Status(id string) (JobView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.running[id]; ok {
		return j.view(), true
	}
	for _, j := range s.pending {
		if j.id == id {
			return j.view(), true
		}
	}
	for _, j := range s.terminal {
		if j.id == id {
			return j.view(), true
		}
	}
	return JobView{}, false
}

// Overview returns queue counts and snapshots of active jobs.
func (s *Scheduler) Overview() Overview {
	s.mu.Lock()
	defer s.mu.Unlock()

	ov := Overview{
		PendingCount: len(s.pending),
		RunningCount: len(s.running),
	}
	for _, j := range s.terminal {
		if j.status == StatusCompleted {
			ov.CompletedCount++
		}
	}
	for _, j := range s.running {
		ov.Running = append(ov.Running, j.view())
	}
	for _, j := range s.pending {
		ov.Pending = append(ov.Pending, j.view())
	}
	return ov
}

// kick nudges the driver loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drive admits pending jobs whenever a permit is free, in submission order.
func (s *Scheduler) drive() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			if !s.sem.TryAcquire(1) {
				break
			}

			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				s.sem.Release(1)
				break
			}
			j := s.pending[0]
			s.pending = s.pending[1:]
			now := time.Now()
			j.status = StatusRunning
			j.startedAt = &now
			s.running[j.id] = j
			view := j.view()
			s.mu.Unlock()

			s.agg.Observe(view)
			go s.execute(j)
		}
	}
}

// execute runs one job inside its permit. The permit is released and the
// job reaches a terminal state on every path, including panics.
func (s *Scheduler) execute(j *job) {
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("job panicked: %v", r)
			}
		}()
		runErr = j.run(&Sink{s: s, job: j})
	}()

	s.mu.Lock()
	delete(s.running, j.id)
	now := time.Now()
	j.completedAt = &now
	switch {
	case runErr == nil:
		j.status = StatusCompleted
		j.progress = 1.0
	case j.cancelRequested.Load():
		j.status = StatusCancelled
		j.err = runErr.Error()
	default:
		j.status = StatusFailed
		j.err = runErr.Error()
	}
	s.retireLocked(j)
	view := j.view()
	s.mu.Unlock()

	s.sem.Release(1)

	s.agg.Observe(view)
	s.notifyDone(j, view)

	event := s.logger.Info()
	if view.Status == StatusFailed {
		event = s.logger.Warn().Str("error", view.Error)
	}
	event.Str("job", j.id).Str("name", j.name).Str("status", string(view.Status)).Msg("Job finished")

	s.kick()
}

func (s *Scheduler) notifyDone(j *job, view JobView) {
	if j.onDone != nil {
		j.onDone(view)
	}
}

// retireLocked appends the job to the terminal history, evicting the oldest
// entry beyond the cap.
func (s *Scheduler) retireLocked(j *job) {
	s.terminal = append(s.terminal, j)
	if len(s.terminal) > terminalKeep {
		s.terminal = s.terminal[len(s.terminal)-terminalKeep:]
	}
}

// findActiveLocked returns the pending or running job holding the given
// (title, unit) pair, if any.
func (s *Scheduler) findActiveLocked(titleKey, unitKey string) *job {
	if titleKey == "" && unitKey == "" {
		return nil
	}
	for _, j := range s.pending {
		if j.titleKey == titleKey && j.unitKey == unitKey {
			return j
		}
	}
	for _, j := range s.running {
		if j.titleKey == titleKey && j.unitKey == unitKey {
			return j
		}
	}
	return nil
}
