// Package queue implements the process-wide download scheduler: a FIFO
// pending queue, a bounded set of running jobs, and a unified progress
// aggregator for external presenters.
package queue

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/downpour/downpour/internal/catalog"
)

// Status is a job lifecycle state. Transitions are monotonic except that a
// pending job may move straight to cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrDuplicateUnit is returned by Submit when a pending or running job
// already covers the same (title, unit) pair.
var ErrDuplicateUnit = errors.New("unit already queued")

// ErrCancelled is returned by run functions that abandon work after a
// cooperative cancel request.
var ErrCancelled = errors.New("job cancelled")

// RunFunc performs the actual work of a job. It runs inside a parallelism
// permit and should watch sink.CancelRequested at natural suspension points.
type RunFunc func(sink *Sink) error

// Request describes a job to submit.
type Request struct {
	Name     string       // human-readable job name
	Kind     catalog.Kind // grouping key for the aggregator
	TitleKey string       // title identity, kind-qualified
	UnitKey  string       // unit identity within the title
	Detail   string       // initial detail line for the aggregator
	Run      RunFunc
	OnDone   func(JobView) // invoked after the job reaches a terminal state
}

// JobView is an immutable snapshot of one job.
type JobView struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Kind        catalog.Kind `json:"kind"`
	Status      Status       `json:"status"`
	Progress    float64      `json:"progress"`
	Detail      string       `json:"detail,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Overview is a point-in-time summary of the whole queue.
type Overview struct {
	PendingCount   int       `json:"pendingCount"`
	RunningCount   int       `json:"runningCount"`
	CompletedCount int       `json:"completedCount"`
	Running        []JobView `json:"running"`
	Pending        []JobView `json:"pending"`
}

// job is the scheduler-owned mutable record. Fields other than the atomic
// flag are guarded by the scheduler mutex.
type job struct {
	id       string
	name     string
	kind     catalog.Kind
	titleKey string
	unitKey  string
	detail   string

	status      Status
	progress    float64
	err         string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	run    RunFunc
	onDone func(JobView)

	cancelRequested atomic.Bool
}

func (j *job) view() JobView {
	return JobView{
		ID:          j.id,
		Name:        j.name,
		Kind:        j.kind,
		Status:      j.status,
		Progress:    j.progress,
		Detail:      j.detail,
		Error:       j.err,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}

// Sink is the per-job progress channel handed to a RunFunc. Updates mutate
// only the owning job; the run goroutine is the single writer.
type Sink struct {
	s   *Scheduler
	job *job
}

// Set records the job's progress fraction and detail line and forwards the
// sample to the aggregator.
func (k *Sink) Set(fraction float64, detail string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	k.s.mu.Lock()
	k.job.progress = fraction
	if detail != "" {
		k.job.detail = detail
	}
	view := k.job.view()
	k.s.mu.Unlock()

	k.s.agg.Observe(view)
}

// CancelRequested reports whether a cooperative cancel has been asked for.
// The RunFunc should abandon work at its next suspension point.
func (k *Sink) CancelRequested() bool {
	return k.job.cancelRequested.Load()
}
