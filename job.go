package kgraph

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brunobiangulo/kgraph/pipeline"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Job is a handle on one background analysis.
type Job struct {
	ID        string
	StartedAt time.Time

	cancel context.CancelFunc
	halt   func() // raises the coordinator's stop flag while this job owns it
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	progress   float64
	result     *pipeline.Result
	err        error
	finishedAt time.Time
}

// JobInfo is a point-in-time view of a job.
type JobInfo struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Running    bool       `json:"is_running"`
	Progress   float64    `json:"progress"`
	Chunks     int        `json:"chunks"`
	Entities   int        `json:"entities"`
	Relations  int        `json:"relations"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Progress returns the overall progress in [0, 100]: the extraction
// pipeline covers 0-50, writing entities 50-75 and relations 75-100.
// A failed or cancelled job reports 0.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Running reports whether the job is still working.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status == StatusRunning
}

// Status returns the job state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the error a finished job ended with. A stopped job returns
// ErrCancelled.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Result returns the merged entities and relations once extraction has
// finished, nil before that or when extraction did not complete.
func (j *Job) Result() *pipeline.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Stop asks the job to finish early. It returns immediately; use Wait to
// block until the job has exited. Stopping a finished job is a no-op.
func (j *Job) Stop() {
	if !j.Running() {
		return
	}
	// The stop flag is checked between pipeline sub-steps. Cancelling the
	// run context also trips the sink and aborts the in-flight LLM call.
	if j.halt != nil {
		j.halt()
	}
	j.cancel()
}

// Done is closed when the job exits.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job exits or ctx is done and returns the job's
// error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:        j.ID,
		Status:    j.status,
		Running:   j.status == StatusRunning,
		Progress:  j.progress,
		StartedAt: j.StartedAt,
	}
	if j.result != nil {
		info.Chunks = j.result.Chunks
		info.Entities = len(j.result.Entities)
		info.Relations = len(j.result.Relations)
	}
	if j.err != nil && !errors.Is(j.err, ErrCancelled) {
		info.Error = j.err.Error()
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		info.FinishedAt = &t
	}
	return info
}

func (j *Job) setProgress(p float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusRunning {
		j.progress = p
	}
}

func (j *Job) setResult(r *pipeline.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = r
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	switch {
	case err == nil:
		j.status = StatusCompleted
		j.progress = 100
	case errors.Is(err, ErrCancelled):
		j.status = StatusCancelled
		j.progress = 0
	default:
		j.status = StatusFailed
		j.progress = 0
	}
	j.err = err
	j.finishedAt = time.Now().UTC()
	j.mu.Unlock()
}
