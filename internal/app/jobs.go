package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
)

type JobEventType string

const (
	JobEventStatus JobEventType = "status"
	JobEventPoll   JobEventType = "poll"
	JobEventResult JobEventType = "result"
)

type JobEvent struct {
	JobID string       `json:"job_id"`
	Type  JobEventType `json:"type"`

	// For status changes
	Status JobStatus `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`

	// For polls
	DeployState string `json:"deploy_state,omitempty"`

	Completion *Completion `json:"completion,omitempty"`
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

func (s JobStatus) Finished() bool {
	return s == JobDone || s == JobFailed || s == JobCanceled
}

// Job is a background watch on one provider deploy.
type Job struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"` // "watch"
	DeployID   string        `json:"deploy_id"`
	Status     JobStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at,omitempty"`
	Completion *Completion   `json:"completion,omitempty"`
	Events     chan JobEvent `json:"-"`
}

// JobFunc is the body of a job. emit publishes progress to the job's event
// channel without blocking.
type JobFunc func(ctx context.Context, emit func(JobEvent)) (*Completion, error)

// Jobs tracks background jobs. Finished jobs stay listed until the process
// exits.
type Jobs struct {
	logger logging.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewJobs(logger logging.Logger) *Jobs {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Jobs{
		logger:  logger.With(logging.Field{Key: "component", Value: "jobs"}),
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (j *Jobs) emit(jobID string, ev JobEvent) {
	j.mu.Lock()
	job, ok := j.jobs[jobID]
	j.mu.Unlock()
	if !ok || job == nil || job.Events == nil {
		return
	}

	// Non-blocking send; drop if buffer is full.
	select {
	case job.Events <- ev:
	default:
	}
}

func (j *Jobs) setStatus(jobID string, status JobStatus, errMsg string) {
	j.mu.Lock()
	if job, ok := j.jobs[jobID]; ok {
		job.Status = status
		job.Error = errMsg
	}
	j.mu.Unlock()
	j.emit(jobID, JobEvent{JobID: jobID, Type: JobEventStatus, Status: status, Error: errMsg})
}

// Start runs fn in its own goroutine under a context derived from ctx.
func (j *Jobs) Start(ctx context.Context, typ, deployID string, fn JobFunc) *Job {
	jobID := uuid.New().String()
	job := &Job{
		ID:        jobID,
		Type:      typ,
		DeployID:  deployID,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
		Events:    make(chan JobEvent, 16),
	}
	jobCtx, cancel := context.WithCancel(ctx)

	j.mu.Lock()
	j.jobs[jobID] = job
	j.cancels[jobID] = cancel
	j.mu.Unlock()

	j.emit(jobID, JobEvent{JobID: jobID, Type: JobEventStatus, Status: JobPending})

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer func() {
			j.mu.Lock()
			job.EndedAt = time.Now().UTC()
			delete(j.cancels, jobID)
			j.mu.Unlock()
			cancel()

			// Close events channel so websocket loop can terminate cleanly
			close(job.Events)
		}()

		j.setStatus(jobID, JobRunning, "")

		completion, err := fn(jobCtx, func(ev JobEvent) {
			ev.JobID = jobID
			j.emit(jobID, ev)
		})

		if jobCtx.Err() != nil && err != nil {
			j.setStatus(jobID, JobCanceled, jobCtx.Err().Error())
			j.logger.Info("job canceled", logging.Field{Key: "job_id", Value: jobID})
			return
		}
		if err != nil {
			j.setStatus(jobID, JobFailed, errs.Message(err))
			j.logger.Warn("job failed",
				logging.Field{Key: "job_id", Value: jobID},
				logging.Field{Key: "error", Value: err.Error()})
			return
		}

		j.mu.Lock()
		job.Completion = completion
		j.mu.Unlock()
		j.emit(jobID, JobEvent{JobID: jobID, Type: JobEventResult, Completion: completion})
		j.setStatus(jobID, JobDone, "")
	}()

	return job
}

// Get returns a snapshot of a job.
func (j *Jobs) Get(jobID string) (*Job, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// Events returns the event channel of a job. It is closed when the job
// ends; there is one channel per job, so only one reader sees each event.
func (j *Jobs) Events(jobID string) (<-chan JobEvent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Events, true
}

// List returns snapshots of all jobs, newest first.
func (j *Jobs) List() []Job {
	j.mu.Lock()
	out := make([]Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, *job)
	}
	j.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].StartedAt.After(out[b].StartedAt)
	})
	return out
}

// Cancel stops a running job.
func (j *Jobs) Cancel(jobID string) error {
	j.mu.Lock()
	_, known := j.jobs[jobID]
	cancel := j.cancels[jobID]
	j.mu.Unlock()
	if !known {
		return errs.NotFound(fmt.Sprintf("job %s not found", jobID))
	}
	if cancel == nil {
		return errs.Conflict("job already finished")
	}
	cancel()
	return nil
}

// Close cancels every running job and waits for them to return or for ctx
// to end.
func (j *Jobs) Close(ctx context.Context) error {
	j.mu.Lock()
	for _, cancel := range j.cancels {
		cancel()
	}
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
