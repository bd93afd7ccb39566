package job

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// State represents the lifecycle state of a job.
type State string

// Job states. The only legal path is queued -> running -> succeeded|failed.
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Request is the immutable description of work accepted at admission.
type Request struct {
	// Operation selects the handler in the registry.
	Operation string
	// Endpoint is echoed in the response envelope.
	Endpoint string
	// Params is the handler-specific value produced by Handler.Prepare.
	Params any
	// CallerID is the optional correlation token supplied as "id".
	CallerID string
	// WebhookURL switches the job to asynchronous delivery when set.
	WebhookURL string
	// Timeout bounds handler execution; zero disables the deadline.
	Timeout time.Duration
}

// Async reports whether the result is delivered by webhook.
func (r Request) Async() bool {
	return r.WebhookURL != ""
}

// Delivery records the outcome of webhook delivery for a job.
type Delivery struct {
	Attempts  int       `json:"attempts"`
	Delivered bool      `json:"delivered"`
	LastError string    `json:"last_error,omitempty"`
	Finished  time.Time `json:"finished_at"`
}

// Job is the engine-owned mutable record for one admitted request.
type Job struct {
	ID      string
	QueueID int64
	Request Request

	mu          sync.RWMutex
	state       State
	enqueuedAt  time.Time
	startedAt   time.Time
	completedAt time.Time
	slot        int
	response    any
	err         *Error
	delivery    *Delivery
	done        chan struct{}
}

// New creates a queued Job.
func New(id string, queueID int64, req Request, enqueuedAt time.Time) *Job {
	return &Job{
		ID:         id,
		QueueID:    queueID,
		Request:    req,
		state:      StateQueued,
		enqueuedAt: enqueuedAt,
		slot:       -1,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Start transitions queued -> running and stamps the start time.
func (j *Job) Start(at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.state, StateRunning)
	}
	j.state = StateRunning
	j.startedAt = at
	return nil
}

// AssignSlot records the logical worker slot executing the job.
func (j *Job) AssignSlot(slot int) {
	j.mu.Lock()
	j.slot = slot
	j.mu.Unlock()
}

// Complete transitions running -> succeeded (err == nil) or failed.
func (j *Job) Complete(at time.Time, response any, err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	next := StateSucceeded
	if err != nil {
		next = StateFailed
	}
	if j.state != StateRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.state, next)
	}
	j.state = next
	j.completedAt = at
	if err != nil {
		j.err = AsError(err)
	} else {
		j.response = response
	}
	close(j.done)
	return nil
}

// RecordDelivery stores the webhook outcome.
func (j *Job) RecordDelivery(d Delivery) {
	j.mu.Lock()
	j.delivery = &d
	j.mu.Unlock()
}

// Snapshot is a consistent, read-only copy of a Job.
type Snapshot struct {
	ID          string    `json:"job_id"`
	QueueID     int64     `json:"queue_id"`
	Operation   string    `json:"operation"`
	Endpoint    string    `json:"endpoint"`
	CallerID    string    `json:"id,omitempty"`
	State       State     `json:"state"`
	Slot        int       `json:"slot"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Response    any       `json:"response,omitempty"`
	Error       *Error    `json:"-"`
	ErrorText   string    `json:"error,omitempty"`
	Delivery    *Delivery `json:"delivery,omitempty"`
	Async       bool      `json:"async"`
	Timing      Timing    `json:"timing"`
}

// Snapshot returns a copy of the job's current fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := Snapshot{
		ID:          j.ID,
		QueueID:     j.QueueID,
		Operation:   j.Request.Operation,
		Endpoint:    j.Request.Endpoint,
		CallerID:    j.Request.CallerID,
		State:       j.state,
		Slot:        j.slot,
		EnqueuedAt:  j.enqueuedAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Response:    j.response,
		Error:       j.err,
		Async:       j.Request.Async(),
		Timing:      timingOf(j.enqueuedAt, j.startedAt, j.completedAt),
	}
	if j.err != nil {
		s.ErrorText = j.err.Error()
	}
	if j.delivery != nil {
		d := *j.delivery
		s.Delivery = &d
	}
	return s
}

// Timing holds the derived durations reported in envelopes.
type Timing struct {
	QueueTime time.Duration `json:"queue_time"`
	RunTime   time.Duration `json:"run_time"`
	TotalTime time.Duration `json:"total_time"`
}

func timingOf(enqueued, started, completed time.Time) Timing {
	var t Timing
	if started.IsZero() {
		return t
	}
	t.QueueTime = nonNegative(started.Sub(enqueued))
	if !completed.IsZero() {
		t.RunTime = nonNegative(completed.Sub(started))
	}
	t.TotalTime = t.QueueTime + t.RunTime
	return t
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// Seconds rounds a duration to milliseconds, expressed in seconds.
func Seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
