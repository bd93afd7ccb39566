// Package admission decides whether a request may enter the job queue and
// assigns identity to the jobs it accepts.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/events"
	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/metrics"
)

// ErrCapacityExceeded matches every *CapacityError.
var ErrCapacityExceeded = errors.New("queue capacity exceeded")

// CapacityError reports a rejected submission.
type CapacityError struct {
	Length int
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("MAX_QUEUE_LENGTH (%d) reached", e.Limit)
}

// Is lets errors.Is(err, ErrCapacityExceeded) match.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// Snapshot is a point-in-time view of queue occupancy.
type Snapshot struct {
	Length   int
	Capacity int
}

// Tracker registers in-flight jobs so they can be looked up by ID.
type Tracker interface {
	Add(j *job.Job) error
	Remove(jobID string)
}

// Config controls admission behavior.
type Config struct {
	// MaxQueueLength bounds the queue; zero means unbounded.
	MaxQueueLength int
	// DefaultTimeout applies to requests that do not carry their own.
	DefaultTimeout time.Duration
}

// Controller admits requests into the queue.
type Controller struct {
	mu      sync.Mutex
	queue   job.Queue
	counter *Counter
	ids     job.IDGenerator
	clock   job.Clock
	tracker Tracker
	emitter events.Emitter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Controller. tracker and emitter may be nil.
func New(
	queue job.Queue,
	counter *Counter,
	ids job.IDGenerator,
	clock job.Clock,
	tracker Tracker,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if counter == nil {
		counter = NewCounter(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		queue:   queue,
		counter: counter,
		ids:     ids,
		clock:   clock,
		tracker: tracker,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Submit admits req or rejects it with a *CapacityError. Rejected requests
// never allocate a job ID or queue ID.
func (c *Controller) Submit(ctx context.Context, req job.Request) (*job.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	length := c.queue.Len()
	if c.cfg.MaxQueueLength > 0 && length >= c.cfg.MaxQueueLength {
		metrics.ObserveAdmission("rejected")
		c.logger.Warn("admission rejected",
			zap.String("operation", req.Operation),
			zap.Int("queue_length", length),
			zap.Int("max_queue_length", c.cfg.MaxQueueLength),
		)
		return nil, &CapacityError{Length: length, Limit: c.cfg.MaxQueueLength}
	}

	jobID, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	if req.Timeout == 0 {
		req.Timeout = c.cfg.DefaultTimeout
	}
	now := c.clock.Now()
	j := job.New(jobID, c.counter.Next(), req, now)

	if c.tracker != nil {
		if err := c.tracker.Add(j); err != nil {
			return nil, fmt.Errorf("track job: %w", err)
		}
	}
	if err := c.queue.Enqueue(ctx, j); err != nil {
		if c.tracker != nil {
			c.tracker.Remove(j.ID)
		}
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveAdmission("accepted")
	metrics.SetQueueLength(length + 1)
	if c.emitter != nil {
		c.emitter.Emit(events.Event{
			JobID:     j.ID,
			QueueID:   j.QueueID,
			Operation: req.Operation,
			TS:        now,
			Stage:     events.StageJobQueued,
		})
	}
	c.logger.Debug("job admitted",
		zap.String("job_id", j.ID),
		zap.Int64("queue_id", j.QueueID),
		zap.String("operation", req.Operation),
	)
	return j, nil
}

// Full reports whether a submission would be rejected right now.
func (s Snapshot) Full() bool {
	return s.Capacity > 0 && s.Length >= s.Capacity
}

// Snapshot reports the current queue length and configured capacity.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{Length: c.queue.Len(), Capacity: c.cfg.MaxQueueLength}
}
