// Package worker implements one execution slot of the worker pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/events"
	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/metrics"
)

const tracerName = "github.com/JakeFAU/media-job-server/internal/worker"

// HandlerLookup resolves the handler for an operation.
type HandlerLookup interface {
	Lookup(op string) (job.Handler, error)
}

// Worker consumes queued jobs one at a time. A handler occupies the slot for
// its full duration.
type Worker struct {
	slot     int
	queue    job.Queue
	handlers HandlerLookup
	clock    job.Clock
	notifier job.Notifier
	emitter  events.Emitter
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New constructs the Worker for slot. notifier and emitter may be nil.
func New(
	slot int,
	queue job.Queue,
	handlers HandlerLookup,
	clock job.Clock,
	notifier job.Notifier,
	emitter events.Emitter,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Worker{
		slot:     slot,
		queue:    queue,
		handlers: handlers,
		clock:    clock,
		notifier: notifier,
		emitter:  emitter,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
}

// Slot returns the logical slot identifier.
func (w *Worker) Slot() int {
	return w.slot
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		j, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, job.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", j.ID), zap.Int64("queue_id", j.QueueID))
		w.processJob(ctx, j)
	}
}

func (w *Worker) processJob(ctx context.Context, j *job.Job) {
	j.AssignSlot(w.slot)
	op := j.Request.Operation
	started := j.Snapshot()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	metrics.SetQueueLength(w.queue.Len())
	metrics.ObserveQueueWait(op, started.Timing.QueueTime)
	w.emitter.Emit(events.Event{
		JobID:     j.ID,
		QueueID:   j.QueueID,
		Operation: op,
		TS:        started.StartedAt,
		Stage:     events.StageJobStart,
		Slot:      w.slot,
	})

	ctx, span := w.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.Int64("job.queue_id", j.QueueID),
		attribute.String("job.operation", op),
		attribute.Int("job.slot", w.slot),
	))
	defer span.End()

	resp, err := w.execute(ctx, j)
	if completeErr := j.Complete(w.clock.Now(), resp, err); completeErr != nil {
		w.logger.Error("complete job failed", zap.String("job_id", j.ID), zap.Error(completeErr))
		return
	}

	final := j.Snapshot()
	code := http.StatusOK
	stage := events.StageJobDone
	if final.Error != nil {
		code = final.Error.Code
		stage = events.StageJobError
		span.RecordError(final.Error)
		span.SetStatus(codes.Error, final.Error.Error())
		w.logger.Warn("job failed",
			zap.String("job_id", j.ID),
			zap.String("operation", op),
			zap.Int("code", code),
			zap.Error(final.Error),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		w.logger.Info("job succeeded",
			zap.String("job_id", j.ID),
			zap.String("operation", op),
			zap.Duration("run_time", final.Timing.RunTime),
			zap.Duration("queue_time", final.Timing.QueueTime),
		)
	}
	span.SetAttributes(attribute.Int("job.code", code))
	w.emitter.Emit(events.Event{
		JobID:     j.ID,
		QueueID:   j.QueueID,
		Operation: op,
		TS:        final.CompletedAt,
		Stage:     stage,
		Slot:      w.slot,
		Code:      code,
		Dur:       final.Timing.RunTime,
		Note:      final.ErrorText,
	})

	if j.Request.Async() && w.notifier != nil {
		w.notifier.Notify(j, final.Envelope(w.queue.Len()))
	}
}

type outcome struct {
	resp any
	err  error
}

// execute runs the handler on its own goroutine so that a deadline can
// abandon it and a panic cannot escape the slot.
func (w *Worker) execute(ctx context.Context, j *job.Job) (any, error) {
	h, err := w.handlers.Lookup(j.Request.Operation)
	if err != nil {
		return nil, job.Internal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	timeout := j.Request.Timeout
	if timeout > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				w.logger.Error("handler panic recovered",
					zap.String("job_id", j.ID),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				done <- outcome{err: job.Internal(fmt.Errorf("handler panic: %v", rec))}
			}
		}()
		resp, err := h.Handle(runCtx, j)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &job.Error{
				Code:    http.StatusInternalServerError,
				Message: fmt.Sprintf("job timed out after %s", timeout.Round(time.Millisecond)),
				Err:     runCtx.Err(),
			}
		}
		return nil, job.Internal(fmt.Errorf("job canceled: %w", runCtx.Err()))
	}
}
