// Package webhook delivers completed job envelopes to caller-supplied URLs.
//
// Delivery is at-least-once: every request carries the job ID in X-Job-ID and
// Idempotency-Key so receivers can discard repeats.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/events"
	"github.com/JakeFAU/media-job-server/internal/job"
	"github.com/JakeFAU/media-job-server/internal/metrics"
	"github.com/JakeFAU/media-job-server/internal/webhook/ratelimit"
)

// Config tunes delivery. Zero values select the defaults.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	RatePerSecond  float64
	Burst          int
	BreakerTimeout time.Duration

	HTTPClient *http.Client
	Emitter    events.Emitter
	Logger     *zap.Logger
	// Release is called with the job ID once delivery has finished.
	Release func(jobID string)
}

const (
	defaultMaxAttempts    = 5
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultAttemptTimeout = 10 * time.Second
	defaultBreakerTimeout = 30 * time.Second
	userAgent             = "mediajobs-webhook/1.0"
)

// Notifier posts envelopes with retries, per-host pacing and per-host
// circuit breaking.
type Notifier struct {
	cfg     Config
	policy  RetryPolicy
	client  *http.Client
	limiter *ratelimit.Limiter
	emitter events.Emitter
	logger  *zap.Logger

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Notifier.
func New(cfg Config) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		cfg: cfg,
		policy: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
		},
		client:   client,
		limiter:  ratelimit.New(ratelimit.Config{RPS: cfg.RatePerSecond, Burst: cfg.Burst}),
		emitter:  emitter,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Notify schedules delivery of env to the job's webhook URL and returns
// immediately. The outcome is recorded on the job and emitted as an event.
func (n *Notifier) Notify(j *job.Job, env job.Envelope) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn("notifier closed, dropping webhook", zap.String("job_id", j.ID))
		n.release(j.ID)
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		n.deliverJob(j, env)
	}()
}

func (n *Notifier) deliverJob(j *job.Job, env job.Envelope) {
	url := j.Request.WebhookURL
	started := time.Now()
	attempts, err := n.Deliver(n.ctx, url, env)
	finished := time.Now()

	delivery := job.Delivery{Attempts: attempts, Delivered: err == nil, Finished: finished}
	evt := events.Event{
		JobID:     j.ID,
		QueueID:   j.QueueID,
		Operation: j.Request.Operation,
		TS:        finished,
		Stage:     events.StageWebhookDelivered,
		Code:      env.Code,
		Dur:       finished.Sub(started),
		Attempts:  attempts,
	}
	if err != nil {
		delivery.LastError = err.Error()
		evt.Stage = events.StageWebhookExhausted
		evt.Note = err.Error()
		n.logger.Error("webhook delivery exhausted",
			zap.String("job_id", j.ID),
			zap.String("host", metrics.SanitizeHost(url)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	} else {
		n.logger.Info("webhook delivered",
			zap.String("job_id", j.ID),
			zap.String("host", metrics.SanitizeHost(url)),
			zap.Int("attempts", attempts),
		)
	}
	j.RecordDelivery(delivery)
	n.emitter.Emit(evt)
	n.release(j.ID)
}

func (n *Notifier) release(jobID string) {
	if n.cfg.Release != nil {
		n.cfg.Release(jobID)
	}
}

// Deliver posts env to url until it succeeds, fails permanently, or attempts
// run out. It returns the number of attempts made.
func (n *Notifier) Deliver(ctx context.Context, url string, env job.Envelope) (int, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode webhook payload: %w", err)
	}
	var lastErr error
	attempt := 0
	for attempt < n.policy.MaxAttempts {
		attempt++
		lastErr = n.attempt(ctx, url, env.JobID, body)
		metrics.ObserveWebhookAttempt(url, outcome(lastErr))
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !n.policy.ShouldRetry(lastErr, attempt) {
			break
		}
		wait := n.policy.Backoff(attempt)
		n.logger.Debug("webhook attempt failed, retrying",
			zap.String("job_id", env.JobID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("webhook delivery aborted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return attempt, fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt, lastErr)
}

func (n *Notifier) attempt(ctx context.Context, url, jobID string, body []byte) error {
	if err := n.limiter.Wait(ctx, url); err != nil {
		return err
	}
	_, err := n.breaker(url).Execute(func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.AttemptTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("X-Job-ID", jobID)
		req.Header.Set("Idempotency-Key", jobID)
		resp, err := n.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post webhook: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return nil, nil
	})
	return err
}

// breaker returns the circuit breaker for url's host. A receiver answering
// with a non-retryable 4xx is considered healthy.
func (n *Notifier) breaker(url string) *gobreaker.CircuitBreaker {
	host := metrics.SanitizeHost(url)
	n.breakerMu.Lock()
	defer n.breakerMu.Unlock()
	if cb, ok := n.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     n.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var status *StatusError
			if errors.As(err, &status) {
				return !retryableStatus(status.Code)
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("webhook circuit state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	n.breakers[host] = cb
	return cb
}

// Close stops accepting work and waits for in-flight deliveries. When ctx
// ends first, pending retries are aborted.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return fmt.Errorf("webhook drain: %w", ctx.Err())
	}
}
