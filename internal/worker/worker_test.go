package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/events"
	"github.com/JakeFAU/media-job-server/internal/job"
	queueMemory "github.com/JakeFAU/media-job-server/internal/queue/memory"
	"github.com/JakeFAU/media-job-server/internal/registry"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type funcHandler func(ctx context.Context, j *job.Job) (any, error)

func (f funcHandler) Prepare(context.Context, json.RawMessage) (any, error) { return nil, nil }

func (f funcHandler) Handle(ctx context.Context, j *job.Job) (any, error) { return f(ctx, j) }

type fakeNotifier struct {
	mu        sync.Mutex
	envelopes []job.Envelope
}

func (n *fakeNotifier) Notify(_ *job.Job, env job.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.envelopes = append(n.envelopes, env)
}

func (n *fakeNotifier) Envelopes() []job.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]job.Envelope(nil), n.envelopes...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []events.Stage
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, evt.Stage)
}

func (r *recordingEmitter) Stages() []events.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Stage(nil), r.stages...)
}

type harness struct {
	queue    *queueMemory.Queue
	reg      *registry.Registry
	notifier *fakeNotifier
	emitter  *recordingEmitter
	worker   *Worker
	nextID   int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue:    queueMemory.NewQueue(realClock{}),
		reg:      registry.New(),
		notifier: &fakeNotifier{},
		emitter:  &recordingEmitter{},
	}
	h.worker = New(2, h.queue, h.reg, realClock{}, h.notifier, h.emitter, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) submit(t *testing.T, req job.Request) *job.Job {
	t.Helper()
	h.nextID++
	j := job.New("job", h.nextID, req, time.Now())
	require.NoError(t, h.queue.Enqueue(context.Background(), j))
	return j
}

func waitDone(t *testing.T, j *job.Job) job.Snapshot {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
	}
	return j.Snapshot()
}

func TestWorkerSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("echo", funcHandler(func(context.Context, *job.Job) (any, error) {
		return map[string]string{"url": "memory://out.mp3"}, nil
	}))

	snap := waitDone(t, h.submit(t, job.Request{Operation: "echo"}))
	require.Equal(t, job.StateSucceeded, snap.State)
	require.Equal(t, 2, snap.Slot)
	require.Equal(t, map[string]string{"url": "memory://out.mp3"}, snap.Response)
	require.Equal(t, snap.Timing.QueueTime+snap.Timing.RunTime, snap.Timing.TotalTime)
	require.Empty(t, h.notifier.Envelopes())
	require.Eventually(t, func() bool {
		s := h.emitter.Stages()
		return len(s) == 2 && s[0] == events.StageJobStart && s[1] == events.StageJobDone
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerKeepsHandlerErrorCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("missing", funcHandler(func(context.Context, *job.Job) (any, error) {
		return nil, job.NotFound("file not found: a.mp3")
	}))

	snap := waitDone(t, h.submit(t, job.Request{Operation: "missing"}))
	require.Equal(t, job.StateFailed, snap.State)
	require.Equal(t, http.StatusNotFound, snap.Error.Code)
}

func TestWorkerSurvivesPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("explode", funcHandler(func(context.Context, *job.Job) (any, error) {
		panic("decoder blew up")
	}))
	h.reg.MustRegister("echo", funcHandler(func(context.Context, *job.Job) (any, error) {
		return "fine", nil
	}))

	first := waitDone(t, h.submit(t, job.Request{Operation: "explode"}))
	require.Equal(t, job.StateFailed, first.State)
	require.Equal(t, http.StatusInternalServerError, first.Error.Code)
	require.Contains(t, first.ErrorText, "handler panic")

	second := waitDone(t, h.submit(t, job.Request{Operation: "echo"}))
	require.Equal(t, job.StateSucceeded, second.State)
}

func TestWorkerTimeoutAbandonsHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.reg.MustRegister("slow", funcHandler(func(context.Context, *job.Job) (any, error) {
		<-release
		return "late", nil
	}))

	snap := waitDone(t, h.submit(t, job.Request{Operation: "slow", Timeout: 20 * time.Millisecond}))
	require.Equal(t, job.StateFailed, snap.State)
	require.Contains(t, snap.ErrorText, "timed out")
	require.Nil(t, snap.Response)
}

func TestWorkerUnknownOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	snap := waitDone(t, h.submit(t, job.Request{Operation: "nope"}))
	require.Equal(t, job.StateFailed, snap.State)
	require.Contains(t, snap.ErrorText, "no handler registered")
}

func TestWorkerHandsAsyncJobsToNotifier(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister("fail", funcHandler(func(context.Context, *job.Job) (any, error) {
		return nil, errors.New("ffmpeg exited 1")
	}))

	waitDone(t, h.submit(t, job.Request{
		Operation:  "fail",
		Endpoint:   "/v1/audio/merge_tracks",
		CallerID:   "client-7",
		WebhookURL: "https://hooks.example.com/cb",
	}))
	require.Eventually(t, func() bool { return len(h.notifier.Envelopes()) == 1 }, time.Second, 5*time.Millisecond)
	env := h.notifier.Envelopes()[0]
	require.Equal(t, http.StatusInternalServerError, env.Code)
	require.Equal(t, "/v1/audio/merge_tracks", env.Endpoint)
	require.Equal(t, "client-7", *env.ID)
	require.Equal(t, 2, env.PID)
}
