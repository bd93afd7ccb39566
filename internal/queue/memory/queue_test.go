package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-job-server/internal/job"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newJob(id string, queueID int64) *job.Job {
	return job.New(id, queueID, job.Request{Operation: "op"}, time.Unix(0, 0))
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(&fakeClock{})
	result := make(chan *job.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.Enqueue(context.Background(), newJob("job-1", 1)))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.ID)
		require.Equal(t, job.StateRunning, got.State())
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueFIFOAcrossConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue(&fakeClock{})
	const total = 200
	for i := 1; i <= total; i++ {
		require.NoError(t, q.Enqueue(context.Background(), newJob(fmt.Sprintf("job-%d", i), int64(i))))
	}
	require.Equal(t, total, q.Len())

	var (
		mu   sync.Mutex
		seen []*job.Job
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				j, err := q.Dequeue(ctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen = append(seen, j)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, total)

	// Lower queue ids never start after higher ones.
	byQueueID := make(map[int64]time.Time, total)
	for _, j := range seen {
		byQueueID[j.QueueID] = j.Snapshot().StartedAt
	}
	for id := int64(2); id <= total; id++ {
		require.False(t, byQueueID[id].Before(byQueueID[id-1]), "job %d started before job %d", id, id-1)
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(&fakeClock{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	err = q.Enqueue(ctx, newJob("job", 1))
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseWakesConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue(&fakeClock{})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("close did not wake consumer")
	}
	require.ErrorIs(t, q.Enqueue(context.Background(), newJob("late", 2)), ErrClosed)
}
