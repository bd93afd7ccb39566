// Package dispatcher runs the fixed pool of worker slots over the job queue.
package dispatcher

import (
	"context"
	"runtime"
	"sync"

	"github.com/JakeFAU/media-job-server/internal/worker"
)

// Runner is one execution slot.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans queued work out to a fixed pool of slots.
type Dispatcher struct {
	slots []Runner
}

// New creates a Dispatcher over the given slots.
func New(slots ...Runner) *Dispatcher {
	return &Dispatcher{slots: slots}
}

// NewPool builds size slots with build (size <= 0 uses runtime.NumCPU()).
func NewPool(size int, build func(slot int) *worker.Worker) *Dispatcher {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	slots := make([]Runner, 0, size)
	for i := 0; i < size; i++ {
		slots = append(slots, build(i))
	}
	return New(slots...)
}

// Size reports the number of slots.
func (d *Dispatcher) Size() int {
	return len(d.slots)
}

// Run starts all slots and blocks until the context finishes and every slot
// has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range d.slots {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(s)
	}
	<-ctx.Done()
	wg.Wait()
}
