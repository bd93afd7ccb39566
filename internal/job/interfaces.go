package job

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Handler executes one operation type.
//
// Prepare runs on the request path before admission and turns the raw JSON
// body into the handler's validated parameter value. Errors returned from
// Prepare are reported to the caller directly and no Job is created.
//
// Handle runs on a worker slot with the Job's Params and returns the value
// placed in the envelope's response field.
type Handler interface {
	Prepare(ctx context.Context, raw json.RawMessage) (any, error)
	Handle(ctx context.Context, j *Job) (any, error)
}

// Queue provides FIFO enqueue/dequeue semantics for admitted jobs.
type Queue interface {
	Enqueue(ctx context.Context, j *Job) error
	Dequeue(ctx context.Context) (*Job, error)
	Len() int
}

// Notifier accepts completed jobs for asynchronous webhook delivery.
type Notifier interface {
	Notify(j *Job, envelope Envelope)
}

// BlobStore writes artifacts and returns a URI the caller can fetch.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
