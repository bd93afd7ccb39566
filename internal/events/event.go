package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a lifecycle milestone.
type Stage string

// Lifecycle stages.
const (
	StageJobQueued        Stage = "JOB_QUEUED"
	StageJobStart         Stage = "JOB_START"
	StageJobDone          Stage = "JOB_DONE"
	StageJobError         Stage = "JOB_ERROR"
	StageWebhookDelivered Stage = "WEBHOOK_DELIVERED"
	StageWebhookExhausted Stage = "WEBHOOK_EXHAUSTED"
)

// Event is a single lifecycle notification.
type Event struct {
	JobID     string    `json:"job_id"`
	QueueID   int64     `json:"queue_id"`
	Operation string    `json:"operation"`
	TS        time.Time `json:"ts"`
	Stage     Stage     `json:"stage"`
	// Slot is the worker slot for start/finish events.
	Slot int `json:"slot"`
	// Code is the envelope code for terminal events.
	Code int `json:"code,omitempty"`
	// Dur is run time for terminal events and total delivery time for webhook events.
	Dur time.Duration `json:"duration"`
	// Attempts counts webhook delivery attempts.
	Attempts int    `json:"attempts,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart:
	case StageJobDone, StageJobError:
		if e.Code == 0 {
			return fmt.Errorf("%s requires a code", e.Stage)
		}
	case StageWebhookDelivered:
		if e.Attempts <= 0 {
			return fmt.Errorf("%s requires attempts", e.Stage)
		}
	case StageWebhookExhausted:
		// Zero attempts: the envelope could not be encoded.
		if e.Attempts < 0 {
			return fmt.Errorf("%s attempts must be >= 0", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
