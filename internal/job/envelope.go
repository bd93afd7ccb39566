package job

import "net/http"

// Envelope is the response body shared by synchronous replies and webhook
// payloads, so both delivery modes are representationally identical.
type Envelope struct {
	Endpoint    string  `json:"endpoint"`
	Code        int     `json:"code"`
	ID          *string `json:"id"`
	JobID       string  `json:"job_id"`
	Response    any     `json:"response"`
	Message     string  `json:"message"`
	PID         int     `json:"pid"`
	QueueID     int64   `json:"queue_id"`
	RunTime     float64 `json:"run_time"`
	QueueTime   float64 `json:"queue_time"`
	TotalTime   float64 `json:"total_time"`
	QueueLength int     `json:"queue_length"`
}

// ErrorEnvelope is returned for requests that never became a Job.
type ErrorEnvelope struct {
	Code           int     `json:"code"`
	Message        string  `json:"message"`
	ID             *string `json:"id,omitempty"`
	QueueLength    *int    `json:"queue_length,omitempty"`
	MaxQueueLength *int    `json:"max_queue_length,omitempty"`
}

// Envelope renders a terminal snapshot into the response envelope.
func (s Snapshot) Envelope(queueLength int) Envelope {
	env := Envelope{
		Endpoint:    s.Endpoint,
		Code:        http.StatusOK,
		JobID:       s.ID,
		Response:    s.Response,
		Message:     "success",
		PID:         s.Slot,
		QueueID:     s.QueueID,
		RunTime:     Seconds(s.Timing.RunTime),
		QueueTime:   Seconds(s.Timing.QueueTime),
		TotalTime:   Seconds(s.Timing.TotalTime),
		QueueLength: queueLength,
	}
	if s.CallerID != "" {
		id := s.CallerID
		env.ID = &id
	}
	if s.Error != nil {
		env.Code = s.Error.Code
		env.Message = s.Error.Error()
		env.Response = nil
	}
	return env
}
