package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-job-server/internal/events"
)

// PrometheusSink exports lifecycle counters. It owns its collectors.
type PrometheusSink struct {
	stages     *prometheus.CounterVec
	running    prometheus.Gauge
	runtime    *prometheus.HistogramVec
	codes      *prometheus.CounterVec
	deliveries *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg (default registerer
// when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediajobs_lifecycle_events_total",
			Help: "Lifecycle events observed, partitioned by stage.",
		}, []string{"stage"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediajobs_jobs_running",
			Help: "Jobs currently executing on a worker slot.",
		}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediajobs_job_run_seconds",
			Help:    "Handler run time per completed job.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"operation", "result"}),
		codes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediajobs_job_codes_total",
			Help: "Terminal jobs partitioned by envelope code.",
		}, []string{"code"}),
		deliveries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediajobs_webhook_attempts",
			Help:    "Attempts used per webhook delivery.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{s.stages, s.running, s.runtime, s.codes, s.deliveries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.stages.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case events.StageJobStart:
			s.running.Inc()
		case events.StageJobDone:
			s.finish(evt, "success")
		case events.StageJobError:
			s.finish(evt, "error")
		case events.StageWebhookDelivered:
			s.deliveries.WithLabelValues("delivered").Observe(float64(evt.Attempts))
		case events.StageWebhookExhausted:
			s.deliveries.WithLabelValues("exhausted").Observe(float64(evt.Attempts))
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt events.Event, result string) {
	s.running.Dec()
	s.codes.WithLabelValues(strconv.Itoa(evt.Code)).Inc()
	if evt.Dur > 0 {
		s.runtime.WithLabelValues(evt.Operation, result).Observe(evt.Dur.Seconds())
	}
}

// Close implements events.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
