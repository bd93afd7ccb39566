package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/media-job-server/internal/events"
	"github.com/JakeFAU/media-job-server/internal/job"
)

// PublisherSink forwards terminal lifecycle events to a Publisher topic.
type PublisherSink struct {
	publisher job.Publisher
	topic     string
	stages    map[events.Stage]bool
}

// NewPublisherSink publishes terminal job events and webhook outcomes to topic.
func NewPublisherSink(publisher job.Publisher, topic string) *PublisherSink {
	return &PublisherSink{
		publisher: publisher,
		topic:     topic,
		stages: map[events.Stage]bool{
			events.StageJobDone:          true,
			events.StageJobError:         true,
			events.StageWebhookDelivered: true,
			events.StageWebhookExhausted: true,
		},
	}
}

// Consume publishes each forwarded event; errors are joined, not fatal.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if !s.stages[evt.Stage] {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Stage, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the publisher when it supports it.
func (s *PublisherSink) Close(context.Context) error {
	if closer, ok := s.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close publisher: %w", err)
		}
	}
	return nil
}
