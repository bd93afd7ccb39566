package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/media-job-server/internal/events"
	memorypublisher "github.com/JakeFAU/media-job-server/internal/publisher/memory"
)

func lifecycle() []events.Event {
	ts := time.Unix(10, 0)
	return []events.Event{
		{JobID: "a", Operation: "audio.probe", TS: ts, Stage: events.StageJobQueued},
		{JobID: "a", Operation: "audio.probe", TS: ts, Stage: events.StageJobStart},
		{JobID: "a", Operation: "audio.probe", TS: ts, Stage: events.StageJobDone, Code: 200, Dur: time.Second},
		{JobID: "b", Operation: "audio.probe", TS: ts, Stage: events.StageJobStart},
		{JobID: "b", Operation: "audio.probe", TS: ts, Stage: events.StageJobError, Code: 500, Dur: time.Second},
		{JobID: "b", Operation: "audio.probe", TS: ts, Stage: events.StageWebhookExhausted, Attempts: 5},
	}
}

func TestPrometheusSinkCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), lifecycle()))

	require.InDelta(t, 2, testutil.ToFloat64(sink.stages.WithLabelValues(string(events.StageJobStart))), 0)
	require.InDelta(t, 0, testutil.ToFloat64(sink.running), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.codes.WithLabelValues("500")), 0)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), lifecycle()))
	require.Equal(t, 6, logs.Len())
	require.Equal(t, 2, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestPublisherSinkForwardsTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memorypublisher.New()
	sink := NewPublisherSink(pub, "job-events")
	require.NoError(t, sink.Consume(context.Background(), lifecycle()))

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.Equal(t, "job-events", m.Topic)
	}
	require.NoError(t, sink.Close(context.Background()))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t")
	err := sink.Consume(context.Background(), lifecycle())
	require.ErrorContains(t, err, "unavailable")
}
