package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]TopicConfig{}
	for _, c := range DefaultTopicConfigs() {
		names[c.Name] = c
	}
	require.Len(t, names, 3)
	assert.Contains(t, names, TopicTakehomeEvents)
	assert.Contains(t, names, TopicRegulatoryAcks)
	assert.Contains(t, names, TopicDeadLetter)
	assert.Equal(t, "2592000000", *names[TopicTakehomeEvents].Configs["retention.ms"])
}

func TestDefaultConsumerConfig(t *testing.T) {
	cfg := DefaultConsumerConfig()
	assert.Equal(t, []string{TopicRegulatoryAcks}, cfg.Topics)
	assert.False(t, cfg.AutoCommit)
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicTakehomeEvents}
	injectTraceHeaders(ctx, record)
	require.Len(t, record.Headers, 1)
	assert.Equal(t, "traceparent", record.Headers[0].Key)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", string(record.Headers[0].Value))

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
	assert.True(t, extracted.IsRemote())
}

func TestTraceHeadersSkipInvalidSpan(t *testing.T) {
	record := &kgo.Record{}
	injectTraceHeaders(context.Background(), record)
	assert.Empty(t, record.Headers)
}

func TestSortLagsAndTotal(t *testing.T) {
	lags := []PartitionLag{
		{Topic: TopicTakehomeEvents, Partition: 1, Lag: 4},
		{Topic: TopicRegulatoryAcks, Partition: 2, Lag: 3},
		{Topic: TopicRegulatoryAcks, Partition: 0, Lag: 0},
	}
	sortLags(lags)
	assert.Equal(t, []PartitionLag{
		{Topic: TopicRegulatoryAcks, Partition: 0, Lag: 0},
		{Topic: TopicRegulatoryAcks, Partition: 2, Lag: 3},
		{Topic: TopicTakehomeEvents, Partition: 1, Lag: 4},
	}, lags)
	assert.Equal(t, int64(7), TotalLag(lags))
	assert.Zero(t, TotalLag(nil))
}

func TestPingUnreachableBrokers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, Ping(ctx, []string{"127.0.0.1:1"}))
}
