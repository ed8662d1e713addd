package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newFakeClient(t)
	_, err := client.CreateTopic(ctx, "swarm-events")
	require.NoError(t, err)

	pub := NewWithClient(client, "swarm-events")
	id, err := pub.Publish(ctx, "", map[string]any{"type": "taskComplete", "target_id": "7"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "taskComplete", body["type"])
	require.Equal(t, "7", body["target_id"])
}

func TestPublisherInjectsTraceContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newFakeClient(t)
	_, err := client.CreateTopic(ctx, "traced")
	require.NoError(t, err)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	pub := NewWithClient(client, "traced")
	pub.propagator = propagation.TraceContext{}
	_, err = pub.Publish(trace.ContextWithSpanContext(ctx, sc), "", "payload")
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "", "untraced")
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msgs[0].Attributes["traceparent"])
	require.Empty(t, msgs[1].Attributes["traceparent"])
}

func TestPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	client, _ := newFakeClient(t)
	pub := NewWithClient(client, "")
	_, err := pub.Publish(context.Background(), "", "payload")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "t", func() {})
	require.ErrorContains(t, err, "marshal payload")
}

func TestNewRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)

	var nilPub *Publisher
	_, err = nilPub.Publish(context.Background(), "t", "x")
	require.Error(t, err)
}
