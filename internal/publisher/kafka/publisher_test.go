package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisher_KeysMessageByJobID(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer, "crawl-results")

	env := crawl.PublishEnvelope{
		JobID:  "job-1",
		Target: "https://example.com",
	}
	id, err := pub.Publish(context.Background(), "", env)
	require.NoError(t, err)
	require.Equal(t, "crawl-results/job-1", id)

	require.Len(t, writer.messages, 1)
	require.Equal(t, "job-1", string(writer.messages[0].Key))

	var got crawl.PublishEnvelope
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &got))
	require.Equal(t, env.JobID, got.JobID)
	require.Equal(t, env.Target, got.Target)
}

func TestPublisher_WriteErrorSurfaces(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{err: errors.New("broker down")}
	pub := NewWithWriter(writer, "crawl-results")

	_, err := pub.Publish(context.Background(), "", crawl.PublishEnvelope{JobID: "job-2"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "broker down")
}

func TestPublisher_Close(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer, "crawl-results")
	require.NoError(t, pub.Close())
	require.True(t, writer.closed)
}
