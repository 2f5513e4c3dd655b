package ingest

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/sessiontimeline/internal/session"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:     "device_readings",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     []byte(`{"device_id":"hrm-1","metric":"heartRate","value":132}`),
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte("sess-1")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	deliverer := &stubDeliverer{}

	processor := NewProcessor(reader, deliverer, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, deliverer.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "sess-1", deliverer.lastSession)
	require.Equal(t, "hrm-1", deliverer.last.DeviceID)
	require.Equal(t, 132.0, deliverer.last.Value)
	require.Equal(t, msg.Time, deliverer.last.Timestamp, "message time backfills a missing reading timestamp")
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "device_readings", Offset: 11, Value: []byte(`not json`), Headers: []kafka.Header{{Key: "session_id", Value: []byte("sess-1")}}},
			{Topic: "device_readings", Offset: 12, Value: []byte(`{"device_id":"hrm-1","value":90}`)},
		},
		after: contextCanceled,
	}
	deliverer := &stubDeliverer{}

	processor := NewProcessor(reader, deliverer, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 0, deliverer.calls)
	require.Equal(t, 2, reader.commitCalls, "malformed messages are committed to avoid poison pills")
}

func TestProcessorRejectsNegativeValues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:  "device_readings",
		Offset: 13,
		Value:  []byte(`{"device_id":"hrm-1","metric":"heartRate","value":-40}`),
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte("sess-1")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	deliverer := &stubDeliverer{}

	processor := NewProcessor(reader, deliverer, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 0, deliverer.calls, "negative values never reach a session")
	require.Equal(t, 1, reader.commitCalls)
}

func TestProcessorSkipsCommitOnDeliverError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:  "device_readings",
		Offset: 20,
		Value:  []byte(`{"device_id":"hrm-2","metric":"heartRate","value":110}`),
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte("sess-2")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	deliverer := &stubDeliverer{err: errors.New("boom")}

	processor := NewProcessor(reader, deliverer, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, deliverer.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorCommitsReadingsForUnknownSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:  "device_readings",
		Offset: 30,
		Value:  []byte(`{"device_id":"hrm-3","metric":"heartRate","value":95}`),
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte("sess-gone")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	deliverer := &stubDeliverer{err: session.ErrSessionNotFound}

	processor := NewProcessor(reader, deliverer, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, deliverer.calls)
	require.Equal(t, 1, reader.commitCalls, "readings for sessions not on this instance keep the group moving")
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubDeliverer struct {
	calls       int
	err         error
	lastSession string
	last        session.Reading
}

func (d *stubDeliverer) Deliver(sessionID string, r session.Reading) error {
	d.calls++
	d.lastSession = sessionID
	d.last = r
	return d.err
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
