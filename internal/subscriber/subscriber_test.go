package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"visionwatch/internal/logger"
	"visionwatch/internal/notification"
	"visionwatch/internal/pipeline"
	"visionwatch/internal/vision"
)

func finalizeAttrs(object string) map[string]string {
	return map[string]string{
		notification.AttrEventType:        notification.EventObjectFinalize,
		notification.AttrBucketID:         "uploads",
		notification.AttrObjectID:         object,
		notification.AttrObjectGeneration: "1700000000000000",
		notification.AttrPayloadFormat:    notification.PayloadJSONAPIV1,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []*notification.Event
	fail   map[string]error
}

func (r *recorder) Handle(_ context.Context, ev *notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.fail[ev.ObjectID]
}

func (r *recorder) seen(object string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.ObjectID == object {
			n++
		}
	}
	return n
}

func TestDeliverAckPolicy(t *testing.T) {
	rec := &recorder{fail: map[string]error{"broken.jpg": errors.New("vision unavailable")}}
	s := &Subscriber{handler: rec, log: logger.WithComponent("subscriber")}
	ctx := context.Background()

	tests := []struct {
		name    string
		attrs   map[string]string
		data    []byte
		wantAck bool
		handled bool
	}{
		{
			name:    "handled successfully",
			attrs:   finalizeAttrs("ok.jpg"),
			data:    []byte(`{"name":"ok.jpg","bucket":"uploads","contentType":"image/jpeg","size":"2048"}`),
			wantAck: true,
			handled: true,
		},
		{
			name:    "handler failure is redelivered",
			attrs:   finalizeAttrs("broken.jpg"),
			wantAck: false,
			handled: true,
		},
		{
			name:    "missing attribute is dropped",
			attrs:   map[string]string{notification.AttrEventType: notification.EventObjectFinalize},
			wantAck: true,
		},
		{
			name:    "malformed payload is dropped",
			attrs:   finalizeAttrs("bad.jpg"),
			data:    []byte(`{"size":`),
			wantAck: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(rec.events)
			got := s.deliver(ctx, "msg-1", tt.attrs, tt.data)
			assert.Equal(t, tt.wantAck, got)
			if tt.handled {
				assert.Len(t, rec.events, before+1)
			} else {
				assert.Len(t, rec.events, before)
			}
		})
	}

	require.NotEmpty(t, rec.events)
	first := rec.events[0]
	require.NotNil(t, first.Metadata)
	assert.Equal(t, int64(2048), first.Metadata.Size)
}

type countingAnnotator struct{ calls int }

func (c *countingAnnotator) Annotate(context.Context, string) (*vision.Annotations, error) {
	c.calls++
	return &vision.Annotations{}, nil
}

type bytesReader []byte

func (b bytesReader) Read(context.Context, string, string) ([]byte, error) { return b, nil }

type discardSink struct{}

func (discardSink) Put(context.Context, string, string, []byte) error { return nil }
func (discardSink) Location(name string) string                      { return name }

func TestDeliverAcksUndecodableImage(t *testing.T) {
	annotator := &countingAnnotator{}
	proc := pipeline.NewProcessor(annotator, bytesReader("GIF89a not really"), discardSink{}, nil, pipeline.DefaultOptions())
	s := &Subscriber{handler: proc, log: logger.WithComponent("subscriber")}

	for i := 0; i < 3; i++ {
		assert.True(t, s.deliver(context.Background(), "msg-gif", finalizeAttrs("corrupt.gif"), nil))
	}
	assert.Zero(t, annotator.calls)
}

func TestHandlerFunc(t *testing.T) {
	var got *notification.Event
	h := HandlerFunc(func(_ context.Context, ev *notification.Event) error {
		got = ev
		return nil
	})

	ev := &notification.Event{ObjectID: "a.png"}
	require.NoError(t, h.Handle(context.Background(), ev))
	assert.Same(t, ev, got)
}

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "uploads")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "uploads-sub", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	return srv, client
}

func TestRunAcksHandledMessages(t *testing.T) {
	srv, client := newTestClient(t)

	rec := &recorder{fail: map[string]error{"flaky.jpg": errors.New("try again")}}
	s := New(client, "uploads-sub", rec, Settings{MaxOutstandingMessages: 4, NumGoroutines: 1})

	okID := srv.Publish("projects/test-project/topics/uploads", nil, finalizeAttrs("ok.jpg"))
	flakyID := srv.Publish("projects/test-project/topics/uploads", nil, finalizeAttrs("flaky.jpg"))
	junkID := srv.Publish("projects/test-project/topics/uploads", []byte("junk"), map[string]string{"foo": "bar"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return rec.seen("ok.jpg") >= 1 && rec.seen("flaky.jpg") >= 1
	}, 10*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		return srv.Message(okID).Acks > 0 && srv.Message(junkID).Acks > 0
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Zero(t, srv.Message(flakyID).Acks)
	assert.Zero(t, rec.seen(""))
}
