package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

func recvMessage(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestHubEmitRoutesByClientConnection(t *testing.T) {
	hub := NewHub(logger.NewNop())
	a := hub.Subscribe("conn-a")
	b := hub.Subscribe("conn-b")
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	require.NoError(t, hub.Emit(context.Background(), "conn-a", "uploadProgress", map[string]any{"progress": 50}))

	msg := recvMessage(t, a.Outbound, time.Second)
	assert.Equal(t, "uploadProgress", msg.Event)
	assert.JSONEq(t, `{"progress":50}`, string(msg.Data))

	select {
	case m := <-b.Outbound:
		t.Fatalf("unexpected message for conn-b: %+v", m)
	default:
	}
}

func TestHubEmitWithoutSubscribers(t *testing.T) {
	hub := NewHub(logger.NewNop())
	assert.NoError(t, hub.Emit(context.Background(), "nobody", "uploadComplete", nil))
}

func TestHubUnsubscribeClosesOutbound(t *testing.T) {
	hub := NewHub(logger.NewNop())
	c := hub.Subscribe("conn")
	assert.Equal(t, 1, hub.Subscribers("conn"))

	hub.Unsubscribe(c)
	hub.Unsubscribe(c)
	assert.Equal(t, 0, hub.Subscribers("conn"))

	_, ok := <-c.Outbound
	assert.False(t, ok)

	// broadcasting after unsubscribe must not panic
	assert.NoError(t, hub.Emit(context.Background(), "conn", "uploadError", "x"))
}

func TestHubFullBufferDrops(t *testing.T) {
	hub := NewHub(logger.NewNop())
	c := hub.Subscribe("conn")
	defer hub.Unsubscribe(c)

	for i := 0; i < outboundBuffer+5; i++ {
		hub.Broadcast(Message{Channel: "conn", Event: "uploadProgress"})
	}
	assert.Len(t, c.Outbound, outboundBuffer)
}

func TestHubStream(t *testing.T) {
	hub := NewHub(logger.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Stream(w, r, "conn-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers("conn-1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Emit(context.Background(), "conn-1", "uploadComplete", map[string]any{"status": "completed"}))

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: uploadComplete\n", eventLine)

	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dataLine, "data: "))

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &msg))
	assert.Equal(t, "conn-1", msg.Channel)
	assert.JSONEq(t, `{"status":"completed"}`, string(msg.Data))

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers("conn-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestProgressUsesStatusEventName(t *testing.T) {
	hub := NewHub(logger.NewNop())
	c := hub.Subscribe("conn")
	defer hub.Unsubscribe(c)

	require.NoError(t, Progress(context.Background(), hub, pipeline.ProgressEvent{
		ClientConnectionID: "conn",
		EventID:            "ev1",
		Progress:           100,
		Status:             pipeline.StatusCompleted,
	}))

	msg := recvMessage(t, c.Outbound, time.Second)
	assert.Equal(t, pipeline.EventUploadComplete, msg.Event)

	var ev pipeline.ProgressEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, 100, ev.Progress)
	assert.Equal(t, pipeline.StatusCompleted, ev.Status)
}
