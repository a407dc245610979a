// ABOUTME: End-to-end tests for WebSocket sessions over a real HTTP server
// ABOUTME: Drives the handler with the wsclient package against a live broadcaster

package session

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khiwniti/pinn-enterprise-platform/internal/broadcast"
	"github.com/khiwniti/pinn-enterprise-platform/internal/protocol"
	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
	"github.com/khiwniti/pinn-enterprise-platform/internal/wsclient"
)

type harness struct {
	store *store.MemoryStore
	hub   *broadcast.Broadcaster
	url   string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	hub := broadcast.New(st, broadcast.Options{})
	srv := httptest.NewServer(NewHandler(hub, opts))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &harness{
		store: st,
		hub:   hub,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T, format string) *wsclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := wsclient.Dial(ctx, h.url, wsclient.Options{Format: format})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func read(t *testing.T, c *wsclient.Client) *protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := c.Read()
	require.NoError(t, err)
	return msg
}

func seed(t *testing.T, st store.Store, id string) *workflow.Record {
	t.Helper()
	now := time.Now().UTC()
	rec := workflow.New(id, workflow.Spec{Name: id, Domain: workflow.DomainHeatTransfer}, now)
	rec, err := workflow.Advance(rec, workflow.StepAnalysis, 20, nil, now)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), rec))
	return rec
}

func TestSessionGreetsOnConnect(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "")

	msg := read(t, c)
	assert.Equal(t, protocol.TypeConnectionEstablished, msg.Type)
	assert.NotEmpty(t, msg.Payload.SessionID)
}

func TestSessionSubscribeReceivesSnapshotAndUpdates(t *testing.T) {
	h := newHarness(t, Options{})
	rec := seed(t, h.store, "wf-1")
	c := h.dial(t, "")
	read(t, c)

	require.NoError(t, c.Subscribe("wf-1"))

	confirm := read(t, c)
	assert.Equal(t, protocol.TypeSubscriptionConfirmed, confirm.Type)
	assert.Equal(t, "wf-1", confirm.Payload.WorkflowID)

	snap := read(t, c)
	assert.Equal(t, protocol.TypeWorkflowProgress, snap.Type)
	assert.True(t, snap.Payload.Snapshot)
	require.NotNil(t, snap.Payload.Progress)
	assert.Equal(t, 20.0, *snap.Payload.Progress)

	next, err := workflow.Advance(rec, workflow.StepAnalysis, 25, nil, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), next))
	h.hub.Publish("wf-1", next)

	update := read(t, c)
	assert.Equal(t, protocol.TypeWorkflowProgress, update.Type)
	assert.False(t, update.Payload.Snapshot)
	require.NotNil(t, update.Payload.Progress)
	assert.Equal(t, 25.0, *update.Payload.Progress)
}

func TestSessionLegacySubscribeAlias(t *testing.T) {
	h := newHarness(t, Options{})
	seed(t, h.store, "wf-legacy")
	c := h.dial(t, "")
	read(t, c)

	require.NoError(t, c.SendRaw([]byte(`{"type":"subscribe_workflow","payload":{"workflowId":"wf-legacy"}}`)))

	msg := read(t, c)
	assert.Equal(t, protocol.TypeSubscriptionConfirmed, msg.Type)
	assert.Equal(t, "wf-legacy", msg.Payload.WorkflowID)
}

func TestSessionPingPong(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "")
	read(t, c)

	require.NoError(t, c.Ping())
	assert.Equal(t, protocol.TypePong, read(t, c).Type)
}

func TestSessionMalformedMessageKeepsConnection(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "")
	read(t, c)

	require.NoError(t, c.SendRaw([]byte(`{not json`)))
	msg := read(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "malformed message", msg.Payload.Message)

	require.NoError(t, c.SendRaw([]byte(`{"type":"teleport"}`)))
	msg = read(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Contains(t, msg.Payload.Message, "unknown message type")

	require.NoError(t, c.SendRaw([]byte(`{"type":"subscribe"}`)))
	msg = read(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type)

	require.NoError(t, c.Ping())
	assert.Equal(t, protocol.TypePong, read(t, c).Type)
}

func TestSessionUnknownWorkflowGetsError(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "")
	read(t, c)

	require.NoError(t, c.RequestStatus("missing"))
	msg := read(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "missing", msg.Payload.WorkflowID)
}

func TestSessionSystemStatus(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t, "")
	read(t, c)

	require.NoError(t, c.Send(&protocol.Message{Type: protocol.TypeGetStatus}))
	msg := read(t, c)
	assert.Equal(t, protocol.TypeSystemStatus, msg.Type)
	require.NotNil(t, msg.Payload.Stats)
	assert.Equal(t, 1, msg.Payload.Stats.ActiveSessions)
}

func TestSessionMsgpackFormat(t *testing.T) {
	h := newHarness(t, Options{})
	seed(t, h.store, "wf-bin")
	c := h.dial(t, protocol.CodecNameMsgpack)

	assert.Equal(t, protocol.TypeConnectionEstablished, read(t, c).Type)

	require.NoError(t, c.Subscribe("wf-bin"))
	assert.Equal(t, protocol.TypeSubscriptionConfirmed, read(t, c).Type)
	snap := read(t, c)
	assert.Equal(t, protocol.TypeWorkflowProgress, snap.Type)
	assert.Equal(t, "wf-bin", snap.Payload.WorkflowID)
}

func TestSessionRejectsUnknownFormat(t *testing.T) {
	h := newHarness(t, Options{})
	httpURL := "http" + strings.TrimPrefix(h.url, "ws")

	resp, err := http.Get(httpURL + "?format=xml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionRateLimit(t *testing.T) {
	h := newHarness(t, Options{RateLimit: 0.001, RateBurst: 1})
	c := h.dial(t, "")
	read(t, c)

	require.NoError(t, c.Ping())
	assert.Equal(t, protocol.TypePong, read(t, c).Type)

	require.NoError(t, c.Ping())
	msg := read(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "rate limit exceeded", msg.Payload.Message)
}

func TestSessionDisconnectLeavesHub(t *testing.T) {
	h := newHarness(t, Options{})
	seed(t, h.store, "wf-gone")
	c := h.dial(t, "")
	read(t, c)
	require.NoError(t, c.Subscribe("wf-gone"))
	read(t, c)
	read(t, c)
	require.Equal(t, 1, h.hub.Subscribers("wf-gone"))

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return h.hub.Stats().ActiveSessions == 0 && h.hub.Subscribers("wf-gone") == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendAfterCloseFails(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	// drain whatever Close writes so the pipe never blocks
	go func() { _, _ = io.Copy(io.Discard, client) }()

	conn := New(server, protocol.JSONCodec{}, nil, Options{WriteTimeout: time.Second})
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send(protocol.Pong(time.Now())), ErrClosed)
	assert.ErrorIs(t, conn.Ping(), ErrClosed)
}

func TestSendQueueFullReportsSlowConsumer(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	// no writer goroutine runs, so the queue only fills
	conn := New(server, protocol.JSONCodec{}, nil, Options{SendBuffer: 1})
	require.NoError(t, conn.Send(protocol.Pong(time.Now())))
	assert.ErrorIs(t, conn.Send(protocol.Pong(time.Now())), ErrSlowConsumer)
}

func TestPruningStalledSessionDoesNotBlockPublish(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.New(st, broadcast.Options{})
	t.Cleanup(hub.Close)
	rec := seed(t, st, "wf-stall")

	// the client end is never read, so the first frame the writer takes blocks
	server, client := net.Pipe()
	defer client.Close()

	conn := New(server, protocol.JSONCodec{}, hub, Options{SendBuffer: 4, WriteTimeout: time.Second})
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = conn.Serve(context.Background())
	}()
	require.Eventually(t, func() bool { return hub.Stats().ActiveSessions == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Subscribe(conn, rec.ID))

	var slowest time.Duration
	cur := rec
	for i := 1; i <= 10; i++ {
		next, err := workflow.Advance(cur, workflow.StepAnalysis, 20+float64(i), nil, time.Now().UTC())
		require.NoError(t, err)
		cur = next

		start := time.Now()
		hub.Publish(rec.ID, cur)
		if d := time.Since(start); d > slowest {
			slowest = d
		}
	}

	assert.Less(t, slowest, 500*time.Millisecond, "slowest publish took %s", slowest)
	assert.Equal(t, 0, hub.Subscribers(rec.ID))

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after being pruned")
	}
}

func TestPingSkippedWhileWriteInFlight(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := New(server, protocol.JSONCodec{}, nil, Options{WriteTimeout: 5 * time.Second})
	defer conn.Close()

	// hold the write lock the way a writer blocked on a silent peer does
	conn.writeMu.Lock()
	start := time.Now()
	assert.NoError(t, conn.Ping())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	conn.writeMu.Unlock()
}
