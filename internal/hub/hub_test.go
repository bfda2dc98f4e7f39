package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/icunnyngham/sherpa/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New(zaptest.NewLogger(t))
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func receive(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("no message for connection %s", conn.ID)
		return nil
	}
}

func assertNothing(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastRoutesByTrial(t *testing.T) {
	h := startHub(t)

	all := h.NewConnection(nil, AllTrials)
	one := h.NewConnection(nil, 1)
	two := h.NewConnection(nil, 2)
	for _, c := range []*Connection{all, one, two} {
		h.Register(c)
	}
	require.Eventually(t, func() bool { return h.ConnectionCount() == 3 }, time.Second, 5*time.Millisecond)

	h.Broadcast(1, []byte("r1"))

	assert.Equal(t, "r1", string(receive(t, all)))
	assert.Equal(t, "r1", string(receive(t, one)))
	assertNothing(t, two)
	assert.True(t, h.HasSubscribers(3), "all-trials subscribers count for every trial")
}

func TestPublishResult(t *testing.T) {
	h := startHub(t)
	conn := h.NewConnection(nil, 4)
	h.Register(conn)
	require.Eventually(t, func() bool { return h.HasSubscribers(4) }, time.Second, 5*time.Millisecond)

	rec := domain.ResultRecord{ID: "abc", TrialID: 4, Iteration: 2, Objective: 0.9, Context: map[string]any{}}
	require.NoError(t, h.PublishResult(rec))

	var ev domain.ResultEvent
	require.NoError(t, json.Unmarshal(receive(t, conn), &ev))
	assert.Equal(t, domain.ResultEventType, ev.Type)
	assert.Equal(t, "abc", ev.Result.ID)
	assert.Equal(t, 2, ev.Result.Iteration)
	assert.NotZero(t, ev.Ts)
}

func TestUnregisterClosesSend(t *testing.T) {
	h := startHub(t)
	conn := h.NewConnection(nil, AllTrials)
	h.Register(conn)
	h.Unregister(conn)

	_, ok := <-conn.Send
	assert.False(t, ok)
	assert.Zero(t, h.ConnectionCount())

	// unregistering twice is harmless
	h.Unregister(conn)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := startHub(t)
	conn := h.NewConnection(nil, AllTrials)
	h.Register(conn)

	for i := 0; i < cap(conn.Send)+1; i++ {
		h.Broadcast(1, []byte("x"))
	}
	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopClosesConnections(t *testing.T) {
	h := New(zaptest.NewLogger(t))
	go h.Run()

	conn := h.NewConnection(nil, 1)
	h.Register(conn)
	h.Stop()

	_, ok := <-conn.Send
	assert.False(t, ok)

	// the hub no longer blocks callers after it stopped
	h.Broadcast(1, []byte("late"))
	late := h.NewConnection(nil, 1)
	h.Register(late)
	_, ok = <-late.Send
	assert.False(t, ok)
	h.Stop()
}
