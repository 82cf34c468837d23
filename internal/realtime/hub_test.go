package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ethescrow/internal/logging"
)

func testHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func testClient(h *Hub, sub Subscription) *Client {
	return &Client{hub: h, send: make(chan []byte, 16), sub: sub}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestShouldSend(t *testing.T) {
	h := NewHub(logging.Discard())
	phase := &Event{Type: EventPhaseChanged, Contract: "0xabc"}
	balance := &Event{Type: EventBalanceUpdated, Account: "0x1"}

	tests := []struct {
		name    string
		sub     Subscription
		phase   bool
		balance bool
	}{
		{"all events", Subscription{AllEvents: true}, true, true},
		{"empty subscription", Subscription{}, true, true},
		{"balances only", Subscription{EventTypes: []EventType{EventBalanceUpdated}}, false, true},
		{"matching contract", Subscription{Contracts: []string{"0xABC"}}, true, true},
		{"other contract", Subscription{Contracts: []string{"0xdef"}}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(h, tt.sub)
			assert.Equal(t, tt.phase, h.shouldSend(c, phase))
			assert.Equal(t, tt.balance, h.shouldSend(c, balance))
		})
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h, _ := testHub(t)
	c := testClient(h, Subscription{AllEvents: true})
	h.register <- c

	h.BroadcastPhase("0xABC", "0xDEF", map[string]string{"phase": "deployed"})

	e := receive(t, c)
	assert.Equal(t, EventPhaseChanged, e.Type)
	assert.Equal(t, "0xabc", e.Contract)
	assert.Equal(t, "0xdef", e.Account)
	assert.False(t, e.Timestamp.IsZero())
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h, _ := testHub(t)
	c := testClient(h, Subscription{EventTypes: []EventType{EventBalanceUpdated}})
	h.register <- c

	h.BroadcastPhase("0xabc", "", nil)
	h.BroadcastBalance(Balance{Account: "0xAA", BalanceWei: "1", Balance: "0.0000", Block: 7})

	e := receive(t, c)
	assert.Equal(t, EventBalanceUpdated, e.Type)
	assert.Equal(t, "0xaa", e.Account)

	select {
	case <-c.send:
		t.Fatal("phase event should have been filtered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ReplaysLatestOnRegister(t *testing.T) {
	h, _ := testHub(t)

	h.BroadcastPhase("0xabc", "", map[string]string{"phase": "drafting"})
	h.BroadcastPhase("0xabc", "", map[string]string{"phase": "deployed"})
	require.Eventually(t, func() bool { return h.Stats()["totalEvents"].(int64) == 2 },
		time.Second, 5*time.Millisecond)

	c := testClient(h, Subscription{AllEvents: true})
	h.register <- c

	e := receive(t, c)
	assert.Equal(t, EventPhaseChanged, e.Type)
	data, _ := json.Marshal(e.Data)
	assert.Contains(t, string(data), "deployed")
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, _ := testHub(t)
	c := testClient(h, Subscription{AllEvents: true})

	h.register <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 },
		time.Second, 5*time.Millisecond)

	h.unregister <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["totalClients"].(int64))
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancel")
	}
}

func TestHandleWebSocket(t *testing.T) {
	h, _ := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 },
		time.Second, 5*time.Millisecond)

	h.BroadcastBalance(Balance{Account: "0xaa", BalanceWei: "1000000000000000000", Balance: "1.0000", Block: 3})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, EventBalanceUpdated, e.Type)
}

func TestHandleWebSocket_AfterStop(t *testing.T) {
	h, cancel := testHub(t)
	cancel()
	<-h.done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, 503, rec.Code)
}
