package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("client count never reached %d, got %d", want, hub.ClientCount())
}

func TestBroadcastReachesClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &Client{ID: "c1", hub: hub, send: make(chan []byte, 16)}
	hub.register <- client
	waitForCount(t, hub, 1)

	hub.Broadcast(NewMessage("report", ReportEventData{ImportID: "imp1", State: "running"}))

	select {
	case raw := <-client.send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "report", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the broadcast")
	}
}

func TestBroadcastDropsStalledClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	healthy := &Client{ID: "healthy", hub: hub, send: make(chan []byte, 16)}
	stalled := &Client{ID: "stalled", hub: hub, send: make(chan []byte)}
	hub.register <- healthy
	hub.register <- stalled
	waitForCount(t, hub, 2)

	// Nobody drains the stalled client, so the broadcast evicts it while
	// ClientCount readers run concurrently.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.ClientCount()
		}
	}()
	hub.Broadcast(NewMessage("report", ReportEventData{ImportID: "imp1"}))
	<-done

	waitForCount(t, hub, 1)
	select {
	case _, open := <-stalled.send:
		assert.False(t, open, "the stalled client's channel must be closed")
	default:
		t.Fatal("the stalled client's channel was not closed")
	}
}
