package http

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(hub *Hub) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: zap.NewNop(),
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", want, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, client *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		return wsMsg
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
	return WSMessage{}
}

func TestHub_ClientRegistration(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Shutdown()

	client := newTestClient(hub)
	hub.register <- client
	waitForClients(t, hub, 1)

	hub.unregister <- client
	waitForClients(t, hub, 0)
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Shutdown()

	client := newTestClient(hub)
	hub.register <- client
	waitForClients(t, hub, 1)

	hub.Broadcast("experiment.completed", map[string]interface{}{
		"key":             "5|50|200|unbiased|1|0.5",
		"elapsed_seconds": 42,
	})

	wsMsg := receive(t, client)
	if wsMsg.Type != "experiment.completed" {
		t.Errorf("Expected event type experiment.completed, got %s", wsMsg.Type)
	}
	data, ok := wsMsg.Data.(map[string]interface{})
	if !ok {
		t.Fatal("Data is not a map")
	}
	if data["key"] != "5|50|200|unbiased|1|0.5" {
		t.Errorf("Unexpected key %v", data["key"])
	}
	if data["elapsed_seconds"] != float64(42) {
		t.Errorf("Expected elapsed_seconds=42, got %v", data["elapsed_seconds"])
	}
}

func TestHub_ReplaysLatestProgress(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Shutdown()

	first := newTestClient(hub)
	hub.register <- first
	waitForClients(t, hub, 1)

	hub.Broadcast(EventTypeProgress, map[string]int{"finished": 3})
	receive(t, first)

	late := newTestClient(hub)
	hub.register <- late

	wsMsg := receive(t, late)
	if wsMsg.Type != EventTypeProgress {
		t.Fatalf("Expected replayed %s, got %s", EventTypeProgress, wsMsg.Type)
	}
	data := wsMsg.Data.(map[string]interface{})
	if data["finished"] != float64(3) {
		t.Errorf("Expected finished=3, got %v", data["finished"])
	}
}

func TestClient_Subscriptions(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Shutdown()

	client := newTestClient(hub)
	client.filter.add([]string{EventTypeProgress, "experiment.failed"})
	hub.register <- client
	waitForClients(t, hub, 1)

	if !client.filter.allows("experiment.failed") {
		t.Error("Client should be subscribed to experiment.failed")
	}
	if client.filter.allows("experiment.claimed") {
		t.Error("Client should not be subscribed to experiment.claimed")
	}

	hub.Broadcast("experiment.failed", map[string]string{"error": "infeasible"})
	if got := receive(t, client); got.Type != "experiment.failed" {
		t.Errorf("Expected experiment.failed, got %s", got.Type)
	}

	hub.Broadcast("experiment.claimed", map[string]string{"worker": "nodeA"})
	select {
	case <-client.send:
		t.Fatal("Should not have received unsubscribed event")
	case <-time.After(100 * time.Millisecond):
	}

	client.filter.remove([]string{"experiment.failed"})
	if client.filter.allows("experiment.failed") {
		t.Error("Client should be unsubscribed from experiment.failed")
	}
}

func TestClient_NoSubscriptionReceivesAll(t *testing.T) {
	client := newTestClient(NewHub(zap.NewNop()))

	for _, eventType := range []string{EventTypeProgress, "dispatch.idle", "any.event.type"} {
		if !client.filter.allows(eventType) {
			t.Errorf("Client with no subscriptions should receive %s", eventType)
		}
	}
}

func TestHub_ShutdownIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Shutdown()
	hub.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Hub did not stop")
	}
}

func TestClient_HandleSubscriptionFrames(t *testing.T) {
	client := newTestClient(NewHub(zap.NewNop()))

	client.handle([]byte(`{"action":"subscribe","event_types":["dispatch.idle"]}`))
	if client.filter.allows("experiment.claimed") {
		t.Error("Subscribed client should filter experiment.claimed")
	}

	client.handle([]byte("hello"))
	client.handle([]byte(`{"action":"mute"}`))
	if !client.filter.allows("dispatch.idle") {
		t.Error("Ignored frames must not change the filter")
	}

	client.handle([]byte(`{"action":"unsubscribe","event_types":["dispatch.idle"]}`))
	if !client.filter.allows("experiment.claimed") {
		t.Error("Empty filter should allow everything")
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Shutdown()

	slow := &Client{hub: hub, send: make(chan []byte), logger: zap.NewNop()}
	hub.register <- slow
	waitForClients(t, hub, 1)

	hub.Broadcast("dispatch.idle", nil)
	waitForClients(t, hub, 0)

	if _, ok := <-slow.send; ok {
		t.Error("Send channel of a dropped client should be closed")
	}
}
