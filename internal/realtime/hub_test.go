package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodadyoushutup/llmctl/internal/events"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

func TestHubDeliversRoomScopedEnvelopes(t *testing.T) {
	bus := events.NewBus(16)
	hub := NewHub(bus, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSubscribe))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?rooms=run:r1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the subscriber to register.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A matching envelope is delivered; a foreign room is filtered.
	_ = bus.Publish(context.Background(), store.Envelope{
		EventID: "other", SequenceStream: "run:r2", Sequence: 1,
		EventType: "flowchart:run:started", RoomKeys: []string{"run:r2"},
	})
	_ = bus.Publish(context.Background(), store.Envelope{
		EventID: "mine", SequenceStream: "run:r1", Sequence: 1,
		EventType: "flowchart:run:started", RoomKeys: []string{"run:r1"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env store.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.EventID != "mine" {
		t.Fatalf("received %+v", env)
	}
}

func TestHubRejectsMissingRooms(t *testing.T) {
	bus := events.NewBus(16)
	hub := NewHub(bus, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSubscribe))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without rooms succeeded")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("resp = %+v", resp)
	}
}
