package events

import (
	"context"
	"testing"
	"time"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus(4)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	env := store.Envelope{EventID: "e1", EventType: "flowchart:run:started", SequenceStream: "run:r1", Sequence: 1}
	if err := bus.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ch := range map[string]<-chan store.Envelope{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got.EventID != "e1" {
				t.Fatalf("%s received %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive envelope", name)
		}
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe("slow")

	for i := 0; i < 3; i++ {
		_ = bus.Publish(context.Background(), store.Envelope{EventID: "e", Sequence: int64(i)})
	}
	// Buffer of one: exactly one envelope retained, rest dropped.
	<-ch
	select {
	case env := <-ch:
		t.Fatalf("expected drop, received %+v", env)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe("x")
	bus.Unsubscribe("x")
	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", bus.SubscriberCount())
	}
}
