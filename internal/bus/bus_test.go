package bus

import (
	"testing"
	"time"

	"wabridge/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{ID: "m1", Via: domain.ViaPush})
	b.Publish(domain.InboundMessage{ID: "m2", Via: domain.ViaPoll})

	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	first := <-b.Subscribe()
	second := <-b.Subscribe()
	if first.ID != "m1" || second.ID != "m2" {
		t.Errorf("order = %s,%s", first.ID, second.ID)
	}
}

func TestInMemoryBus_DropsWhenFull(t *testing.T) {
	b := New(1, testEBLogger())
	b.timeout = 20 * time.Millisecond
	defer b.Close()

	b.Publish(domain.InboundMessage{ID: "kept"})

	start := time.Now()
	b.Publish(domain.InboundMessage{ID: "dropped"})
	if time.Since(start) < 20*time.Millisecond {
		t.Error("publish on a full bus should wait before dropping")
	}

	if got := <-b.Subscribe(); got.ID != "kept" {
		t.Errorf("got %s", got.ID)
	}
	if b.Len() != 0 {
		t.Errorf("dropped message was queued")
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()

	b.Publish(domain.InboundMessage{ID: "late"})

	if _, ok := <-b.Subscribe(); ok {
		t.Error("closed bus should not deliver")
	}
}
