package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	b := New[int]()
	defer b.Close()

	ch := make(chan int, 10)
	if err := b.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish(42)

	select {
	case got := <-ch:
		if got != 42 {
			t.Errorf("Expected 42, got %d", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for value")
	}
}

// TestNonBlockingPublish verifies Publish never blocks on a full subscriber.
func TestNonBlockingPublish(t *testing.T) {
	b := New[int]()
	defer b.Close()

	ch := make(chan int, 1)
	if err := b.Subscribe("slow", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Publish(1) // fills buffer
		b.Publish(2) // dropped
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	if got := <-ch; got != 1 {
		t.Errorf("Expected first value 1, got %d", got)
	}

	stats := b.Stats()
	sub := stats.Subscribers["slow"]
	if sub.Sent != 1 || sub.Dropped != 1 {
		t.Errorf("Expected sent=1 dropped=1, got sent=%d dropped=%d", sub.Sent, sub.Dropped)
	}
	if stats.DropRate() != 0.5 {
		t.Errorf("Expected drop rate 0.5, got %f", stats.DropRate())
	}
}

func TestSubscribeErrors(t *testing.T) {
	b := New[string]()

	ch := make(chan string, 1)
	if err := b.Subscribe("a", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	t.Run("duplicate id", func(t *testing.T) {
		if err := b.Subscribe("a", ch); err != ErrSubscriberExists {
			t.Errorf("Expected ErrSubscriberExists, got %v", err)
		}
	})

	t.Run("nil channel", func(t *testing.T) {
		if err := b.Subscribe("b", nil); err != ErrNilChannel {
			t.Errorf("Expected ErrNilChannel, got %v", err)
		}
	})

	t.Run("unknown unsubscribe", func(t *testing.T) {
		if err := b.Unsubscribe("missing"); err != ErrSubscriberNotFound {
			t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
		}
	})

	t.Run("closed bus", func(t *testing.T) {
		b.Close()
		if err := b.Subscribe("c", ch); err != ErrBusClosed {
			t.Errorf("Expected ErrBusClosed, got %v", err)
		}
		if _, err := b.SubscribeOnce("d"); err != ErrBusClosed {
			t.Errorf("Expected ErrBusClosed, got %v", err)
		}
		b.Publish("ignored") // must not panic
	})
}

// TestSubscribeOnceTakesExactlyOne verifies the one-shot receiver consumes the
// next value only and is removed from the bus afterwards.
func TestSubscribeOnceTakesExactlyOne(t *testing.T) {
	b := New[int]()
	defer b.Close()

	once, err := b.SubscribeOnce("calibration")
	if err != nil {
		t.Fatalf("SubscribeOnce failed: %v", err)
	}

	b.Publish(7)
	b.Publish(8)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, ok := once.Receive(ctx)
	if !ok {
		t.Fatal("Expected a value")
	}
	if got != 7 {
		t.Errorf("Expected first published value 7, got %d", got)
	}

	if _, exists := b.Stats().Subscribers["calibration"]; exists {
		t.Error("One-shot subscriber should be removed after delivery")
	}

	t.Logf("✅ one-shot receiver took value %d and unsubscribed", got)
}

func TestSubscribeOnceContextCancel(t *testing.T) {
	b := New[int]()
	defer b.Close()

	once, err := b.SubscribeOnce("waiter")
	if err != nil {
		t.Fatalf("SubscribeOnce failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := once.Receive(ctx); ok {
		t.Fatal("Expected no value on timeout")
	}

	if _, exists := b.Stats().Subscribers["waiter"]; exists {
		t.Error("Cancelled receiver should be unsubscribed")
	}

	// id is reusable after cancellation
	if _, err := b.SubscribeOnce("waiter"); err != nil {
		t.Errorf("Re-subscribe failed: %v", err)
	}
}

func TestCloseReleasesOnceReceiver(t *testing.T) {
	b := New[int]()

	once, err := b.SubscribeOnce("waiter")
	if err != nil {
		t.Fatalf("SubscribeOnce failed: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Close()
	}()

	if _, ok := once.Receive(context.Background()); ok {
		t.Fatal("Expected no value after Close")
	}
}

// TestConcurrentPublish runs publishers and subscribers concurrently (-race).
func TestConcurrentPublish(t *testing.T) {
	b := New[int]()
	defer b.Close()

	ch := make(chan int, 100)
	if err := b.Subscribe("sink", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(p*100 + i)
			}
		}(p)
	}
	wg.Wait()

	stats := b.Stats()
	if stats.TotalPublished != 200 {
		t.Errorf("Expected 200 published, got %d", stats.TotalPublished)
	}
	if stats.TotalSent+stats.TotalDropped != 200 {
		t.Errorf("Sent+dropped should equal published, got %d+%d", stats.TotalSent, stats.TotalDropped)
	}
}
