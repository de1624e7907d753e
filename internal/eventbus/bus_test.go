package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := New[int](Config{})
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	if _, err := bus.Subscribe("collector", func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	const n = 1000
	for i := range n {
		bus.Publish(i)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d = %d, out of order", i, v)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New[int](Config{QueueSize: 4})
	defer bus.Close()

	release := make(chan struct{})
	if _, err := bus.Subscribe("slow", func(int) { <-release }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	fast := make(chan int, 100)
	if _, err := bus.Subscribe("fast", func(v int) { fast <- v }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	for i := range 50 {
		bus.Publish(i)
	}

	for i := range 50 {
		select {
		case v := <-fast:
			if v != i {
				t.Fatalf("fast subscriber got %d, want %d", v, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber stalled at %d", i)
		}
	}
	close(release)
}

func TestBus_HandlerPanicRecovered(t *testing.T) {
	bus := New[int](Config{})
	defer bus.Close()

	got := make(chan int, 10)
	if _, err := bus.Subscribe("flaky", func(v int) {
		if v == 1 {
			panic("boom")
		}
		got <- v
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	bus.Publish(1)
	bus.Publish(2)

	select {
	case v := <-got:
		if v != 2 {
			t.Errorf("got %d, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after panic")
	}

	waitFor(t, func() bool {
		stats := bus.Stats()
		return len(stats) == 1 && stats[0].Panics == 1 && stats[0].Delivered == 1
	})
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New[int](Config{})
	defer bus.Close()

	got := make(chan int, 10)
	sub, err := bus.Subscribe("once", func(v int) { got <- v })
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	bus.Publish(1)
	<-got

	sub.Unsubscribe()
	sub.Unsubscribe()
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}

	bus.Publish(2)
	select {
	case v := <-got:
		t.Errorf("received %d after Unsubscribe", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_UnsubscribeFromHandler(t *testing.T) {
	bus := New[int](Config{})
	defer bus.Close()

	var sub *Subscription
	ready := make(chan struct{})
	done := make(chan struct{})
	var err error
	sub, err = bus.Subscribe("self-removing", func(int) {
		<-ready
		sub.Unsubscribe()
		close(done)
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	close(ready)

	bus.Publish(1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler deadlocked on Unsubscribe")
	}
}

func TestBus_CloseDrainsQueues(t *testing.T) {
	bus := New[int](Config{})

	var mu sync.Mutex
	count := 0
	if _, err := bus.Subscribe("counter", func(int) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	for i := range 20 {
		bus.Publish(i)
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Errorf("delivered %d events before Close returned, want 20", count)
	}
}

func TestBus_AfterClose(t *testing.T) {
	bus := New[int](Config{})
	bus.Close()
	bus.Close()

	if _, err := bus.Subscribe("late", func(int) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
	bus.Publish(1)
}

func TestBus_NilHandler(t *testing.T) {
	bus := New[int](Config{})
	defer bus.Close()

	if _, err := bus.Subscribe("nil", nil); err == nil {
		t.Error("Subscribe(nil) should fail")
	}
}
