package pending

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[string]("upload-start", newFakeClock())
	first := q.Enqueue("", time.Minute)
	second := q.Enqueue("", time.Minute)

	if !q.Dequeue("", "t1") {
		t.Fatal("Dequeue() = false")
	}
	if !q.Dequeue("", "t2") {
		t.Fatal("Dequeue() = false")
	}
	if v, _ := first.Wait(context.Background()); v != "t1" {
		t.Fatalf("first = %q, want t1", v)
	}
	if v, _ := second.Wait(context.Background()); v != "t2" {
		t.Fatalf("second = %q, want t2", v)
	}
	if q.Dequeue("", "t3") {
		t.Fatal("Dequeue() on empty queue should miss")
	}
}

func TestQueueNonceCorrelation(t *testing.T) {
	q := NewQueue[string]("download-start", newFakeClock())
	a := q.Enqueue("nonce-a", time.Minute)
	b := q.Enqueue("nonce-b", time.Minute)

	// Responses arrive out of order but echo their nonce.
	if !q.Dequeue("nonce-b", "tb") {
		t.Fatal("Dequeue(nonce-b) = false")
	}
	if settled(a) {
		t.Fatal("nonce-a settled by nonce-b response")
	}
	if v, _ := b.Wait(context.Background()); v != "tb" {
		t.Fatalf("b = %q, want tb", v)
	}
	if q.Dequeue("nonce-zzz", "tx") {
		t.Fatal("unknown nonce should not settle the oldest entry")
	}
	if !q.Dequeue("nonce-a", "ta") {
		t.Fatal("Dequeue(nonce-a) = false")
	}
}

func TestQueueTimeout(t *testing.T) {
	clock := newFakeClock()
	q := NewQueue[string]("upload-start", clock)
	p := q.Enqueue("n", 30*time.Second)
	clock.Advance(31 * time.Second)

	_, err := p.Wait(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if err.Error() != "request timed out: upload-start" {
		t.Fatalf("error message = %q", err.Error())
	}
	if q.Len() != 0 {
		t.Fatal("timed out entry left in queue")
	}
}

func TestQueueRejects(t *testing.T) {
	q := NewQueue[int]("download-start", newFakeClock())
	a := q.Enqueue("a", time.Minute)
	b := q.Enqueue("b", time.Minute)
	c := q.Enqueue("c", time.Minute)

	boom := errors.New("boom")
	if !q.RejectOldest(boom) {
		t.Fatal("RejectOldest() = false")
	}
	if _, err := a.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("a error = %v", err)
	}
	if !q.RejectNonce("c", boom) {
		t.Fatal("RejectNonce(c) = false")
	}
	if _, err := c.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("c error = %v", err)
	}
	if q.RejectAll(boom) != 1 {
		t.Fatal("RejectAll() should reject b")
	}
	if _, err := b.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("b error = %v", err)
	}
}

func TestQueueCancelledWaitLeavesOrderIntact(t *testing.T) {
	q := NewQueue[string]("upload-start", newFakeClock())
	a := q.Enqueue("", time.Minute)
	b := q.Enqueue("", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("a error = %v", err)
	}
	if !q.Dequeue("", "t") {
		t.Fatal("Dequeue() = false")
	}
	if v, _ := b.Wait(context.Background()); v != "t" {
		t.Fatalf("b = %q, want t", v)
	}
}

func TestQueueFront(t *testing.T) {
	q := NewQueue[string]("upload-start", newFakeClock())
	if _, ok := q.Front(); ok {
		t.Fatal("Front() on empty queue should report false")
	}
	q.Enqueue("first", time.Minute)
	q.Enqueue("second", time.Minute)
	if key, ok := q.Front(); !ok || key != "first" {
		t.Fatalf("Front() = %q, %v; want first", key, ok)
	}
	q.Dequeue("", "t1")
	if key, _ := q.Front(); key != "second" {
		t.Fatalf("Front() after Dequeue = %q, want second", key)
	}
}
