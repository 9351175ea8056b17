//go:build linux

package engine

import "testing"

func TestOutboxDropsOldestBeyondDepth(t *testing.T) {
	o := newOutbox(2)
	if dropped := o.push([]byte("a")); dropped {
		t.Fatalf("unexpected drop on first push")
	}
	if dropped := o.push([]byte("b")); dropped {
		t.Fatalf("unexpected drop on second push")
	}
	if dropped := o.push([]byte("c")); !dropped {
		t.Fatalf("expected push beyond depth to report a drop")
	}

	// "a" (the oldest) was sacrificed; "b" and "c" remain, in order.
	got, ok := o.peek()
	if !ok || string(got) != "b" {
		t.Fatalf("expected oldest surviving frame %q, got %q (ok=%v)", "b", got, ok)
	}
	o.popFront()
	got, ok = o.peek()
	if !ok || string(got) != "c" {
		t.Fatalf("expected next frame %q, got %q (ok=%v)", "c", got, ok)
	}
	o.popFront()
	if !o.empty() {
		t.Fatalf("expected outbox to be empty after draining")
	}
}

func TestOutboxFIFOOrder(t *testing.T) {
	o := newOutbox(4)
	_ = o.push([]byte("first"))
	_ = o.push([]byte("second"))

	got, ok := o.peek()
	if !ok || string(got) != "first" {
		t.Fatalf("expected to peek %q, got %q (ok=%v)", "first", got, ok)
	}
	o.popFront()

	got, ok = o.peek()
	if !ok || string(got) != "second" {
		t.Fatalf("expected to peek %q, got %q (ok=%v)", "second", got, ok)
	}
	o.popFront()

	if !o.empty() {
		t.Fatalf("expected outbox to be empty after draining")
	}
}
