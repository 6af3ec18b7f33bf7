package session

import "testing"

func TestSubscriberDrainReturnsQueuedChunks(t *testing.T) {
	sub := newSubscriber("c1", 1024, 16)
	sub.Enqueue([]byte("a"))
	sub.Enqueue([]byte("b"))

	chunks, loss := sub.Drain()
	if loss {
		t.Fatal("loss should be false on first drain")
	}
	if len(chunks) != 2 || string(chunks[0]) != "a" || string(chunks[1]) != "b" {
		t.Fatalf("chunks = %v, want [a b]", chunks)
	}

	chunks2, _ := sub.Drain()
	if len(chunks2) != 0 {
		t.Fatalf("second drain should be empty, got %v", chunks2)
	}
}

func TestSubscriberOverflowSetsLossAndDropsOldest(t *testing.T) {
	sub := newSubscriber("c1", 1024, 3)
	sub.Enqueue([]byte("1"))
	sub.Enqueue([]byte("2"))
	sub.Enqueue([]byte("3"))
	sub.Enqueue([]byte("4")) // exceeds maxChunks, drops "1"

	chunks, loss := sub.Drain()
	if !loss {
		t.Fatal("loss should be set after overflow")
	}
	if len(chunks) != 3 || string(chunks[0]) != "2" {
		t.Fatalf("chunks = %v, want oldest ('1') dropped", chunks)
	}
}

func TestSubscriberByteCapOverflow(t *testing.T) {
	sub := newSubscriber("c1", 10, 1024)
	sub.Enqueue(make([]byte, 6))
	sub.Enqueue(make([]byte, 6)) // total 12 > 10, drops oldest

	chunks, loss := sub.Drain()
	if !loss {
		t.Fatal("loss should be set after byte-cap overflow")
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks len = %d, want 1", len(chunks))
	}
}

func TestSubscriberMarkLossIsSticky(t *testing.T) {
	sub := newSubscriber("c1", 1024, 16)
	sub.MarkLoss()
	sub.Enqueue([]byte("x"))

	_, loss := sub.Drain()
	if !loss {
		t.Fatal("loss set before enqueue should survive into the drain")
	}
}

func TestSubscriberEnqueueAfterCloseIsNoop(t *testing.T) {
	sub := newSubscriber("c1", 1024, 16)
	sub.Close()
	sub.Enqueue([]byte("x"))

	chunks, _ := sub.Drain()
	if len(chunks) != 0 {
		t.Fatalf("enqueue after close should be dropped, got %v", chunks)
	}
}
