package queue

import "testing"

func TestQueueFIFO(t *testing.T) {
	q := New[int]()

	if q.Len() != 0 {
		t.Fatal("New queue should be empty")
	}

	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue on empty queue should report false")
	}

	for i := 1; i <= 5; i++ {
		q.Enqueue(i)
	}

	if q.Len() != 5 {
		t.Errorf("Expected length 5, got %d", q.Len())
	}

	for i := 1; i <= 5; i++ {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: queue unexpectedly empty", i)
		}
		if got != i {
			t.Errorf("Expected %d, got %d", i, got)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Queue should be empty, has %d elements", q.Len())
	}
}

func TestQueueInterleavedKeepsOrder(t *testing.T) {
	q := New[int]()
	next := 0
	expected := 0

	// Grow and drain unevenly so the consumed prefix gets compacted
	for round := 0; round < 50; round++ {
		for i := 0; i < 7; i++ {
			q.Enqueue(next)
			next++
		}
		for i := 0; i < 5; i++ {
			got, ok := q.Dequeue()
			if !ok {
				t.Fatal("Queue unexpectedly empty")
			}
			if got != expected {
				t.Fatalf("Expected %d, got %d", expected, got)
			}
			expected++
		}
	}

	if q.Len() != next-expected {
		t.Errorf("Expected %d queued elements, got %d", next-expected, q.Len())
	}

	for q.Len() > 0 {
		got, _ := q.Dequeue()
		if got != expected {
			t.Fatalf("Expected %d, got %d", expected, got)
		}
		expected++
	}
}
