package queue

// Queue is an unbounded generic FIFO. It is not safe for concurrent use;
// callers own it from a single goroutine.
type Queue[T any] struct {
	items []T
	head  int
}

// New creates an empty queue
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Enqueue adds an element to the end of the queue
func (q *Queue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

// Dequeue removes and returns the front element.
// The boolean is false if the queue was empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}

	item := q.items[q.head]
	// Drop the reference so large payloads can be collected
	q.items[q.head] = zero
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return item, true
}

// Len returns the number of queued elements
func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}
