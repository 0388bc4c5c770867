// fifo_queue.go
package svccore

const (
	initialFifoCapacity = 64
)

// fifoQueue is a growable circular buffer delivering items strictly in the
// order they were pushed.
//
// It is not safe for concurrent use; ConditionQueue guards it.
type fifoQueue[T any] struct {
	buf        []T // circular buffer
	head, tail int // read/write indices
	size       int // number of items currently buffered
	capacity   int
}

// newFifoQueue creates a FIFO queue with the given initial capacity.
func newFifoQueue[T any](cap int) *fifoQueue[T] {
	if cap <= 0 {
		cap = initialFifoCapacity
	}
	return &fifoQueue[T]{
		buf:      make([]T, cap),
		capacity: cap,
	}
}

// Len returns the number of items currently waiting in the queue.
func (q *fifoQueue[T]) Len() int { return q.size }

// Push inserts an item at the tail. A full buffer is doubled, so Push never
// drops.
func (q *fifoQueue[T]) Push(v T) {
	if q.size == q.capacity {
		q.grow()
	}
	q.buf[q.tail] = v
	q.tail++
	if q.tail == q.capacity {
		q.tail = 0
	}
	q.size++
}

// Pop removes and returns the oldest item.
//
// If the queue is empty, returns the zero value and false.
func (q *fifoQueue[T]) Pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head++
	if q.head == q.capacity {
		q.head = 0
	}
	q.size--
	return v, true
}

// grow doubles the buffer and unwraps it so head is at index 0.
func (q *fifoQueue[T]) grow() {
	buf := make([]T, q.capacity*2)
	n := copy(buf, q.buf[q.head:])
	copy(buf[n:], q.buf[:q.head])
	q.buf = buf
	q.head = 0
	q.tail = q.size
	q.capacity = len(buf)
}
