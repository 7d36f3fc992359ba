package spanstream

import "sync/atomic"

// RingBuffer is a bounded, lock-free queue that hands ownership of values from
// many producer goroutines to a single consumer goroutine, in FIFO order.
//
// Producers claim the slot at head by swapping nil for their value, and only
// then publish it by advancing head. The consumer reads published slots
// between tail and head.
type RingBuffer[T any] struct {
	slots []atomic.Pointer[T]
	head  atomic.Int64
	tail  atomic.Int64
}

// NewRingBuffer returns a RingBuffer that holds up to maxSize values.
func NewRingBuffer[T any](maxSize int) *RingBuffer[T] {
	if maxSize < 1 {
		maxSize = 1
	}

	// one slot always stays empty, to tell a full buffer from an empty one
	return &RingBuffer[T]{slots: make([]atomic.Pointer[T], maxSize+1)}
}

func (r *RingBuffer[T]) capacity() int64 { return int64(len(r.slots)) }

// MaxSize returns the number of values the buffer can hold.
func (r *RingBuffer[T]) MaxSize() int { return len(r.slots) - 1 }

// Len returns the number of values currently in the buffer.
func (r *RingBuffer[T]) Len() int {
	tail := r.tail.Load()
	return int(r.head.Load() - tail)
}

// Empty reports whether the buffer holds no values.
func (r *RingBuffer[T]) Empty() bool { return r.Len() == 0 }

// Add places v at the end of the buffer and transfers its ownership to the
// consumer. It returns false, leaving ownership with the caller, if the
// buffer is full. Add is safe for concurrent use and never blocks.
func (r *RingBuffer[T]) Add(v *T) bool {
	if v == nil {
		return false
	}
	capacity := r.capacity()
	for {
		tail := r.tail.Load()
		head := r.head.Load()
		if head-tail >= capacity-1 {
			return false
		}

		slot := &r.slots[head%capacity]
		if !slot.CompareAndSwap(nil, v) {
			continue
		}
		if r.head.CompareAndSwap(head, head+1) {
			return true
		}

		// another producer published first; give the slot back and retry
		slot.CompareAndSwap(v, nil)
	}
}

// Peek returns a view of every value published to the buffer. Only the
// consumer may call Peek, and the view is only valid until its next Consume.
func (r *RingBuffer[T]) Peek() Allotment[T] {
	return r.allotment(r.tail.Load(), r.head.Load())
}

func (r *RingBuffer[T]) allotment(from, to int64) Allotment[T] {
	if from == to {
		return Allotment[T]{}
	}
	capacity := r.capacity()
	start, end := from%capacity, to%capacity
	if start < end {
		return Allotment[T]{first: r.slots[start:end]}
	}
	return Allotment[T]{first: r.slots[start:], second: r.slots[:end]}
}

// Consume removes the n oldest values from the buffer, passing each to
// release, if non-nil. Only the consumer may call Consume.
func (r *RingBuffer[T]) Consume(n int, release func(v *T)) {
	if n <= 0 {
		return
	}
	capacity := r.capacity()
	tail := r.tail.Load()
	if available := r.head.Load() - tail; int64(n) > available {
		n = int(available)
	}
	for i := tail; i < tail+int64(n); i++ {
		v := r.slots[i%capacity].Swap(nil)
		if release != nil && v != nil {
			release(v)
		}
	}
	r.tail.Store(tail + int64(n))
}

// Allotment is a consumer-side view over a contiguous run of ring buffer
// slots. The run may wrap, so it is held as two slices.
type Allotment[T any] struct {
	first  []atomic.Pointer[T]
	second []atomic.Pointer[T]
}

// Len returns the number of values in the allotment.
func (a Allotment[T]) Len() int { return len(a.first) + len(a.second) }

// Empty reports whether the allotment holds no values.
func (a Allotment[T]) Empty() bool { return a.Len() == 0 }

// At returns the i'th value of the allotment.
func (a Allotment[T]) At(i int) *T {
	if i < len(a.first) {
		return a.first[i].Load()
	}
	return a.second[i-len(a.first)].Load()
}

// ForEach calls fn with each value in order, stopping early if fn returns
// false. It reports whether every value was visited.
func (a Allotment[T]) ForEach(fn func(v *T) bool) bool {
	for i := range a.first {
		if !fn(a.first[i].Load()) {
			return false
		}
	}
	for i := range a.second {
		if !fn(a.second[i].Load()) {
			return false
		}
	}
	return true
}
