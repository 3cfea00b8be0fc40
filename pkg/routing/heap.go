package routing

// Queue is a binary min-heap whose items record their own slot, so an item
// whose priority improved in place can be moved up in O(log n) without
// searching for it. The slot is -1 while the item is not queued.
//
// The ordering and the slot accessor are injected, which lets the router
// order nodes by arrival+estimate (or by arrival alone in exhaustive mode)
// and the plan generator order labels by (arrival, inconvenience).
type Queue[T any] struct {
	items []T
	less  func(a, b T) bool
	slot  func(T) *int
}

// NewQueue creates an empty queue.
func NewQueue[T any](less func(a, b T) bool, slot func(T) *int) *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0, 256),
		less:  less,
		slot:  slot,
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Queued reports whether item is currently in the queue.
func (q *Queue[T]) Queued(item T) bool { return *q.slot(item) >= 0 }

// Push adds item to the queue.
func (q *Queue[T]) Push(item T) {
	q.items = append(q.items, item)
	i := len(q.items) - 1
	*q.slot(item) = i
	q.siftUp(i)
}

// Pop removes and returns the minimum item. The popped item's slot is set
// to -1. Pop panics on an empty queue.
func (q *Queue[T]) Pop() T {
	n := len(q.items) - 1
	top := q.items[0]
	last := q.items[n]
	var zero T
	q.items[n] = zero
	q.items = q.items[:n]
	if n > 0 {
		q.items[0] = last
		*q.slot(last) = 0
		q.siftDown(0)
	}
	*q.slot(top) = -1
	return top
}

// Peek returns the minimum item without removing it.
func (q *Queue[T]) Peek() T { return q.items[0] }

// Decrease restores the heap order after item's priority improved.
func (q *Queue[T]) Decrease(item T) {
	q.siftUp(*q.slot(item))
}

// Heapify replaces the queue contents with items and orders them in O(n).
func (q *Queue[T]) Heapify(items []T) {
	q.Reset()
	q.items = append(q.items, items...)
	for i, it := range q.items {
		*q.slot(it) = i
	}
	for i := len(q.items)/2 - 1; i >= 0; i-- {
		q.siftDown(i)
	}
}

// Reset empties the queue, marking every remaining item as not queued.
func (q *Queue[T]) Reset() {
	var zero T
	for i, it := range q.items {
		*q.slot(it) = -1
		q.items[i] = zero
	}
	q.items = q.items[:0]
}

func (q *Queue[T]) siftUp(i int) {
	item := q.items[i]
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(item, q.items[parent]) {
			break
		}
		q.items[i] = q.items[parent]
		*q.slot(q.items[i]) = i
		i = parent
	}
	q.items[i] = item
	*q.slot(item) = i
}

func (q *Queue[T]) siftDown(i int) {
	n := len(q.items)
	item := q.items[i]
	for {
		child := 2*i + 1
		if child >= n {
			break
		}
		if right := child + 1; right < n && q.less(q.items[right], q.items[child]) {
			child = right
		}
		if !q.less(q.items[child], item) {
			break
		}
		q.items[i] = q.items[child]
		*q.slot(q.items[i]) = i
		i = child
	}
	q.items[i] = item
	*q.slot(item) = i
}
