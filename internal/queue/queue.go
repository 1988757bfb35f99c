package queue

import (
	"container/heap"
	"sync"
)

type item[T any] struct {
	value    T
	priority int64
	index    int
}

// priorityHeap implements heap.Interface; lower priority values dequeue first.
type priorityHeap[T any] []*item[T]

func (h priorityHeap[T]) Len() int { return len(h) }

func (h priorityHeap[T]) Less(i, j int) bool {
	return h[i].priority < h[j].priority
}

func (h priorityHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap[T]) Push(x interface{}) {
	it := x.(*item[T])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	*h = old[0 : n-1]
	return it
}

// PriorityQueue is a thread-safe generic min-priority queue.
type PriorityQueue[T any] struct {
	heap priorityHeap[T]
	mu   sync.Mutex
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		heap: make(priorityHeap[T], 0),
	}
	heap.Init(&pq.heap)
	return pq
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

// Enqueue adds a value; lower priority values are dequeued first.
func (pq *PriorityQueue[T]) Enqueue(value T, priority int64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	heap.Push(&pq.heap, &item[T]{value: value, priority: priority})
}

// Dequeue removes and returns the lowest-priority item.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}

	it := heap.Pop(&pq.heap).(*item[T])
	return it.value, true
}

// DequeueAll drains the queue in priority order.
func (pq *PriorityQueue[T]) DequeueAll() []T {
	values := make([]T, 0, pq.Len())
	for {
		v, ok := pq.Dequeue()
		if !ok {
			return values
		}
		values = append(values, v)
	}
}
