/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: queue.go
Description: Priority queue of corpus entries for the seed scheduler. A binary max-heap keyed
on frontier priority, with critical call count and commit order as tie-breakers so the feed is
deterministic for a given corpus.
*/

package scheduler

import (
	"sync"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// PriorityQueue is a thread-safe max-heap of scheduled entries
type PriorityQueue struct {
	heap []*core.ScheduledEntry // Binary heap array
	mu   sync.RWMutex           // Thread safety
	size int                    // Current number of elements
}

// NewPriorityQueue creates a new priority queue instance
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		heap: make([]*core.ScheduledEntry, 0, 64),
	}
}

// higher reports whether a must come out of the queue before b
func higher(a, b *core.ScheduledEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Entry.Score.CriticalCallCount != b.Entry.Score.CriticalCallCount {
		return a.Entry.Score.CriticalCallCount > b.Entry.Score.CriticalCallCount
	}
	return a.Entry.Seq < b.Entry.Seq
}

// Put adds an entry to the queue
func (pq *PriorityQueue) Put(e *core.ScheduledEntry) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.heap = append(pq.heap, e)
	pq.size++

	pq.bubbleUp(pq.size - 1)
}

// Get removes and returns the highest priority entry, or nil if the queue is empty
func (pq *PriorityQueue) Get() *core.ScheduledEntry {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.pop()
}

func (pq *PriorityQueue) pop() *core.ScheduledEntry {
	if pq.size == 0 {
		return nil
	}

	root := pq.heap[0]

	pq.heap[0] = pq.heap[pq.size-1]
	pq.heap[pq.size-1] = nil
	pq.heap = pq.heap[:pq.size-1]
	pq.size--

	if pq.size > 0 {
		pq.bubbleDown(0)
	}
	return root
}

// Size returns the current number of entries in the queue
func (pq *PriorityQueue) Size() int {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	return pq.size
}

// bubbleUp moves an element up the heap to maintain heap property
func (pq *PriorityQueue) bubbleUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if !higher(pq.heap[index], pq.heap[parent]) {
			break
		}
		pq.heap[index], pq.heap[parent] = pq.heap[parent], pq.heap[index]
		index = parent
	}
}

// bubbleDown moves an element down the heap to maintain heap property
func (pq *PriorityQueue) bubbleDown(index int) {
	for {
		left := 2*index + 1
		right := 2*index + 2
		largest := index

		if left < pq.size && higher(pq.heap[left], pq.heap[largest]) {
			largest = left
		}
		if right < pq.size && higher(pq.heap[right], pq.heap[largest]) {
			largest = right
		}
		if largest == index {
			break
		}
		pq.heap[index], pq.heap[largest] = pq.heap[largest], pq.heap[index]
		index = largest
	}
}
