// Package queue implements the priority waiting room for queued jobs:
// priority-first, FIFO within equal priority by enqueue sequence.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/winfleet/winfleet/internal/job"
)

// ErrJobExists is returned when a job is already queued.
var ErrJobExists = errors.New("job already exists in queue")

// QueuedJob represents a job waiting in the priority queue.
type QueuedJob struct {
	JobID    string
	Priority job.Priority
	Seq      uint64 // Monotonic enqueue sequence; lower dispatches first within a priority
	index    int    // Index in the heap (used by container/heap)
}

// jobHeap implements heap.Interface for the priority queue.
type jobHeap []*QueuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	// Higher priority first, then lower sequence (earlier enqueue)
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedJob)
	item.index = n
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// PriorityQueue manages the ordered set of queued jobs.
type PriorityQueue struct {
	mu     sync.RWMutex
	heap   jobHeap
	jobMap map[string]*QueuedJob // For quick lookup by job ID
	seq    uint64
}

// New creates an empty priority queue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap:   make(jobHeap, 0),
		jobMap: make(map[string]*QueuedJob),
	}
	heap.Init(&q.heap)
	return q
}

// Push enqueues a job at the given priority with a fresh sequence number.
func (q *PriorityQueue) Push(jobID string, priority job.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	return q.pushLocked(jobID, priority, q.seq)
}

// PushWithSeq re-enqueues a job preserving its original sequence number, so
// a job bounced back by a failed placement keeps its FIFO position.
func (q *PriorityQueue) PushWithSeq(jobID string, priority job.Priority, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pushLocked(jobID, priority, seq)
}

func (q *PriorityQueue) pushLocked(jobID string, priority job.Priority, seq uint64) error {
	if _, exists := q.jobMap[jobID]; exists {
		return ErrJobExists
	}

	qj := &QueuedJob{
		JobID:    jobID,
		Priority: priority,
		Seq:      seq,
	}
	heap.Push(&q.heap, qj)
	q.jobMap[jobID] = qj
	return nil
}

// Pop removes and returns the highest priority job, or nil when empty.
func (q *PriorityQueue) Pop() *QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	qj := heap.Pop(&q.heap).(*QueuedJob)
	delete(q.jobMap, qj.JobID)
	return qj
}

// Remove removes a specific job from the queue (client cancel of a queued
// job).
func (q *PriorityQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qj, exists := q.jobMap[jobID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, qj.index)
	delete(q.jobMap, jobID)
	return true
}

// Contains reports whether the job is currently queued.
func (q *PriorityQueue) Contains(jobID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.jobMap[jobID]
	return exists
}

// Len returns the number of queued jobs.
func (q *PriorityQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// Snapshot returns the queued jobs in dispatch order.
func (q *PriorityQueue) Snapshot() []QueuedJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]QueuedJob, 0, len(q.heap))
	for _, qj := range q.heap {
		out = append(out, *qj)
	}
	// Heap order is partial; sort into dispatch order for observers.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
