package orchestration

import (
	"container/heap"

	"github.com/aegisops/aegis-controller/pkg/types"
)

// job is one queued batch awaiting the execution lock.
type job struct {
	batch *types.RemediationBatch
}

// jobQueue orders pending batches by severity priority, highest first;
// ties break by ascending BatchID (FIFO), per spec.md §4.3.
type jobQueue struct {
	items []*job
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	a, b := q.items[i].batch, q.items[j].batch
	ra, rb := a.SeverityPriority().Rank(), b.SeverityPriority().Rank()
	if ra != rb {
		return ra > rb
	}
	return a.BatchID < b.BatchID
}

func (q *jobQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *jobQueue) Push(x any) { q.items = append(q.items, x.(*job)) }

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// pendingQueue is the heap-backed priority queue the orchestrator drains
// one batch at a time while holding the execution lock.
type pendingQueue struct {
	heap jobQueue
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{}
	heap.Init(&q.heap)
	return q
}

func (q *pendingQueue) push(batch *types.RemediationBatch) {
	heap.Push(&q.heap, &job{batch: batch})
}

// pop removes and returns the highest-priority batch, or nil if empty.
func (q *pendingQueue) pop() *types.RemediationBatch {
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*job).batch
}

func (q *pendingQueue) len() int { return q.heap.Len() }
