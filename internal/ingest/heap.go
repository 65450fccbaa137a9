package ingest

import "container/heap"

// fileTask is one blocks-dir or staking-ledgers-dir file discovered by
// the watcher but not yet admitted.
type fileTask struct {
	path         string
	height       uint32
	receivedTime int64
	ledger       bool
}

// taskHeap orders fileTasks by (height, receivedTime) ascending, so
// lower heights are admitted first — minimizing orphan-pool residency
// per §4.7 — following the teacher's upHeap/BlockHeap shape
// (container/heap wrapped behind Push/Pop, ordered by height then a
// tiebreak) adapted from (height, hash) to (height, receivedTime).
type taskHeap []*fileTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].height != h[j].height {
		return h[i].height < h[j].height
	}
	return h[i].receivedTime < h[j].receivedTime
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*fileTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// admissionQueue wraps taskHeap behind a small push/pop API, mirroring
// the teacher's BlockHeap wrapper over container/heap.
type admissionQueue struct {
	impl taskHeap
}

func newAdmissionQueue() *admissionQueue {
	q := &admissionQueue{}
	heap.Init(&q.impl)
	return q
}

func (q *admissionQueue) push(t *fileTask) { heap.Push(&q.impl, t) }
func (q *admissionQueue) pop() *fileTask {
	if q.impl.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.impl).(*fileTask)
}
func (q *admissionQueue) len() int { return q.impl.Len() }
