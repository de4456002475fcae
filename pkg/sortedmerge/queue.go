package sortedmerge

import "container/heap"

// rangeQueue is a min-heap of ranges ordered by sort key, then stream index,
// then push sequence.
type rangeQueue []*SortKeyRange

func (q rangeQueue) Len() int { return len(q) }

func (q rangeQueue) Less(i, j int) bool {
	if c := q[i].Compare(q[j]); c != 0 {
		return c < 0
	}
	if q[i].StreamIdx != q[j].StreamIdx {
		return q[i].StreamIdx < q[j].StreamIdx
	}
	return q[i].seq < q[j].seq
}

func (q rangeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *rangeQueue) Push(x any) { *q = append(*q, x.(*SortKeyRange)) }

func (q *rangeQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return r
}

func (q *rangeQueue) push(r *SortKeyRange) { heap.Push(q, r) }

func (q *rangeQueue) pop() (*SortKeyRange, bool) {
	if q.Len() == 0 {
		return nil, false
	}
	return heap.Pop(q).(*SortKeyRange), true
}
