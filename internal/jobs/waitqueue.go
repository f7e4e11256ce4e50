package jobs

// waitQueue is a min-heap of entries ordered by the time they are next due;
// it implements container/heap.Interface.
type waitQueue []*entry

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	return q[i].due.Before(q[j].due)
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q waitQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
