package delivery

// entry wraps a [Unit] with its insertion sequence. seq breaks ties between
// duplicate indices so that the first arrival wins.
type entry struct {
	unit Unit
	seq  uint64
}

// unitHeap implements [container/heap.Interface] as a min-heap on the unit
// index, with FIFO tie-breaking on seq.
type unitHeap []entry

func (h unitHeap) Len() int { return len(h) }

func (h unitHeap) Less(i, j int) bool {
	if h[i].unit.Index != h[j].unit.Index {
		return h[i].unit.Index < h[j].unit.Index
	}
	return h[i].seq < h[j].seq
}

func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *unitHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

// peek returns the lowest index without removing it.
func (h unitHeap) peek() (entry, bool) {
	if len(h) == 0 {
		return entry{}, false
	}
	return h[0], true
}
