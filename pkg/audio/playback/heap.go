package playback

// chunk is one queued piece of response audio. Ordering is by turn first,
// then by enqueue order within the turn.
type chunk struct {
	turn int
	seq  uint64
	data []byte
}

// chunkHeap implements [container/heap.Interface] as a min-heap on (turn, seq).
type chunkHeap []chunk

func (h chunkHeap) Len() int { return len(h) }

func (h chunkHeap) Less(i, j int) bool {
	if h[i].turn != h[j].turn {
		return h[i].turn < h[j].turn
	}
	return h[i].seq < h[j].seq
}

func (h chunkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *chunkHeap) Push(x any) { *h = append(*h, x.(chunk)) }

func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
