package service

import "container/heap"

// betHeapItem is one scheduled settlement moment. The heap stores only ids:
// a bet that was settled or refunded early simply stops resolving against
// activeBets, so pops skip it instead of the heap supporting removal.
type betHeapItem struct {
	betID      string
	targetTime float64
	seq        uint64 // insertion order breaks targetTime ties
}

// betHeap is a min-heap over (targetTime, seq). It is owned by the engine
// goroutine and never locked.
type betHeap []betHeapItem

func (h betHeap) Len() int { return len(h) }
func (h betHeap) Less(i, j int) bool {
	if h[i].targetTime != h[j].targetTime {
		return h[i].targetTime < h[j].targetTime
	}
	return h[i].seq < h[j].seq
}
func (h betHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *betHeap) Push(x interface{}) {
	*h = append(*h, x.(betHeapItem))
}

func (h *betHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// push adds a bet's settlement moment.
func (h *betHeap) push(betID string, targetTime float64, seq uint64) {
	heap.Push(h, betHeapItem{betID: betID, targetTime: targetTime, seq: seq})
}

// peek returns the earliest item without removing it.
func (h betHeap) peek() (betHeapItem, bool) {
	if len(h) == 0 {
		return betHeapItem{}, false
	}
	return h[0], true
}

// pop removes and returns the earliest item.
func (h *betHeap) pop() (betHeapItem, bool) {
	if h.Len() == 0 {
		return betHeapItem{}, false
	}
	return heap.Pop(h).(betHeapItem), true
}
