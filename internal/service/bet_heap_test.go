package service

import "testing"

func TestBetHeap_OrdersByTargetTime(t *testing.T) {
	var h betHeap
	h.push("late", 20, 1)
	h.push("early", 5, 2)
	h.push("mid", 12.5, 3)

	want := []string{"early", "mid", "late"}
	for _, id := range want {
		item, ok := h.pop()
		if !ok {
			t.Fatalf("heap exhausted before %q", id)
		}
		if item.betID != id {
			t.Fatalf("popped %q, want %q", item.betID, id)
		}
	}
	if _, ok := h.pop(); ok {
		t.Fatal("heap not empty after draining")
	}
}

func TestBetHeap_TieBreaksByInsertionOrder(t *testing.T) {
	var h betHeap
	h.push("second", 10, 2)
	h.push("first", 10, 1)
	h.push("third", 10, 3)

	for _, id := range []string{"first", "second", "third"} {
		item, _ := h.pop()
		if item.betID != id {
			t.Fatalf("popped %q, want %q", item.betID, id)
		}
	}
}

func TestBetHeap_PeekDoesNotRemove(t *testing.T) {
	var h betHeap
	if _, ok := h.peek(); ok {
		t.Fatal("peek on empty heap reported an item")
	}
	h.push("only", 3, 1)

	item, ok := h.peek()
	if !ok || item.betID != "only" {
		t.Fatalf("peek = %+v/%v", item, ok)
	}
	if h.Len() != 1 {
		t.Fatalf("len after peek = %d, want 1", h.Len())
	}
}
