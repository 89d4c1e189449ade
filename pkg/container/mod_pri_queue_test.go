package container

import "testing"

func intLess(a, b int) bool { return a < b }

func TestModPriQueuePopOrdering(t *testing.T) {
	q := NewModPriQueue[int](intLess)
	for _, v := range []int{5, 1, 4, 2, 3} {
		q.PushItem(v)
	}
	var got []int
	for q.Len() > 0 {
		got = append(got, q.PopItem())
	}
	want := []int{1, 2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestModPriQueuePeekDoesNotRemove(t *testing.T) {
	q := NewModPriQueue[int](intLess)
	q.PushItem(10)
	q.PushItem(3)
	v, ok := q.Peek()
	if !ok || v != 3 {
		t.Fatalf("Peek() = (%v, %v), want (3, true)", v, ok)
	}
	if q.Len() != 2 {
		t.Fatalf("expected Peek to leave the queue untouched, len=%d", q.Len())
	}
}

func TestModPriQueueEraseRemovesBatch(t *testing.T) {
	q := NewModPriQueue[int](intLess)
	for _, v := range []int{1, 2, 3, 4, 5, 6} {
		q.PushItem(v)
	}
	q.Erase([]int{2, 4, 6})

	var got []int
	for q.Len() > 0 {
		got = append(got, q.PopItem())
	}
	want := []int{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestModPriQueueEraseWithNoMatchesIsNoop(t *testing.T) {
	q := NewModPriQueue[int](intLess)
	for _, v := range []int{1, 2, 3} {
		q.PushItem(v)
	}
	q.Erase([]int{10, 20})
	if q.Len() != 3 {
		t.Fatalf("expected no removals, len=%d", q.Len())
	}
}
