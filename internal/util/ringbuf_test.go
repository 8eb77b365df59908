package util

import "testing"

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("empty buffer snapshot %v", got)
	}

	r.Push(1)
	r.Push(2)
	if r.Len() != 2 {
		t.Fatalf("len %d", r.Len())
	}
	got := r.Snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("snapshot %v", got)
	}

	// Wrap: 1 falls out, order stays oldest-first.
	r.Push(3)
	r.Push(4)
	got = r.Snapshot()
	if len(got) != 3 || got[0] != 2 || got[1] != 3 || got[2] != 4 {
		t.Fatalf("snapshot after wrap %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len %d after wrap", r.Len())
	}
}
