package bitmap

import (
	"testing"
)

func TestSetClearIsSet(t *testing.T) {
	bm := NewBits(64)
	if err := bm.Set(10); err != nil {
		t.Fatalf("Set: %v", err)
	}
	set, err := bm.IsSet(10)
	if err != nil || !set {
		t.Fatalf("IsSet(10) = %v, %v; want true", set, err)
	}
	if err := bm.Clear(10); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	set, _ = bm.IsSet(10)
	if set {
		t.Fatal("bit 10 still set after Clear")
	}
	if err := bm.Set(100); err == nil {
		t.Fatal("expected out of range error")
	}
	if err := bm.Set(-1); err == nil {
		t.Fatal("expected negative location error")
	}
}

func TestRanges(t *testing.T) {
	bm := NewBits(64)
	if err := bm.SetRange(8, 16); err != nil {
		t.Fatalf("SetRange: %v", err)
	}
	if got := bm.Popcount(); got != 16 {
		t.Fatalf("Popcount = %d, want 16", got)
	}
	allSet, err := bm.IsRangeSet(8, 16)
	if err != nil || !allSet {
		t.Fatalf("IsRangeSet(8,16) = %v, %v; want true", allSet, err)
	}
	allSet, _ = bm.IsRangeSet(7, 2)
	if allSet {
		t.Fatal("IsRangeSet(7,2) should be false")
	}
	if err := bm.ClearRange(8, 8); err != nil {
		t.Fatalf("ClearRange: %v", err)
	}
	if got := bm.Popcount(); got != 8 {
		t.Fatalf("Popcount after ClearRange = %d, want 8", got)
	}
}

func TestFirstFree(t *testing.T) {
	bm := NewBits(16)
	_ = bm.SetRange(0, 4)
	tests := []struct {
		start int
		want  int
	}{
		{0, 4},
		{2, 4},
		{4, 4},
		{5, 5},
		{100, -1},
	}
	for _, tt := range tests {
		if got := bm.FirstFree(tt.start); got != tt.want {
			t.Errorf("FirstFree(%d) = %d, want %d", tt.start, got, tt.want)
		}
	}
}

func TestFreeRun(t *testing.T) {
	bm := NewBits(16)
	_ = bm.Set(5)
	if got := bm.FreeRun(0, 100); got != 5 {
		t.Errorf("FreeRun(0) = %d, want 5", got)
	}
	if got := bm.FreeRun(0, 3); got != 3 {
		t.Errorf("FreeRun(0, max 3) = %d, want 3", got)
	}
	if got := bm.FreeRun(5, 100); got != 0 {
		t.Errorf("FreeRun(5) = %d, want 0", got)
	}
}

func TestFreeAndInUseLists(t *testing.T) {
	// 10010010: set bits at 0, 3, 6
	bm := FromBytes([]byte{0x49})
	free := bm.FreeList()
	wantFree := []Contiguous{{1, 2}, {4, 2}, {7, 1}}
	if len(free) != len(wantFree) {
		t.Fatalf("FreeList = %v, want %v", free, wantFree)
	}
	for i := range free {
		if free[i] != wantFree[i] {
			t.Errorf("FreeList[%d] = %v, want %v", i, free[i], wantFree[i])
		}
	}
	inUse := bm.InUseList()
	wantUse := []Contiguous{{0, 1}, {3, 1}, {6, 1}}
	if len(inUse) != len(wantUse) {
		t.Fatalf("InUseList = %v, want %v", inUse, wantUse)
	}
	for i := range inUse {
		if inUse[i] != wantUse[i] {
			t.Errorf("InUseList[%d] = %v, want %v", i, inUse[i], wantUse[i])
		}
	}
}

func TestGrow(t *testing.T) {
	bm := NewBits(8)
	_ = bm.Set(7)
	bm.Grow(32)
	if bm.Len() != 32 {
		t.Fatalf("Len = %d, want 32", bm.Len())
	}
	set, _ := bm.IsSet(7)
	if !set {
		t.Fatal("bit 7 lost across Grow")
	}
	if got := bm.FirstFree(7); got != 8 {
		t.Fatalf("FirstFree(7) = %d, want 8", got)
	}
}
