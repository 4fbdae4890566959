package dedup

import "testing"

func TestWindow(t *testing.T) {
	var w Window
	testNumber := 0
	run := func(pn uint64, expected bool) {
		testNumber++
		if w.Accept(pn) != expected {
			t.Fatalf("test %d failed: %d expected %v", testNumber, pn, expected)
		}
	}

	w.Reset()
	run(0, true)
	run(1, true)
	run(1, false)
	run(9, true)
	run(8, true)
	run(7, true)
	run(7, false)
	run(windowSize+1, true)
	run(windowSize, true)
	run(windowSize, false)
	run(windowSize-1, true)
	run(2, true)
	run(2, false)
	run(windowSize+17, true)
	run(3, false) // fell behind the window
	run(windowSize+17, false)

	// A huge jump clears the whole ring.
	run(windowSize*4, true)
	run(windowSize*4-(windowSize-1), true)
	run(10, false)
	run(windowSize*4-(windowSize+1), false)

	w.Reset()
	if w.Started() {
		t.Fatalf("started after reset")
	}
	run(5, true)
	if w.Highest() != 5 {
		t.Fatalf("highest = %d, want 5", w.Highest())
	}
	run(5, false)
}

func TestWindowBulkAscending(t *testing.T) {
	var w Window
	for i := uint64(0); i <= windowSize; i++ {
		if !w.Accept(i) {
			t.Fatalf("fresh %d rejected", i)
		}
	}
	for i := uint64(0); i <= windowSize; i++ {
		if w.Accept(i) {
			t.Fatalf("duplicate %d accepted", i)
		}
	}
}

func TestWindowBulkDescending(t *testing.T) {
	var w Window
	for i := uint64(windowSize); ; i-- {
		if !w.Accept(i) {
			t.Fatalf("fresh %d rejected", i)
		}
		if i == 1 {
			break
		}
	}
	if !w.Accept(0) {
		t.Fatalf("oldest in-window value rejected")
	}
	if w.Highest() != windowSize {
		t.Fatalf("highest = %d, want %d", w.Highest(), uint64(windowSize))
	}
}
