package cireilclaw

import (
	"sync/atomic"
	"testing"
	"time"
)

// --- Debounce tests ---

func TestSaverCoalescesBurst(t *testing.T) {
	s := newSaver(50 * time.Millisecond)
	var runs atomic.Int32

	// Three schedules inside one window collapse to a single write.
	for range 3 {
		s.schedule("maya/discord:chan-1", func() { runs.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("saves = %d, want exactly 1", got)
	}
}

func TestSaverKeysAreIndependent(t *testing.T) {
	s := newSaver(20 * time.Millisecond)
	var a, b atomic.Int32
	s.schedule("maya/one", func() { a.Add(1) })
	s.schedule("maya/two", func() { b.Add(1) })

	waitFor(t, 2*time.Second, func() bool { return a.Load() == 1 && b.Load() == 1 })
}

func TestSaverCancelAll(t *testing.T) {
	s := newSaver(30 * time.Millisecond)
	var runs atomic.Int32
	s.schedule("maya/one", func() { runs.Add(1) })
	s.schedule("maya/two", func() { runs.Add(1) })
	s.cancelAll()

	time.Sleep(80 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("saves = %d after cancelAll, want 0", got)
	}

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending timers = %d, want 0", pending)
	}
}

func TestSaverRunsLatestClosure(t *testing.T) {
	s := newSaver(20 * time.Millisecond)
	var got atomic.Int32
	s.schedule("maya/one", func() { got.Store(1) })
	s.schedule("maya/one", func() { got.Store(2) })

	waitFor(t, 2*time.Second, func() bool { return got.Load() == 2 })
}

func TestSaverReschedulesAfterFire(t *testing.T) {
	s := newSaver(15 * time.Millisecond)
	var runs atomic.Int32
	s.schedule("maya/one", func() { runs.Add(1) })
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })

	// A fired key leaves no pending entry; a fresh schedule arms again.
	s.schedule("maya/one", func() { runs.Add(1) })
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 2 })
}
