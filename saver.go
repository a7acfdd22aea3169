package cireilclaw

import (
	"sync"
	"time"
)

// saveDebounce is how long a pending session save waits for further
// mutations before hitting the store.
const saveDebounce = 2 * time.Second

// saver coalesces session writes. Each key holds at most one armed timer;
// scheduling again within the window replaces the pending save so a busy
// session is written once, not once per tool call.
type saver struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newSaver(delay time.Duration) *saver {
	return &saver{delay: delay, pending: make(map[string]*time.Timer)}
}

// schedule arms (or re-arms) a debounced save for key. The save closure runs
// on the timer goroutine and must capture live state, not a stale snapshot.
func (s *saver) schedule(key string, save func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.pending[key] == t {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		save()
	})
	s.pending[key] = t
}

// cancelAll stops every armed timer without running the saves. Used before a
// synchronous full flush supersedes them.
func (s *saver) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.pending {
		t.Stop()
		delete(s.pending, key)
	}
}
