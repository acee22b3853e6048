package fpga

import (
	"context"
	"sync"
	"time"
)

// StatusLatch holds the last peripheral snapshot. It has its own lock so
// status readers are never held up by the transfer engine.
type StatusLatch struct {
	mu      sync.Mutex
	s       Snapshot
	changed chan struct{}
}

func NewStatusLatch() *StatusLatch {
	return &StatusLatch{changed: make(chan struct{})}
}

// Update stores s and wakes waiters when the board time or status moved or
// an interrupt was seen. It reports whether waiters were woken.
func (sl *StatusLatch) Update(s Snapshot) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if s.Time == sl.s.Time && s.Status == sl.s.Status && s.IRQ == 0 {
		return false
	}
	s.Seq = sl.s.Seq + 1
	sl.s = s
	close(sl.changed)
	sl.changed = make(chan struct{})
	return true
}

func (sl *StatusLatch) Load() Snapshot {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.s
}

// Wait blocks until a snapshot newer than seq is latched. A timeout of 0 waits
// until ctx is done.
func (sl *StatusLatch) Wait(ctx context.Context, seq uint64, timeout time.Duration) (Snapshot, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		sl.mu.Lock()
		s, changed := sl.s, sl.changed
		sl.mu.Unlock()
		if s.Seq != seq {
			return s, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		case <-expired:
			return s, ErrTimeout
		}
	}
}
