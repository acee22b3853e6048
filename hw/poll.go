package hw

import (
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// ErrPollTimeout is returned by [Poll] when the condition did not become true
// before the deadline.
var ErrPollTimeout = errors.New("timed out waiting for hardware")

// Poll calls cond until it returns true or timeout elapses. The first check is
// immediate, later checks back off from a few microseconds up to a millisecond
// so short register transitions are seen quickly without spinning on long
// ones. A final check is done at the deadline.
func Poll(timeout time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}

	b := &backoff.Backoff{
		Min:    2 * time.Microsecond,
		Max:    time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		time.Sleep(min(b.Duration(), left))
		if cond() {
			return nil
		}
	}

	if cond() {
		return nil
	}
	return ErrPollTimeout
}
