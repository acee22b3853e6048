package eventfd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A goroutine blocked in Wait is released by kicking an eventfd registered in
// the same epoll.
func TestEpoll_Kick(t *testing.T) {
	efd, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
	})

	ep, err := NewEpoll()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
	})
	require.NoError(t, ep.AddEvent(efd.FD()))

	got := make(chan []int)
	go func() {
		fds, _ := ep.Wait()
		got <- fds
	}()
	select {
	case <-got:
		t.Fatalf("goroutine ended early")
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, efd.Kick())
	select {
	case fds := <-got:
		assert.Equal(t, []int{efd.FD()}, fds)
	case <-time.After(5 * time.Second):
		t.Error("goroutine did not end")
	}

	assert.NoError(t, efd.Drain())
	// Draining an empty eventfd is not an error.
	assert.NoError(t, efd.Drain())
}

func TestEventFD_Close(t *testing.T) {
	efd, err := New()
	require.NoError(t, err)
	assert.NoError(t, efd.Close())
	assert.NoError(t, efd.Close())
}
