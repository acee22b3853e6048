// Package eventfd wraps linux eventfd and epoll for the interrupt pollers.
package eventfd

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Kick makes the eventfd readable, waking any epoll waiting on it.
func (e *EventFD) Kick() error {
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	return err
}

// Drain resets the counter so the fd is no longer readable.
func (e *EventFD) Drain() error {
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (e *EventFD) Close() error {
	if e.fd > 0 {
		err := unix.Close(e.fd)
		e.fd = -1
		return err
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 4),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Wait blocks until at least one registered fd is readable and returns the
// readable fds. An interrupted wait returns no fds and no error.
func (ep *Epoll) Wait() ([]int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fds = append(fds, int(ep.events[i].Fd))
	}
	return fds, nil
}

func (ep *Epoll) Close() error {
	if ep.fd > 0 {
		err := unix.Close(ep.fd)
		ep.fd = -1
		return err
	}
	return nil
}
