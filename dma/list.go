package dma

// List is an ordered run of buffers. Buffers before the cursor are bound to
// descriptors (or were, for a transmit list being repeated), buffers from the
// cursor on still wait to be bound.
type List struct {
	bufs   []*Buffer
	next   int
	sealed bool
}

func (l *List) Append(b *Buffer) {
	l.bufs = append(l.bufs, b)
}

// Peek returns the buffer at the cursor, nil when all buffers are bound.
func (l *List) Peek() *Buffer {
	if l.next >= len(l.bufs) {
		return nil
	}
	return l.bufs[l.next]
}

// Next advances the cursor and reports whether it reached the end.
func (l *List) Next() bool {
	if l.next < len(l.bufs) {
		l.next++
	}
	return l.next == len(l.bufs)
}

// AtLast reports whether the cursor is on the last buffer.
func (l *List) AtLast() bool {
	return l.next == len(l.bufs)-1
}

// Rewind moves the cursor back to the first buffer.
func (l *List) Rewind() {
	l.next = 0
}

// SetCursor moves the cursor to buffer i.
func (l *List) SetCursor(i int) {
	l.next = min(max(i, 0), len(l.bufs))
}

func (l *List) Cursor() int {
	return l.next
}

func (l *List) First() *Buffer {
	if len(l.bufs) == 0 {
		return nil
	}
	return l.bufs[0]
}

func (l *List) Last() *Buffer {
	if len(l.bufs) == 0 {
		return nil
	}
	return l.bufs[len(l.bufs)-1]
}

// PopFront removes the oldest buffer.
func (l *List) PopFront() *Buffer {
	if len(l.bufs) == 0 {
		return nil
	}
	b := l.bufs[0]
	l.bufs[0] = nil
	l.bufs = l.bufs[1:]
	if l.next > 0 {
		l.next--
	}
	return b
}

func (l *List) Len() int {
	return len(l.bufs)
}

// Bytes is the payload held by all buffers.
func (l *List) Bytes() uint64 {
	var n uint64
	for _, b := range l.bufs {
		n += uint64(b.bytes)
	}
	return n
}

func (l *List) Each(f func(i int, b *Buffer)) {
	for i, b := range l.bufs {
		f(i, b)
	}
}

// Seal marks the list complete, the last buffer ends the last packet.
func (l *List) Seal() {
	l.sealed = true
}

func (l *List) Sealed() bool {
	return l.sealed
}

// Reset empties the list and returns the buffers it held.
func (l *List) Reset() []*Buffer {
	bufs := l.bufs
	*l = List{}
	return bufs
}
