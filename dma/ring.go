package dma

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/hw"
	"golang.org/x/time/rate"
)

// Direction of a channel.
type Direction int

const (
	TX Direction = iota // memory to device
	RX                  // device to memory
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

type slot struct {
	buf *Buffer
}

// Completion summarizes one walk over a ring.
type Completion struct {
	// Count is the number of descriptors the engine completed.
	Count int
	// Bytes is the payload the engine reported as moved.
	Bytes uint64
	// Errors is the OR of the error bits of completed descriptors.
	Errors uint32
	// Released is the number of descriptors unbound without completing.
	Released int
}

// Ring is a closed ring of hardware descriptors in one block of DMA memory.
// Starting at head the ring splits into three arcs: active descriptors owned
// by the engine, prepared descriptors not yet handed over, and free ones.
type Ring struct {
	l    *logrus.Entry
	dir  Direction
	mem  hw.Mem
	desc []hw.Descriptor
	// slots mirror desc with the buffer each descriptor is bound to.
	slots []slot

	head     int
	active   int
	prepared int

	anomalies uint64
	warn      *rate.Limiter
}

// NewRing allocates n descriptors and links them into a ring.
func NewRing(l *logrus.Logger, alloc hw.Allocator, n, align int, dir Direction) (*Ring, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: ring of %d descriptors", ErrInvalidArgument, n)
	}
	align = max(align, hw.DescriptorAlignment)
	m, err := alloc.Alloc(n*hw.DescriptorSize, align)
	if err != nil {
		return nil, fmt.Errorf("%w: %d descriptors: %v", ErrOutOfMemory, n, err)
	}
	if m.PhysAddr()%uint64(align) != 0 {
		_ = m.Close()
		return nil, fmt.Errorf("%w: descriptor memory at 0x%x is not %d byte aligned", ErrOutOfMemory, m.PhysAddr(), align)
	}

	r := &Ring{
		l:     l.WithField("channel", dir),
		dir:   dir,
		mem:   m,
		desc:  hw.Descriptors(m.Buf(), n),
		slots: make([]slot, n),
		warn:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for i := range r.desc {
		r.desc[i] = hw.Descriptor{}
		r.desc[i].SetNext(r.Phys((i + 1) % n))
	}
	return r, nil
}

func (r *Ring) Size() int {
	return len(r.desc)
}

// Phys is the engine address of descriptor i.
func (r *Ring) Phys(i int) uint64 {
	return r.mem.PhysAddr() + uint64(i*hw.DescriptorSize)
}

func (r *Ring) index(i int) int {
	return i % len(r.desc)
}

func (r *Ring) Head() int {
	return r.head
}

// Tail is the last active descriptor, -1 when none is active.
func (r *Ring) Tail() int {
	if r.active == 0 {
		return -1
	}
	return r.index(r.head + r.active - 1)
}

// LastPrepared is the last prepared descriptor, -1 when none is prepared.
func (r *Ring) LastPrepared() int {
	if r.prepared == 0 {
		return -1
	}
	return r.index(r.head + r.active + r.prepared - 1)
}

func (r *Ring) Active() int {
	return r.active
}

func (r *Ring) Prepared() int {
	return r.prepared
}

func (r *Ring) Free() int {
	return len(r.desc) - r.active - r.prepared
}

// Anomalies counts descriptors seen complete out of ring order.
func (r *Ring) Anomalies() uint64 {
	return r.anomalies
}

// Descriptor returns descriptor i for inspection.
func (r *Ring) Descriptor(i int) *hw.Descriptor {
	return &r.desc[r.index(i)]
}

// Buffer returns the buffer bound to descriptor i.
func (r *Ring) Buffer(i int) *Buffer {
	return r.slots[r.index(i)].buf
}

// Bind binds b to the next free descriptor. Transmit descriptors move the
// payload of b, receive descriptors offer its whole capacity.
func (r *Ring) Bind(b *Buffer, sof, eof bool) (int, error) {
	if r.Free() == 0 {
		return -1, ErrAllActive
	}
	i := r.index(r.head + r.active + r.prepared)
	if r.slots[i].buf != nil {
		err := newInvariantError(ErrRingCorrupt, map[string]any{
			"channel":  r.dir,
			"index":    i,
			"head":     r.head,
			"active":   r.active,
			"prepared": r.prepared,
		})
		err.Log(r.l)
		return -1, err
	}

	n := b.bytes
	if r.dir == RX {
		n = len(b.data)
	}
	ctrl := uint32(n) & hw.DescLengthMask
	if sof {
		ctrl |= hw.DescSOF
	}
	if eof {
		ctrl |= hw.DescEOF
	}

	d := &r.desc[i]
	d.SetBuffer(b.phys)
	d.Control = ctrl
	d.Status = 0
	d.App = [5]uint32{}

	r.slots[i].buf = b
	b.refs++
	r.prepared++
	return i, nil
}

// Promote hands all prepared descriptors to the engine. The caller writes
// the new tail to the engine.
func (r *Ring) Promote() (oldTail, newTail int, err error) {
	if r.prepared == 0 {
		return r.Tail(), r.Tail(), ErrNoData
	}
	oldTail = r.Tail()
	r.active += r.prepared
	r.prepared = 0
	return oldTail, r.Tail(), nil
}

func (r *Ring) unbind(i, n int, complete bool) {
	b := r.slots[i].buf
	r.slots[i].buf = nil
	d := &r.desc[i]
	d.Control = 0
	d.Status = 0
	if b == nil {
		return
	}
	b.refs--
	if r.dir == RX && complete {
		b.bytes = n
		b.done = true
	}
}

// Verify walks the active arc from head in ring order and unbinds every
// descriptor the engine completed, stopping at the first incomplete one. With
// release the remaining active and prepared descriptors are unbound too.
// ErrNoCompletions is returned when nothing moved.
func (r *Ring) Verify(release bool) (Completion, error) {
	var c Completion
	for r.active > 0 {
		d := &r.desc[r.head]
		if !d.Complete() {
			break
		}
		n := d.Transferred()
		c.Count++
		c.Bytes += uint64(n)
		c.Errors |= d.Status & hw.DescStatErrors
		r.unbind(r.head, n, true)
		r.head = r.index(r.head + 1)
		r.active--
	}

	if !release {
		r.checkLookahead()
	} else {
		for r.active+r.prepared > 0 {
			r.unbind(r.head, 0, false)
			r.head = r.index(r.head + 1)
			if r.active > 0 {
				r.active--
			} else {
				r.prepared--
			}
			c.Released++
		}
	}

	if c.Count == 0 && c.Released == 0 {
		return c, ErrNoCompletions
	}
	return c, nil
}

// checkLookahead looks for descriptors the engine reports complete beyond the
// first incomplete active one or past the tail. Some engines complete a
// descriptor past the tail under load. It is counted and logged, never
// treated as a failure.
func (r *Ring) checkLookahead() {
	limit := min(r.active+1, len(r.desc))
	for k := 0; k < limit; k++ {
		i := r.index(r.head + k)
		if k == 0 && r.active > 0 {
			continue
		}
		if !r.desc[i].Complete() {
			continue
		}
		r.anomalies++
		if r.warn.Allow() {
			r.l.WithFields(logrus.Fields{
				"index":     i,
				"head":      r.head,
				"tail":      r.Tail(),
				"anomalies": r.anomalies,
			}).Warn("Descriptor completed out of order")
		}
	}
}

// VerifyCyclic counts completions of a fully bound ring the engine cycles
// through on its own. Descriptors stay bound, their status is cleared so the
// next pass can be seen.
func (r *Ring) VerifyCyclic() (Completion, error) {
	var c Completion
	for c.Count < len(r.desc) {
		d := &r.desc[r.head]
		if !d.Complete() {
			break
		}
		c.Count++
		c.Bytes += uint64(d.Transferred())
		c.Errors |= d.Status & hw.DescStatErrors
		d.Status = 0
		r.head = r.index(r.head + 1)
	}
	if c.Count == 0 {
		return c, ErrNoCompletions
	}
	return c, nil
}

// Walk follows the next addresses from descriptor 0 and returns how many
// descriptors it took to get back.
func (r *Ring) Walk() (int, error) {
	base := r.mem.PhysAddr()
	i, n := 0, 0
	for {
		next := r.desc[i].Next()
		n++
		off := next - base
		if next < base || off%hw.DescriptorSize != 0 || off/hw.DescriptorSize >= uint64(len(r.desc)) || n > len(r.desc) {
			return n, newInvariantError(ErrRingCorrupt, map[string]any{
				"channel": r.dir,
				"index":   i,
				"next":    fmt.Sprintf("0x%x", next),
				"steps":   n,
			})
		}
		i = int(off / hw.DescriptorSize)
		if i == 0 {
			return n, nil
		}
	}
}

// Close unbinds all descriptors and frees the descriptor memory.
func (r *Ring) Close() error {
	_, _ = r.Verify(true)
	r.desc = nil
	return r.mem.Close()
}
