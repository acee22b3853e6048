package dma

import "errors"

// Verify checks the consistency of both rings and lists: rings must close,
// every bound descriptor must be matched by a buffer reference and the byte
// counters must agree with the buffers. Violations are logged and returned
// as an *InvariantError.
func (e *Engine) Verify() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range []*channel{e.tx, e.rx} {
		n, err := c.ring.Walk()
		if err != nil {
			var ierr *InvariantError
			if errors.As(err, &ierr) {
				ierr.Log(e.l)
			}
			return err
		}
		if n != c.ring.Size() {
			return e.invariant(ErrRingCorrupt, map[string]any{
				"channel": c.dir,
				"walked":  n,
				"size":    c.ring.Size(),
			})
		}

		refs := 0
		c.list.Each(func(_ int, b *Buffer) {
			refs += b.refs
		})
		if bound := c.ring.Active() + c.ring.Prepared(); refs != bound {
			return e.invariant(ErrCountMismatch, map[string]any{
				"channel": c.dir,
				"bound":   bound,
				"refs":    refs,
			})
		}
	}

	if b := e.txList.Bytes(); b != e.totalBytes {
		return e.invariant(ErrByteMismatch, map[string]any{
			"channel": TX,
			"buffers": b,
			"total":   e.totalBytes,
		})
	}

	var ready uint64
	e.rxList.Each(func(_ int, b *Buffer) {
		if b.done {
			ready += uint64(b.bytes)
		}
	})
	if ready != e.available {
		return e.invariant(ErrByteMismatch, map[string]any{
			"channel":   RX,
			"buffers":   ready,
			"available": e.available,
		})
	}
	return nil
}

func (e *Engine) invariant(kind error, fields map[string]any) error {
	err := newInvariantError(kind, fields)
	err.Log(e.l)
	return err
}
