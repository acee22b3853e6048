package dma

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Warning is returned when an operation did what it could but the caller
// should know about a condition. The state is consistent after a warning.
type Warning string

func (w Warning) Error() string {
	return string(w)
}

// Level logs warnings below errors.
func (w Warning) Level() logrus.Level {
	return logrus.WarnLevel
}

const (
	ErrNoData           = Warning("no data")
	ErrNotEnabled       = Warning("channel not enabled")
	ErrAlreadyDone      = Warning("already done")
	ErrAllActive        = Warning("all descriptors active")
	ErrOverwritten      = Warning("oldest buffer overwritten")
	ErrReallocated      = Warning("buffer pool reallocated")
	ErrTimeoutRecovered = Warning("timed out, recovered by reset")
	ErrNotIdleStopped   = Warning("not idle, stopped anyway")
	ErrNoBuffersReady   = Warning("no buffers ready")
	ErrNoCompletions    = Warning("no completions")
)

// IsWarning reports whether err is, or wraps, a [Warning].
func IsWarning(err error) bool {
	var w Warning
	return errors.As(err, &w)
}

// Recoverable errors. The operation failed, state is consistent and the caller
// may retry.
var (
	ErrOutOfMemory     = errors.New("out of dma memory")
	ErrIllegalState    = errors.New("illegal state for the requested operation")
	ErrAlreadyRunning  = fmt.Errorf("%w: transfer already running", ErrIllegalState)
	ErrTimeout         = errors.New("timed out waiting for hardware")
	ErrInterrupted     = errors.New("interrupted")
	ErrBadAddress      = errors.New("bad address")
	ErrNotIdle         = errors.New("channel not idle")
	ErrNotRunning      = errors.New("dma not running")
	ErrDeviceError     = errors.New("device in error state")
	ErrDeviceInactive  = errors.New("device inactive")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoSpace         = errors.New("transmit buffer limit reached")
	ErrClosed          = errors.New("engine closed")
)

// Kinds of [InvariantError].
var (
	ErrRefCount      = errors.New("buffer released with live references")
	ErrRingCorrupt   = errors.New("descriptor ring corrupt")
	ErrCountMismatch = errors.New("descriptor count mismatch")
	ErrByteMismatch  = errors.New("byte count mismatch")
)

// InvariantError reports a software or hardware protocol bug. It is never
// ignored: every producer logs it at error level.
type InvariantError struct {
	Kind   error
	Fields map[string]any
}

func newInvariantError(kind error, fields map[string]any) *InvariantError {
	return &InvariantError{Kind: kind, Fields: fields}
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %v %v", e.Kind, e.Fields)
}

func (e *InvariantError) Unwrap() error {
	return e.Kind
}

func (e *InvariantError) Log(l logrus.FieldLogger) {
	l.WithFields(e.Fields).WithError(e.Kind).Error("Invariant violation")
}
