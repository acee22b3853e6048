package sshd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/util"
)

type StringWriter interface {
	WriteLine(string) error
	Write(string) error
	WriteBytes([]byte) error
	GetWriter() io.Writer
}

// NewStringWriter returns a StringWriter sending everything to w
func NewStringWriter(w io.Writer) StringWriter {
	return &stringWriter{w: w}
}

type stringWriter struct {
	w io.Writer
}

func (w *stringWriter) WriteLine(s string) error {
	return w.Write(s + "\n")
}

func (w *stringWriter) Write(s string) error {
	_, err := w.w.Write([]byte(s))
	return err
}

func (w *stringWriter) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

func (w *stringWriter) GetWriter() io.Writer {
	return w.w
}

// WriteResult reports the outcome of an operation, warnings still count as done
func WriteResult(w StringWriter, done string, err error) error {
	switch {
	case err == nil:
		return w.WriteLine(done)
	case isWarning(err):
		return w.WriteLine(fmt.Sprintf("%s, warning: %s", done, err))
	default:
		return w.WriteLine(fmt.Sprintf("Failed: %s", err))
	}
}

// isWarning reports whether err logs below error level
func isWarning(err error) bool {
	return util.LevelOf(err) > logrus.ErrorLevel
}
