package common

import (
	"bytes"
	"io"
)

// LineHandler is a callback function for handling a line, returning false stops further handlers
type LineHandler func(line string) bool

// LineWriter splits everything written to it into lines. Lines keep their trailing newline.
type LineWriter struct {
	buffer   bytes.Buffer
	handlers []LineHandler
}

var _ io.Writer = (*LineWriter)(nil)

// NewLineWriter creates a writer that hands each complete line to the handlers in order
func NewLineWriter(handlers ...LineHandler) *LineWriter {
	return &LineWriter{handlers: handlers}
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			lw.buffer.Write(p)
			break
		}
		lw.buffer.Write(p[:i+1])
		lw.emit()
		p = p[i+1:]
	}
	return n, nil
}

// Flush hands a trailing line without newline to the handlers. Call it once the producer is done.
func (lw *LineWriter) Flush() {
	if lw.buffer.Len() > 0 {
		lw.emit()
	}
}

func (lw *LineWriter) emit() {
	line := lw.buffer.String()
	lw.buffer.Reset()
	for _, h := range lw.handlers {
		if ok := h(line); !ok {
			break
		}
	}
}
