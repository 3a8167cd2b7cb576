package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

const lineQueueSize = 512

// lineWriter fans log lines out to its sinks from a single goroutine. Lines queued
// while a batch is written are drained together and flushed once.
type lineWriter struct {
	lines   chan []byte
	flushes chan chan error
	done    chan struct{}

	// stateMu guards closed and the send side of lines.
	stateMu sync.RWMutex
	closed  bool

	sinks []*bufio.Writer

	errMu sync.Mutex
	err   error
}

func newLineWriter(writers []io.Writer, bufSize int) *lineWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	w := &lineWriter{
		lines:   make(chan []byte, lineQueueSize),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
	}
	for _, out := range writers {
		if out != nil {
			w.sinks = append(w.sinks, bufio.NewWriterSize(out, bufSize))
		}
	}
	go w.run()
	return w
}

func (w *lineWriter) run() {
	defer close(w.done)
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				w.recordErr(w.flush())
				return
			}
			w.recordErr(w.write(line))
			if !w.drain() {
				w.recordErr(w.flush())
				return
			}
			w.recordErr(w.flush())
		case ack := <-w.flushes:
			open := w.drain()
			ack <- w.flush()
			if !open {
				return
			}
		}
	}
}

// drain writes every line already queued. It reports false once the queue is closed.
func (w *lineWriter) drain() bool {
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				return false
			}
			w.recordErr(w.write(line))
		default:
			return true
		}
	}
}

func (w *lineWriter) write(line []byte) error {
	var errs []error
	for _, sink := range w.sinks {
		if _, err := sink.Write(line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *lineWriter) flush() error {
	var errs []error
	for _, sink := range w.sinks {
		if err := sink.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errWriterClosed = errors.New("logger: writer closed")

// Write queues a copy of p. It blocks when the queue is full rather than drop lines.
// After Close it returns errWriterClosed.
func (w *lineWriter) Write(p []byte) error {
	if err := w.firstErr(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	if w.closed {
		return errWriterClosed
	}
	w.lines <- append([]byte(nil), p...)
	return nil
}

// Flush waits until queued lines reach the sinks.
func (w *lineWriter) Flush() error {
	ack := make(chan error, 1)
	select {
	case w.flushes <- ack:
		return errors.Join(<-ack, w.firstErr())
	case <-w.done:
		return w.firstErr()
	}
}

// Close drains the queue and returns the first write error seen.
func (w *lineWriter) Close() error {
	w.stateMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.lines)
	}
	w.stateMu.Unlock()
	<-w.done
	return w.firstErr()
}

func (w *lineWriter) firstErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *lineWriter) recordErr(err error) {
	if err == nil {
		return
	}
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}
