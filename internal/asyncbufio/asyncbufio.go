// Package asyncbufio provides a buffered writer whose underlying writes
// happen in a separate goroutine, so callers do not block on disk latency.
package asyncbufio

import (
	"bufio"
	"io"
	"time"
)

// Writer queues byte slices on a channel and writes them to an underlying
// bufio.Writer from its own goroutine. A nil slice on the channel requests
// a flush. Flushes also happen at a regular interval, so a slow data rate
// cannot strand bytes in memory indefinitely.
type Writer struct {
	data          chan []byte
	done          chan struct{}
	flushInterval time.Duration
	w             *bufio.Writer
}

// NewWriter wraps w in an asynchronous writer. Up to chanDepth pending
// writes are queued before Write blocks, and buffered data is pushed to w
// at least once every flushInterval.
func NewWriter(w io.Writer, chanDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		data:          make(chan []byte, chanDepth),
		done:          make(chan struct{}),
		flushInterval: flushInterval,
		w:             bufio.NewWriter(w),
	}
	go aw.run()
	return aw
}

// Write queues a copy of p, so the caller may reuse the buffer. The count
// returned is always len(p): the actual write happens later, and write
// errors are absorbed by the underlying bufio.Writer. Write panics if the
// Writer has been closed.
func (aw *Writer) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	aw.data <- b
	return len(p), nil
}

// Flush asks the writing goroutine to push buffered data to the underlying
// writer. It does not wait for the flush to complete. Flush panics if the
// Writer has been closed.
func (aw *Writer) Flush() {
	aw.data <- nil
}

// Close drains all pending writes, flushes, and stops the goroutine. Any
// use of the Writer after Close panics.
func (aw *Writer) Close() {
	close(aw.data)
	<-aw.done
}

func (aw *Writer) run() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-aw.data:
			if !ok {
				aw.w.Flush()
				return
			}
			if b == nil {
				aw.w.Flush()
				continue
			}
			aw.w.Write(b)
		case <-ticker.C:
			aw.w.Flush()
		}
	}
}
