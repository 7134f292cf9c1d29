package serve

import (
	"net/http"
	"time"
)

// countingWriter counts body bytes written to the client. With an idle
// timeout, every write gets its own deadline: a client that stops reading
// fails the copy instead of pinning the entry's read lock.
type countingWriter struct {
	http.ResponseWriter

	rc    *http.ResponseController
	idle  time.Duration
	armed bool
	n     int64
}

func newCountingWriter(w http.ResponseWriter, idle time.Duration) *countingWriter {
	return &countingWriter{
		ResponseWriter: w,
		rc:             http.NewResponseController(w),
		idle:           idle,
	}
}

func (w *countingWriter) Write(b []byte) (int, error) {
	if w.idle > 0 {
		// writers without deadlines, such as recorders, return ErrNotSupported
		w.armed = w.rc.SetWriteDeadline(time.Now().Add(w.idle)) == nil
	}

	n, err := w.ResponseWriter.Write(b)
	w.n += int64(n)

	return n, err
}

// done clears the deadline so it does not outlive the response on a
// keep-alive connection.
func (w *countingWriter) done() {
	if w.armed {
		_ = w.rc.SetWriteDeadline(time.Time{})
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
