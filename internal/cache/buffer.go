package cache

// Buffer owns the payload memory of one entry. Bytes must not be used after
// Release; the store only calls Release while it holds the entry's exclusive
// lock, after the entry has been unlinked or its payload replaced.
type Buffer interface {
	Bytes() []byte
	Release()
}

// heapBuffer is a payload kept on the Go heap.
type heapBuffer struct {
	b []byte
}

func (h *heapBuffer) Bytes() []byte { return h.b }

func (h *heapBuffer) Release() { h.b = nil }

// newBuffer takes ownership of payload. Payloads of at least threshold bytes
// are copied into an anonymous mapping so the heap slice can be collected and
// the mapping is returned to the kernel as soon as the entry goes away.
// A threshold of zero or less keeps everything on the heap.
func newBuffer(payload []byte, threshold int64) (Buffer, error) {
	if threshold > 0 && int64(len(payload)) >= threshold {
		return mapBuffer(payload)
	}
	return &heapBuffer{b: payload}, nil
}
