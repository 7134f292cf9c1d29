//go:build unix

package cache

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// mappedBuffer is a payload held in a private anonymous mapping. The mapping
// is made read-only after the copy, so a stray write faults instead of
// corrupting a payload that readers share.
type mappedBuffer struct {
	b    []byte
	once sync.Once
}

func mapBuffer(payload []byte) (Buffer, error) {
	if len(payload) == 0 {
		return &heapBuffer{b: payload}, nil
	}

	b, err := unix.Mmap(-1, 0, len(payload), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, len(payload), err)
	}

	copy(b, payload)

	if err := unix.Mprotect(b, unix.PROT_READ); err != nil {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("%w: mprotect: %v", ErrAllocation, err)
	}

	m := &mappedBuffer{b: b}
	// an entry dropped without Release still returns its mapping
	runtime.SetFinalizer(m, (*mappedBuffer).Release)

	return m, nil
}

func (m *mappedBuffer) Bytes() []byte { return m.b }

func (m *mappedBuffer) Release() {
	m.once.Do(func() {
		_ = unix.Munmap(m.b)
		m.b = nil
		runtime.SetFinalizer(m, nil)
	})
}
