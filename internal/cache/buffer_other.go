//go:build !unix

package cache

// mapBuffer falls back to the heap where anonymous mappings are unavailable.
func mapBuffer(payload []byte) (Buffer, error) {
	return &heapBuffer{b: payload}, nil
}
