package carousel

import (
	"fmt"
	"time"
)

// Source describes one object to broadcast.
type Source struct {
	Name     string
	URL      string
	Data     []byte
	Validity time.Duration
	ID       uint32
	Version  uint8
}

// Blocks returns the number of data blocks the object occupies.
func (s Source) Blocks(blockSize int) int {
	return (len(s.Data) + blockSize - 1) / blockSize
}

// Encoder packetizes carousel objects onto a single PID. It keeps the PID's
// continuity counter across calls, so one Encoder must be used per stream.
type Encoder struct {
	pid       uint16
	blockSize int
	cc        uint8
}

// NewEncoder creates an encoder for pid. A blockSize of zero selects
// DefaultBlockSize.
func NewEncoder(pid uint16, blockSize int) (*Encoder, error) {
	if pid >= NullPID {
		return nil, fmt.Errorf("carousel: invalid pid %#x", pid)
	}
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 || blockSize > MaxBlockSize {
		return nil, fmt.Errorf("carousel: block size %d out of range", blockSize)
	}

	return &Encoder{pid: pid, blockSize: blockSize}, nil
}

// BlockSize returns the configured block size.
func (e *Encoder) BlockSize() int {
	return e.blockSize
}

// Directory returns the transport packets of the object's directory message.
func (e *Encoder) Directory(src Source) ([]byte, error) {
	if len(src.Name) == 0 || len(src.Name) > 0xFF {
		return nil, fmt.Errorf("carousel: object name length %d", len(src.Name))
	}
	if len(src.Data) == 0 {
		return nil, fmt.Errorf("carousel: object %q is empty", src.Name)
	}

	d := directory{
		Name:      src.Name,
		URL:       src.URL,
		ObjectID:  src.ID,
		TotalSize: uint32(len(src.Data)),
		Validity:  src.Validity,
		BlockSize: uint16(e.blockSize),
		Version:   src.Version,
	}

	body := d.marshal()
	if len(body)+crcSize > MaxSectionLength {
		return nil, fmt.Errorf("carousel: directory for %q exceeds a section", src.Name)
	}

	return e.packetize(appendSection(nil, TableDirectory, body)), nil
}

// Block returns the transport packets of data block n of the object.
func (e *Encoder) Block(src Source, n int) ([]byte, error) {
	if n < 0 || n >= src.Blocks(e.blockSize) {
		return nil, fmt.Errorf("carousel: block %d out of range for %q", n, src.Name)
	}

	start := n * e.blockSize
	end := min(start+e.blockSize, len(src.Data))

	k := block{
		Data:     src.Data[start:end],
		ObjectID: src.ID,
		Number:   uint16(n),
		Version:  src.Version,
	}

	return e.packetize(appendSection(nil, TableData, k.marshal())), nil
}

// Encode returns the directory message followed by every data block.
func (e *Encoder) Encode(src Source) ([]byte, error) {
	out, err := e.Directory(src)
	if err != nil {
		return nil, err
	}

	for n := range src.Blocks(e.blockSize) {
		pkts, err := e.Block(src, n)
		if err != nil {
			return nil, err
		}
		out = append(out, pkts...)
	}

	return out, nil
}

// packetize splits one section over as many packets as needed. The first
// packet carries the start indicator and a zero pointer_field; the tail of the
// last packet is stuffed with 0xFF.
func (e *Encoder) packetize(section []byte) []byte {
	var out []byte
	first := true

	for len(section) > 0 || first {
		pkt := make([]byte, PacketSize)
		pkt[0] = SyncByte
		pkt[1] = byte(e.pid >> 8 & 0x1F)
		pkt[2] = byte(e.pid)
		pkt[3] = 0x10 | e.cc
		e.cc = (e.cc + 1) & 0x0F

		payload := pkt[headerSize:]
		if first {
			pkt[1] |= 0x40
			payload[0] = 0
			payload = payload[1:]
			first = false
		}

		n := copy(payload, section)
		section = section[n:]
		for i := n; i < len(payload); i++ {
			payload[i] = 0xFF
		}

		out = append(out, pkt...)
	}

	return out
}
