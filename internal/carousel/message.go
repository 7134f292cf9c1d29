package carousel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Section table identifiers.
const (
	TableDirectory = 0x3B
	TableData      = 0x3C
)

// Section layout limits.
const (
	sectionHeaderSize = 3
	crcSize           = 4
	// MaxSectionLength is the largest value of the 12-bit section_length field
	// allowed for private sections.
	MaxSectionLength = 4093

	directoryFixedSize = 4 + 1 + 2 + 4 + 4 + 1 + 2
	dataHeaderSize     = 4 + 1 + 2

	// MaxBlockSize is the largest block that fits a single data section.
	MaxBlockSize = MaxSectionLength - crcSize - dataHeaderSize
	// DefaultBlockSize matches the customary DSM-CC download block size.
	DefaultBlockSize = 4066
)

// Section errors.
var (
	ErrSectionLength = errors.New("carousel: invalid section length")
	ErrCRC           = errors.New("carousel: section CRC mismatch")
	ErrUnknownTable  = errors.New("carousel: unknown table id")
	ErrMalformed     = errors.New("carousel: malformed message")
)

// directory announces one object of the carousel.
type directory struct {
	Name      string
	URL       string
	ObjectID  uint32
	TotalSize uint32
	Validity  time.Duration
	BlockSize uint16
	Version   uint8
}

// block carries one fragment of an announced object.
type block struct {
	Data     []byte
	ObjectID uint32
	Number   uint16
	Version  uint8
}

// sectionLength returns the total length (header included) announced by a
// section header, or 0 if fewer than three bytes are available.
func sectionLength(b []byte) int {
	if len(b) < sectionHeaderSize {
		return 0
	}
	return sectionHeaderSize + int(b[1]&0x0F)<<8 + int(b[2])
}

// checkSection verifies length and CRC and returns the table id and body.
func checkSection(s []byte) (byte, []byte, error) {
	n := sectionLength(s)
	if n < sectionHeaderSize+crcSize || n != len(s) {
		return 0, nil, ErrSectionLength
	}

	body := s[:n-crcSize]
	if binary.BigEndian.Uint32(s[n-crcSize:]) != crc32MPEG2(body) {
		return 0, nil, ErrCRC
	}

	return s[0], body[sectionHeaderSize:], nil
}

func parseDirectory(b []byte) (directory, error) {
	if len(b) < directoryFixedSize {
		return directory{}, fmt.Errorf("%w: directory too short", ErrMalformed)
	}

	d := directory{
		ObjectID:  binary.BigEndian.Uint32(b[0:]),
		Version:   b[4],
		BlockSize: binary.BigEndian.Uint16(b[5:]),
		TotalSize: binary.BigEndian.Uint32(b[7:]),
		Validity:  time.Duration(binary.BigEndian.Uint32(b[11:])) * time.Second,
	}

	nameLen := int(b[15])
	rest := b[16:]
	if len(rest) < nameLen+2 {
		return directory{}, fmt.Errorf("%w: directory name truncated", ErrMalformed)
	}
	d.Name = string(rest[:nameLen])
	rest = rest[nameLen:]

	urlLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) != urlLen {
		return directory{}, fmt.Errorf("%w: directory url length", ErrMalformed)
	}
	d.URL = string(rest)

	switch {
	case d.Name == "":
		return directory{}, fmt.Errorf("%w: empty object name", ErrMalformed)
	case d.BlockSize == 0 || int(d.BlockSize) > MaxBlockSize:
		return directory{}, fmt.Errorf("%w: block size %d", ErrMalformed, d.BlockSize)
	case d.TotalSize == 0:
		return directory{}, fmt.Errorf("%w: zero object size", ErrMalformed)
	case uint64(d.TotalSize) > uint64(d.BlockSize)*0x10000:
		return directory{}, fmt.Errorf("%w: object needs more than 65536 blocks", ErrMalformed)
	}

	return d, nil
}

func parseBlock(b []byte) (block, error) {
	if len(b) <= dataHeaderSize {
		return block{}, fmt.Errorf("%w: data message too short", ErrMalformed)
	}

	return block{
		ObjectID: binary.BigEndian.Uint32(b[0:]),
		Version:  b[4],
		Number:   binary.BigEndian.Uint16(b[5:]),
		Data:     b[dataHeaderSize:],
	}, nil
}

// appendSection frames body as a private section with the given table id and
// appends it, CRC included, to dst.
func appendSection(dst []byte, table byte, body []byte) []byte {
	n := len(body) + crcSize
	start := len(dst)
	// section_syntax_indicator=0, private_indicator=1, reserved bits set
	dst = append(dst, table, 0x70|byte(n>>8)&0x0F, byte(n))
	dst = append(dst, body...)
	return binary.BigEndian.AppendUint32(dst, crc32MPEG2(dst[start:]))
}

func (d directory) marshal() []byte {
	b := make([]byte, 0, directoryFixedSize+len(d.Name)+len(d.URL))
	b = binary.BigEndian.AppendUint32(b, d.ObjectID)
	b = append(b, d.Version)
	b = binary.BigEndian.AppendUint16(b, d.BlockSize)
	b = binary.BigEndian.AppendUint32(b, d.TotalSize)
	b = binary.BigEndian.AppendUint32(b, uint32(d.Validity/time.Second))
	b = append(b, byte(len(d.Name)))
	b = append(b, d.Name...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(d.URL)))
	return append(b, d.URL...)
}

func (k block) marshal() []byte {
	b := make([]byte, 0, dataHeaderSize+len(k.Data))
	b = binary.BigEndian.AppendUint32(b, k.ObjectID)
	b = append(b, k.Version)
	b = binary.BigEndian.AppendUint16(b, k.Number)
	return append(b, k.Data...)
}
