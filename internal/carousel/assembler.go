package carousel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/piwi3910/stbcache/internal/metrics"
)

// ErrUnknownStream is returned for packets on a PID the assembler was not
// configured to follow.
var ErrUnknownStream = errors.New("carousel: unknown stream")

// ErrOffsetRange is returned for a block that would end beyond the declared
// object size.
var ErrOffsetRange = errors.New("carousel: block offset beyond declared size")

// DropReason classifies a discarded packet, section or in-flight object.
type DropReason string

// Drop reasons reported to metrics.
const (
	DropPacket        DropReason = "packet"
	DropUnknownStream DropReason = "unknown_stream"
	DropDiscontinuity DropReason = "discontinuity"
	DropSection       DropReason = "section"
	DropCRC           DropReason = "crc"
	DropMalformed     DropReason = "malformed"
	DropOrphan        DropReason = "orphan"
	DropOffset        DropReason = "offset"
	DropTimeout       DropReason = "timeout"
	DropOverflow      DropReason = "overflow"
	DropTooLarge      DropReason = "too_large"
	DropPartial       DropReason = "partial_packet"
)

// Config configures an Assembler.
type Config struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time `json:"-" yaml:"-"`

	// PIDs restricts reassembly to these streams. Empty accepts every PID.
	PIDs []uint16 `json:"pids" yaml:"pids"`

	// Timeout discards in-flight objects that were opened longer ago than this.
	// It should span several carousel repetition cycles (default: 10 minutes).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxInFlight bounds the number of objects being assembled at once
	// (default: 256). The oldest record is discarded when it is exceeded.
	MaxInFlight int `json:"maxInFlight" yaml:"max_in_flight"`

	// MaxObjectSize rejects directory messages announcing larger objects.
	// Zero means the wire limit.
	MaxObjectSize int64 `json:"maxObjectSize" yaml:"max_object_size"`
}

// DefaultConfig returns the assembler defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Minute,
		MaxInFlight: 256,
	}
}

// Object is a completely reassembled carousel object.
type Object struct {
	Name      string
	OriginURL string
	Data      []byte
	// Validity is the declared lifetime; zero when the carousel did not
	// declare one.
	Validity time.Duration
	ObjectID uint32
	PID      uint16
	Version  uint8
}

// Stats are running assembler counters. They may be read concurrently with
// Feed.
type Stats struct {
	Packets   atomic.Uint64
	Sections  atomic.Uint64
	Completed atomic.Uint64
	Dropped   atomic.Uint64
	InFlight  atomic.Int64
}

type objectKey struct {
	id  uint32
	pid uint16
}

// assembly is the state of one in-flight object.
type assembly struct {
	started   time.Time
	name      string
	url       string
	data      []byte
	received  []bool
	validity  time.Duration
	have      int
	blockSize int
	version   uint8
}

// stream holds the partial section being collected on one PID.
type stream struct {
	section []byte
	want    int
	lastCC  int
}

// Assembler turns transport packets into complete objects. It is not safe for
// concurrent use: one ingestion goroutine owns it.
type Assembler struct {
	cfg       Config
	allowed   map[uint16]struct{}
	streams   map[uint16]*stream
	inflight  map[objectKey]*assembly
	lastPrune time.Time
	stats     Stats
}

// NewAssembler creates an assembler.
func NewAssembler(cfg Config) *Assembler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 256
	}

	a := &Assembler{
		cfg:      cfg,
		streams:  make(map[uint16]*stream),
		inflight: make(map[objectKey]*assembly),
	}

	if len(cfg.PIDs) > 0 {
		a.allowed = make(map[uint16]struct{}, len(cfg.PIDs))
		for _, pid := range cfg.PIDs {
			a.allowed[pid] = struct{}{}
		}
	}

	return a
}

// Stats returns the assembler counters.
func (a *Assembler) Stats() *Stats {
	return &a.stats
}

// InFlight returns the number of objects currently being assembled.
func (a *Assembler) InFlight() int {
	return len(a.inflight)
}

// Feed consumes one transport packet and returns the objects it completed,
// usually none. A non-nil error means the packet, or a section or block it
// finished, was dropped; objects completed by the same packet are still
// returned. Errors never affect other in-flight objects.
func (a *Assembler) Feed(b []byte) ([]Object, error) {
	a.stats.Packets.Add(1)
	a.prune()

	pkt, err := ParsePacket(b)
	if err != nil {
		a.drop(DropPacket)
		return nil, err
	}

	if pkt.PID == NullPID || !pkt.HasPayload {
		return nil, nil
	}

	if a.allowed != nil {
		if _, ok := a.allowed[pkt.PID]; !ok {
			a.drop(DropUnknownStream)
			return nil, fmt.Errorf("%w: pid %#x", ErrUnknownStream, pkt.PID)
		}
	}

	st, ok := a.streams[pkt.PID]
	if !ok {
		st = &stream{lastCC: -1}
		a.streams[pkt.PID] = st
	}

	var errs []error

	if st.lastCC >= 0 {
		switch uint8(st.lastCC) {
		case pkt.Continuity:
			// duplicate packet, permitted once by ISO 13818-1
			return nil, nil
		case (pkt.Continuity - 1) & 0x0F:
		default:
			if st.section != nil {
				st.section = nil
				a.drop(DropDiscontinuity)
				errs = append(errs, fmt.Errorf("carousel: continuity gap on pid %#x", pkt.PID))
			}
		}
	}
	st.lastCC = int(pkt.Continuity)

	var sections [][]byte
	payload := pkt.Payload

	if pkt.PUSI {
		if len(payload) == 0 || int(payload[0]) >= len(payload) {
			st.section = nil
			a.drop(DropSection)
			return nil, errors.Join(append(errs, ErrSectionLength)...)
		}
		pointer := int(payload[0])
		payload = payload[1:]

		if st.section != nil {
			if s := st.append(payload[:pointer]); s != nil {
				sections = append(sections, s)
			} else {
				// the new section starts before the old one completed
				st.section = nil
				a.drop(DropSection)
				errs = append(errs, ErrSectionLength)
			}
		}

		rest := payload[pointer:]
		for len(rest) >= sectionHeaderSize && rest[0] != 0xFF {
			n := sectionLength(rest)
			if n > MaxSectionLength+sectionHeaderSize {
				a.drop(DropSection)
				errs = append(errs, ErrSectionLength)
				break
			}
			if n <= len(rest) {
				sections = append(sections, rest[:n])
				rest = rest[n:]
				continue
			}
			st.section = append(make([]byte, 0, n), rest...)
			st.want = n
			break
		}
	} else if st.section != nil {
		if s := st.append(payload); s != nil {
			sections = append(sections, s)
		}
	}

	var out []Object
	for _, s := range sections {
		obj, err := a.handleSection(pkt.PID, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if obj != nil {
			out = append(out, *obj)
		}
	}

	a.stats.InFlight.Store(int64(len(a.inflight)))
	metrics.SetAssembliesInFlight(len(a.inflight))

	return out, errors.Join(errs...)
}

// append adds payload to the pending section and returns it once complete.
func (st *stream) append(p []byte) []byte {
	need := st.want - len(st.section)
	if len(p) < need {
		st.section = append(st.section, p...)
		return nil
	}
	s := append(st.section, p[:need]...)
	st.section = nil
	return s
}

func (a *Assembler) handleSection(pid uint16, s []byte) (*Object, error) {
	a.stats.Sections.Add(1)

	table, body, err := checkSection(s)
	if err != nil {
		if errors.Is(err, ErrCRC) {
			a.drop(DropCRC)
		} else {
			a.drop(DropSection)
		}
		return nil, err
	}

	switch table {
	case TableDirectory:
		d, err := parseDirectory(body)
		if err != nil {
			a.drop(DropMalformed)
			return nil, err
		}
		return a.openObject(pid, d)
	case TableData:
		blk, err := parseBlock(body)
		if err != nil {
			a.drop(DropMalformed)
			return nil, err
		}
		return a.placeBlock(pid, blk)
	default:
		a.drop(DropMalformed)
		return nil, fmt.Errorf("%w: %#x", ErrUnknownTable, table)
	}
}

func (a *Assembler) openObject(pid uint16, d directory) (*Object, error) {
	if a.cfg.MaxObjectSize > 0 && int64(d.TotalSize) > a.cfg.MaxObjectSize {
		a.drop(DropTooLarge)
		return nil, fmt.Errorf("%w: %q announces %d bytes", ErrMalformed, d.Name, d.TotalSize)
	}

	key := objectKey{pid: pid, id: d.ObjectID}
	if cur, ok := a.inflight[key]; ok {
		if cur.version == d.Version && cur.name == d.Name &&
			len(cur.data) == int(d.TotalSize) && cur.blockSize == int(d.BlockSize) {
			// carousel repetition of an object we are already collecting
			return nil, nil
		}
		delete(a.inflight, key)
	}

	if len(a.inflight) >= a.cfg.MaxInFlight {
		a.evictOldest()
	}

	blocks := (int(d.TotalSize) + int(d.BlockSize) - 1) / int(d.BlockSize)
	a.inflight[key] = &assembly{
		started:   a.cfg.Now(),
		name:      d.Name,
		url:       d.URL,
		data:      make([]byte, d.TotalSize),
		received:  make([]bool, blocks),
		validity:  d.Validity,
		blockSize: int(d.BlockSize),
		version:   d.Version,
	}

	return nil, nil
}

func (a *Assembler) placeBlock(pid uint16, blk block) (*Object, error) {
	key := objectKey{pid: pid, id: blk.ObjectID}

	asm, ok := a.inflight[key]
	if !ok || asm.version != blk.Version {
		a.drop(DropOrphan)
		return nil, nil
	}

	n := int(blk.Number)
	offset := n * asm.blockSize
	end := offset + len(blk.Data)

	if n >= len(asm.received) || end > len(asm.data) {
		a.drop(DropOffset)
		return nil, fmt.Errorf("%w: %q block %d", ErrOffsetRange, asm.name, n)
	}

	// every block but the last is exactly blockSize; the last ends the object
	last := n == len(asm.received)-1
	if (!last && len(blk.Data) != asm.blockSize) || (last && end != len(asm.data)) {
		a.drop(DropMalformed)
		return nil, fmt.Errorf("%w: %q block %d has %d bytes", ErrMalformed, asm.name, n, len(blk.Data))
	}

	if asm.received[n] {
		return nil, nil
	}

	copy(asm.data[offset:], blk.Data)
	asm.received[n] = true
	asm.have++

	if asm.have < len(asm.received) {
		return nil, nil
	}

	delete(a.inflight, key)
	a.stats.Completed.Add(1)
	metrics.RecordObjectAssembled()

	return &Object{
		Name:      asm.name,
		OriginURL: asm.url,
		Data:      asm.data,
		Validity:  asm.validity,
		ObjectID:  blk.ObjectID,
		PID:       pid,
		Version:   asm.version,
	}, nil
}

// prune discards in-flight objects older than the timeout. The map is walked
// at most once per second.
func (a *Assembler) prune() {
	now := a.cfg.Now()
	if now.Sub(a.lastPrune) < time.Second {
		return
	}
	a.lastPrune = now

	for key, asm := range a.inflight {
		if now.Sub(asm.started) > a.cfg.Timeout {
			delete(a.inflight, key)
			a.drop(DropTimeout)
		}
	}
}

func (a *Assembler) evictOldest() {
	var (
		oldest objectKey
		found  bool
		at     time.Time
	)
	for key, asm := range a.inflight {
		if !found || asm.started.Before(at) {
			oldest, at, found = key, asm.started, true
		}
	}
	if found {
		delete(a.inflight, oldest)
		a.drop(DropOverflow)
	}
}

func (a *Assembler) drop(reason DropReason) {
	a.stats.Dropped.Add(1)
	metrics.RecordCarouselDrop(string(reason))
}
