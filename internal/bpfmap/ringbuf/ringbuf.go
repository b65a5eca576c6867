// Package ringbuf implements a lock-free, single-producer ring buffer map
// for streaming variable-length events out of a running program: an 8-byte
// header (length, flags) per event, BUSY/DISCARD bits, data rounded up to
// 8-byte alignment, and wrap-around storage over a power-of-two byte buffer.
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/corvidrobotics/ebpfcore/internal/bpfmap"
)

const (
	headerSize = 8

	flagBusy     uint32 = 1 << 31
	flagDiscard  uint32 = 1 << 30
)

// Map is a fixed-capacity SPSC ring buffer. The zero value is not usable;
// construct with New.
type Map struct {
	capacity uint64 // power of two
	mask     uint64

	head atomic.Uint64 // next write position, producer-owned
	tail atomic.Uint64 // next read position, consumer-owned

	dataMu sync.Mutex
	data   []byte

	dropped atomic.Uint64
}

// New creates a ring buffer of size bytes, which must be a power of two and
// no larger than maxBytes (the active profile's ring buffer ceiling).
func New(size int, maxBytes int) (*Map, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ringbuf: %w: size must be a power of two", bpfmap.ErrInvalidValue)
	}
	if size > maxBytes {
		return nil, fmt.Errorf("ringbuf: %w: size exceeds profile limit", bpfmap.ErrOutOfMemory)
	}
	m := &Map{
		capacity: uint64(size),
		mask:     uint64(size - 1),
		data:     make([]byte, size),
	}
	return m, nil
}

func alignUp8(n int) int { return (n + 7) &^ 7 }

func (m *Map) availableSpace() uint64 {
	head := m.head.Load()
	tail := m.tail.Load()
	return m.capacity - (head - tail)
}

func (m *Map) usedSpace() uint64 {
	return m.head.Load() - m.tail.Load()
}

func (m *Map) wrap(pos uint64) uint64 { return pos & m.mask }

// Reservation is an in-flight slot returned by Reserve; it must be passed to
// Submit to become visible to readers.
type Reservation struct {
	offset   uint64
	dataSize int
}

// DataSize returns the maximum payload Submit will accept for this
// reservation.
func (r Reservation) DataSize() int { return r.dataSize }

// Reserve allocates space for a size-byte event. It returns false if the
// buffer does not have enough free space, incrementing the dropped-event
// counter (the embedded and cloud profiles both drop the newest event on
// overflow rather than evicting an older one, since a consumer may already
// be mid-read of it).
func (m *Map) Reserve(size int) (Reservation, bool) {
	total := alignUp8(headerSize + size)
	if m.availableSpace() < uint64(total) {
		m.dropped.Add(1)
		return Reservation{}, false
	}
	head := m.head.Add(uint64(total)) - uint64(total)
	return Reservation{offset: m.wrap(head), dataSize: size}, true
}

// Submit writes data into a previously reserved slot, making it visible to
// Poll.
func (m *Map) Submit(r Reservation, data []byte) error {
	if len(data) > r.dataSize {
		return fmt.Errorf("ringbuf: submit: %w", bpfmap.ErrInvalidValue)
	}

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[4:8], 0)
	m.writeWrapped(r.offset, header[:])
	m.writeWrapped(m.wrap(r.offset+headerSize), data)
	return nil
}

// Output combines Reserve and Submit for the common case of writing a
// complete event in one call.
func (m *Map) Output(data []byte) error {
	r, ok := m.Reserve(len(data))
	if !ok {
		return fmt.Errorf("ringbuf: output: %w", bpfmap.ErrMapFull)
	}
	return m.Submit(r, data)
}

// Poll returns the next available event's payload, or false if the buffer
// is empty. It transparently skips events marked DISCARD.
func (m *Map) Poll() ([]byte, bool) {
	for {
		if m.usedSpace() < headerSize {
			return nil, false
		}

		m.dataMu.Lock()
		tail := m.tail.Load()
		offset := m.wrap(tail)

		var header [headerSize]byte
		m.readWrapped(offset, header[:])
		length := binary.LittleEndian.Uint32(header[0:4])
		flags := binary.LittleEndian.Uint32(header[4:8])
		m.dataMu.Unlock()

		total := uint64(alignUp8(headerSize + int(length)))

		if flags&flagBusy != 0 {
			return nil, false
		}
		if flags&flagDiscard != 0 {
			m.tail.Add(total)
			continue
		}

		m.dataMu.Lock()
		out := make([]byte, length)
		m.readWrapped(m.wrap(offset+headerSize), out)
		m.dataMu.Unlock()

		m.tail.Add(total)
		return out, true
	}
}

// writeWrapped copies data into m.data starting at offset, wrapping at the
// buffer boundary. Callers must hold dataMu.
func (m *Map) writeWrapped(offset uint64, data []byte) {
	firstPart := m.capacity - offset
	if firstPart >= uint64(len(data)) {
		copy(m.data[offset:], data)
		return
	}
	copy(m.data[offset:], data[:firstPart])
	copy(m.data[:uint64(len(data))-firstPart], data[firstPart:])
}

// readWrapped mirrors writeWrapped for reads. Callers must hold dataMu.
func (m *Map) readWrapped(offset uint64, dst []byte) {
	firstPart := m.capacity - offset
	if firstPart >= uint64(len(dst)) {
		copy(dst, m.data[offset:offset+uint64(len(dst))])
		return
	}
	copy(dst, m.data[offset:])
	copy(dst[firstPart:], m.data[:uint64(len(dst))-firstPart])
}

// DroppedCount returns the number of events dropped due to a full buffer.
func (m *Map) DroppedCount() uint64 { return m.dropped.Load() }

// UsedBytes returns the number of bytes currently occupied by unread events.
func (m *Map) UsedBytes() uint64 { return m.usedSpace() }

// Capacity returns the buffer's total byte capacity.
func (m *Map) Capacity() uint64 { return m.capacity }

// Lookup implements bpfmap.Map by polling; ring buffers have no keyspace.
func (m *Map) Lookup(_ []byte) ([]byte, bool) { return m.Poll() }

// Update implements bpfmap.Map by outputting value as an event; ring
// buffers have no keyspace, so key is ignored.
func (m *Map) Update(_ []byte, value []byte, _ bpfmap.UpdateFlag) error { return m.Output(value) }

// Delete implements bpfmap.Map; ring buffers do not support deletion by key.
func (m *Map) Delete(_ []byte) error {
	return fmt.Errorf("ringbuf: delete: %w", bpfmap.ErrNotSupported)
}

// Def implements bpfmap.Map.
func (m *Map) Def() bpfmap.Def {
	return bpfmap.Def{Type: bpfmap.TypeRingBuf, MaxEntries: uint32(m.capacity)}
}

var _ bpfmap.Map = (*Map)(nil)
