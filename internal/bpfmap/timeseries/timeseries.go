// Package timeseries implements a fixed-capacity circular buffer of
// (sequence, timestamp, value) samples, the storage behind the map type used
// for short-horizon sensor/actuator history (e.g. the last N IMU samples)
// where a robotics program needs windowed access rather than point lookup.
package timeseries

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/corvidrobotics/ebpfcore/internal/bpfmap"
)

// Sample is one recorded point.
type Sample struct {
	Seq       uint64
	Timestamp time.Time
	Value     []byte
}

// Map is a fixed-capacity ring of samples, indexed by insertion order.
// Inserting past capacity overwrites the oldest sample. The zero value is
// not usable; construct with New.
type Map struct {
	mu        sync.RWMutex
	samples   []Sample
	valueSize uint32
	capacity  uint32
	count     uint32
	nextSeq   uint64
	head      uint32 // index of the oldest live sample
}

// New creates a time-series map holding up to capacity samples of
// valueSize bytes each.
func New(valueSize, capacity uint32) (*Map, error) {
	if valueSize == 0 {
		return nil, fmt.Errorf("timeseries: %w: value size must be nonzero", bpfmap.ErrInvalidValue)
	}
	if capacity == 0 {
		return nil, fmt.Errorf("timeseries: %w: capacity must be nonzero", bpfmap.ErrInvalidValue)
	}
	return &Map{
		samples:   make([]Sample, capacity),
		valueSize: valueSize,
		capacity:  capacity,
	}, nil
}

// Push appends a new sample, evicting the oldest one if the buffer is full,
// and returns the sequence number assigned to it.
func (m *Map) Push(value []byte, ts time.Time) (uint64, error) {
	if uint32(len(value)) != m.valueSize {
		return 0, fmt.Errorf("timeseries: push: %w", bpfmap.ErrInvalidValue)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.nextSeq
	m.nextSeq++

	v := make([]byte, len(value))
	copy(v, value)
	sample := Sample{Seq: seq, Timestamp: ts, Value: v}

	if m.count < m.capacity {
		idx := (m.head + m.count) % m.capacity
		m.samples[idx] = sample
		m.count++
	} else {
		m.samples[m.head] = sample
		m.head = (m.head + 1) % m.capacity
	}
	return seq, nil
}

// Latest returns the most recently pushed sample, if any.
func (m *Map) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.count == 0 {
		return Sample{}, false
	}
	idx := (m.head + m.count - 1) % m.capacity
	return m.samples[idx], true
}

// Window returns up to n of the most recently pushed samples, oldest first.
func (m *Map) Window(n uint32) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n > m.count {
		n = m.count
	}
	out := make([]Sample, n)
	start := m.count - n
	for i := uint32(0); i < n; i++ {
		idx := (m.head + start + i) % m.capacity
		out[i] = m.samples[idx]
	}
	return out
}

// BySeq looks up a sample by its assigned sequence number, if it has not
// yet been evicted.
func (m *Map) BySeq(seq uint64) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := uint32(0); i < m.count; i++ {
		idx := (m.head + i) % m.capacity
		if m.samples[idx].Seq == seq {
			return m.samples[idx], true
		}
	}
	return Sample{}, false
}

// Len returns the number of live samples.
func (m *Map) Len() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Lookup implements bpfmap.Map: key is interpreted as a little-endian
// uint64 sequence number.
func (m *Map) Lookup(key []byte) ([]byte, bool) {
	if len(key) != 8 {
		return nil, false
	}
	seq := binary.LittleEndian.Uint64(key)
	sample, ok := m.BySeq(seq)
	if !ok {
		return nil, false
	}
	return sample.Value, true
}

// Update implements bpfmap.Map by pushing value with the current time; key
// is ignored, as sequence numbers are assigned on insertion.
func (m *Map) Update(_ []byte, value []byte, _ bpfmap.UpdateFlag) error {
	_, err := m.Push(value, time.Now())
	return err
}

// Delete implements bpfmap.Map; individual samples cannot be removed from a
// circular history, only aged out by further pushes.
func (m *Map) Delete(_ []byte) error {
	return fmt.Errorf("timeseries: delete: %w", bpfmap.ErrNotSupported)
}

// Def implements bpfmap.Map.
func (m *Map) Def() bpfmap.Def {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bpfmap.Def{Type: bpfmap.TypeTimeSeries, ValueSize: m.valueSize, MaxEntries: m.capacity}
}

var _ bpfmap.Map = (*Map)(nil)
