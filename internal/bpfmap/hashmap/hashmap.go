// Package hashmap implements a BPF hash map: O(1) average-case key/value
// lookups over a fixed bucket array using FNV-1a hashing, linear probing,
// and tombstones for deletion.
package hashmap

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/corvidrobotics/ebpfcore/internal/bpfmap"
)

type bucketState uint8

const (
	bucketEmpty bucketState = iota
	bucketOccupied
	bucketDeleted
)

type bucket struct {
	state bucketState
	key   []byte
	value []byte
}

// Map is a fixed-capacity, open-addressed hash map. The zero value is not
// usable; construct with New.
type Map struct {
	mu         sync.RWMutex
	buckets    []bucket
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	count      uint32
	resizable  bool
}

// New creates a hash map with the given key/value sizes and capacity.
// resizable gates whether Resize is permitted, following the embedded
// profile's static-allocation policy (no resize) versus the cloud profile's
// dynamic one.
func New(keySize, valueSize, maxEntries uint32, resizable bool) (*Map, error) {
	if keySize == 0 {
		return nil, fmt.Errorf("hashmap: %w: key size must be nonzero", bpfmap.ErrInvalidKey)
	}
	if valueSize == 0 {
		return nil, fmt.Errorf("hashmap: %w: value size must be nonzero", bpfmap.ErrInvalidValue)
	}
	if maxEntries == 0 {
		return nil, fmt.Errorf("hashmap: %w: max entries must be nonzero", bpfmap.ErrInvalidValue)
	}

	buckets := make([]bucket, maxEntries)
	for i := range buckets {
		buckets[i] = bucket{
			state: bucketEmpty,
			key:   make([]byte, keySize),
			value: make([]byte, valueSize),
		}
	}

	return &Map{
		buckets:    buckets,
		keySize:    keySize,
		valueSize:  valueSize,
		maxEntries: maxEntries,
		resizable:  resizable,
	}, nil
}

// fnv1a hashes key with the standard 64-bit FNV-1a offset basis and prime,
// matching the reference implementation's constants exactly.
func fnv1a(key []byte) uint64 {
	const offset = 0xcbf29ce484222325
	const prime = 0x100000001b3
	h := uint64(offset)
	for _, b := range key {
		h ^= uint64(b)
		h *= prime
	}
	return h
}

// findBucket returns the index at which key resides (found=true) or, if
// absent, the index at which it should be inserted (preferring the first
// tombstone encountered along the probe chain).
func (m *Map) findBucket(key []byte) (idx uint32, found bool) {
	capacity := uint32(len(m.buckets))
	start := uint32(fnv1a(key) % uint64(capacity))
	i := start
	firstDeleted := int64(-1)

	for {
		b := &m.buckets[i]
		switch b.state {
		case bucketEmpty:
			if firstDeleted >= 0 {
				return uint32(firstDeleted), false
			}
			return i, false
		case bucketDeleted:
			if firstDeleted < 0 {
				firstDeleted = int64(i)
			}
		case bucketOccupied:
			if bytes.Equal(b.key, key) {
				return i, true
			}
		}

		i = (i + 1) % capacity
		if i == start {
			if firstDeleted >= 0 {
				return uint32(firstDeleted), false
			}
			return i, false
		}
	}
}

// Lookup returns a copy of the value stored under key, if present.
func (m *Map) Lookup(key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if uint32(len(key)) != m.keySize {
		return nil, false
	}
	idx, found := m.findBucket(key)
	if !found {
		return nil, false
	}
	out := make([]byte, len(m.buckets[idx].value))
	copy(out, m.buckets[idx].value)
	return out, true
}

// Update inserts or replaces the value stored under key, honoring
// bpfmap.UpdateNoExist / bpfmap.UpdateExist the same way BPF_NOEXIST /
// BPF_EXIST gate MAP_UPDATE_ELEM.
func (m *Map) Update(key, value []byte, flags bpfmap.UpdateFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(key)) != m.keySize {
		return fmt.Errorf("hashmap: update: %w", bpfmap.ErrInvalidKey)
	}
	if uint32(len(value)) != m.valueSize {
		return fmt.Errorf("hashmap: update: %w", bpfmap.ErrInvalidValue)
	}

	idx, found := m.findBucket(key)

	if flags == bpfmap.UpdateNoExist && found {
		return fmt.Errorf("hashmap: update: %w", bpfmap.ErrKeyExists)
	}
	if flags == bpfmap.UpdateExist && !found {
		return fmt.Errorf("hashmap: update: %w", bpfmap.ErrKeyNotFound)
	}

	if !found {
		if m.count >= m.maxEntries {
			return fmt.Errorf("hashmap: update: %w", bpfmap.ErrMapFull)
		}
		m.count++
	}

	b := &m.buckets[idx]
	b.state = bucketOccupied
	copy(b.key, key)
	copy(b.value, value)
	return nil
}

// Delete tombstones the bucket holding key.
func (m *Map) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(key)) != m.keySize {
		return fmt.Errorf("hashmap: delete: %w", bpfmap.ErrInvalidKey)
	}

	idx, found := m.findBucket(key)
	if !found {
		return fmt.Errorf("hashmap: delete: %w", bpfmap.ErrKeyNotFound)
	}

	m.buckets[idx].state = bucketDeleted
	m.count--
	return nil
}

// Len returns the number of live (non-tombstoned) entries.
func (m *Map) Len() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Capacity returns the bucket array size.
func (m *Map) Capacity() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.buckets))
}

// Def implements bpfmap.Map.
func (m *Map) Def() bpfmap.Def {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bpfmap.Def{
		Type:       bpfmap.TypeHash,
		KeySize:    m.keySize,
		ValueSize:  m.valueSize,
		MaxEntries: m.maxEntries,
	}
}

// Resize grows or shrinks the bucket array, rehashing every live entry. It
// fails with bpfmap.ErrNotSupported if the map was constructed with
// resizable=false (the embedded profile's static-allocation policy) and
// with bpfmap.ErrInvalidValue if newCapacity cannot hold the current entry
// count.
func (m *Map) Resize(newCapacity uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.resizable {
		return fmt.Errorf("hashmap: resize: %w", bpfmap.ErrNotSupported)
	}
	if newCapacity < m.count {
		return fmt.Errorf("hashmap: resize: %w", bpfmap.ErrInvalidValue)
	}

	old := m.buckets
	m.buckets = make([]bucket, newCapacity)
	for i := range m.buckets {
		m.buckets[i] = bucket{state: bucketEmpty, key: make([]byte, m.keySize), value: make([]byte, m.valueSize)}
	}
	m.maxEntries = newCapacity
	m.count = 0

	for _, b := range old {
		if b.state != bucketOccupied {
			continue
		}
		idx, _ := m.findBucket(b.key)
		m.buckets[idx] = b
		m.count++
	}
	return nil
}

var _ bpfmap.Map = (*Map)(nil)
