package spdm

import (
	"errors"

	"github.com/rotmcu/corefw/crypto"
)

// ValueType names the kind of value a measurement block carries (§4.11).
type ValueType int

const (
	ValueRawDigest ValueType = iota
	ValueFreeformManifest
	ValueStructuredManifest
	ValueDeviceMode
)

// IndexAll, IndexManifest, and IndexDeviceMode are the reserved
// measurement indices (§4.11).
const (
	IndexAll         = 0xFF
	IndexManifest    = 0xFD
	IndexDeviceMode  = 0xFE
)

// SummaryType selects which blocks summary_hash covers (§4.11).
type SummaryType int

const (
	SummaryTCBOnly SummaryType = 1
	SummaryAll     SummaryType = 0xFF
)

var (
	ErrMeasurementIndex = errors.New("spdm: unknown measurement index")
)

// Measurement is one closed table entry (§4.11).
type Measurement struct {
	Index    uint8
	Type     ValueType
	IsDigest bool
	IsTCB    bool
	Value    []byte // raw bit-stream, or a precomputed digest if IsDigest
}

// Measurements is the aggregator over a fixed measurement table.
type Measurements struct {
	alg   crypto.HashAlgorithm
	table map[uint8]Measurement
	order []uint8

	cache      []byte
	cacheNonce []byte
	cacheIdx   []uint8
}

// NewMeasurements constructs the aggregator. An entry at 0xFF is
// rejected; entries at the reserved indices 0xFD and 0xFE are stored like
// any other index.
func NewMeasurements(alg crypto.HashAlgorithm, entries []Measurement) (*Measurements, error) {
	m := &Measurements{alg: alg, table: make(map[uint8]Measurement)}
	for _, e := range entries {
		if e.Index == IndexAll {
			return nil, errors.New("spdm: 0xFF is not a valid table entry index")
		}
		m.table[e.Index] = e
		m.order = append(m.order, e.Index)
	}
	return m, nil
}

// TotalCount returns the number of measurement blocks in the table.
func (m *Measurements) TotalCount() int { return len(m.table) }

// BlockSize returns the size of index's block, raw or digest form.
func (m *Measurements) BlockSize(index uint8, raw bool) (int, error) {
	e, ok := m.table[index]
	if !ok {
		return 0, ErrMeasurementIndex
	}
	if raw || !e.IsDigest {
		return len(e.Value), nil
	}
	h, err := crypto.NewHasher(m.alg)
	if err != nil {
		return 0, err
	}
	return h.Size(), nil
}

// Block returns index's block content at the requested representation.
func (m *Measurements) Block(index uint8, raw bool) ([]byte, error) {
	e, ok := m.table[index]
	if !ok {
		return nil, ErrMeasurementIndex
	}
	if raw || !e.IsDigest {
		return e.Value, nil
	}
	h, err := crypto.NewHasher(m.alg)
	if err != nil {
		return nil, err
	}
	h.Write(e.Value)
	return h.Sum(), nil
}

// SummaryHash computes the summary digest over the blocks selected by
// t: TCB-only blocks for SummaryTCBOnly, every block for SummaryAll.
func (m *Measurements) SummaryHash(t SummaryType) ([]byte, error) {
	h, err := crypto.NewHasher(m.alg)
	if err != nil {
		return nil, err
	}
	for _, idx := range m.order {
		e := m.table[idx]
		if t == SummaryTCBOnly && !e.IsTCB {
			continue
		}
		h.Write(e.Value)
	}
	return h.Sum(), nil
}

// InvalidateCache drops the cached flat record. CachedOrFetch refetches
// by itself when the nonce or the index set differs from the cached one
// (§4.11).
func (m *Measurements) InvalidateCache() {
	m.cache = nil
	m.cacheNonce = nil
	m.cacheIdx = nil
}

// CachedOrFetch returns the cached flat record for (nonce, indices) if
// it matches, otherwise calls fetch, caches, and returns its result.
func (m *Measurements) CachedOrFetch(nonce []byte, indices []uint8, fetch func() ([]byte, error)) ([]byte, error) {
	if m.cache != nil && bytesEqual(m.cacheNonce, nonce) && idxEqual(m.cacheIdx, indices) {
		return m.cache, nil
	}
	rec, err := fetch()
	if err != nil {
		return nil, err
	}
	m.cache = rec
	m.cacheNonce = nonce
	m.cacheIdx = indices
	return rec, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func idxEqual(a, b []uint8) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
