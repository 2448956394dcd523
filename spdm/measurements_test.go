package spdm

import (
	"testing"

	"github.com/rotmcu/corefw/crypto"
)

func newTestMeasurements(t *testing.T) *Measurements {
	t.Helper()
	m, err := NewMeasurements(crypto.HashSHA384, []Measurement{
		{Index: 0, IsDigest: false, IsTCB: true, Value: []byte("tcb-block-0")},
		{Index: 1, IsDigest: false, IsTCB: true, Value: []byte("tcb-block-1")},
		{Index: 2, IsDigest: false, IsTCB: false, Value: []byte("non-tcb-block")},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMeasurementsBlockAndSummary(t *testing.T) {
	m := newTestMeasurements(t)

	if m.TotalCount() != 3 {
		t.Fatalf("TotalCount() = %d, want 3", m.TotalCount())
	}

	blk, err := m.Block(1, true)
	if err != nil {
		t.Fatal(err)
	}
	if string(blk) != "tcb-block-1" {
		t.Fatalf("Block(1) = %q", blk)
	}

	tcbOnly, err := m.SummaryHash(SummaryTCBOnly)
	if err != nil {
		t.Fatal(err)
	}
	all, err := m.SummaryHash(SummaryAll)
	if err != nil {
		t.Fatal(err)
	}
	if string(tcbOnly) == string(all) {
		t.Fatal("TCB-only and all-block summaries should differ when a non-TCB block exists")
	}
}

func TestMeasurementsUnknownIndex(t *testing.T) {
	m := newTestMeasurements(t)
	if _, err := m.Block(99, true); err != ErrMeasurementIndex {
		t.Fatalf("Block(99) = %v, want ErrMeasurementIndex", err)
	}
}

func TestMeasurementsReservedIndexRejectedAsEntry(t *testing.T) {
	_, err := NewMeasurements(crypto.HashSHA384, []Measurement{{Index: IndexAll}})
	if err == nil {
		t.Fatal("NewMeasurements should reject 0xFF as a literal table entry")
	}
}

func TestMeasurementsCache(t *testing.T) {
	m := newTestMeasurements(t)
	calls := 0
	fetch := func() ([]byte, error) {
		calls++
		return []byte("flat-record"), nil
	}

	nonce := []byte{1, 2, 3}
	idx := []uint8{0, 1}

	if _, err := m.CachedOrFetch(nonce, idx, fetch); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CachedOrFetch(nonce, idx, fetch); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("fetch called %d times, want 1 (cache hit)", calls)
	}

	m.InvalidateCache()
	if _, err := m.CachedOrFetch(nonce, idx, fetch); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("fetch called %d times after invalidate, want 2", calls)
	}
}
