// Package flash implements a page-granularity flash-partition driver and
// the fixed binary flash-image container that the MCU ROM cold-boot flow
// streams into the security core during recovery.
//
// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package flash

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// HAL is the lower-level flash hardware-abstraction layer that Partition
// builds arbitrary-length IO on top of. Real implementations only support
// page-granularity operations; Partition performs the read-modify-write
// needed to present byte-granular IO.
type HAL interface {
	PageSize() int
	PageCount() int
	ReadPage(page int, out []byte) error
	WritePage(page int, data []byte) error
	ErasePage(page int) error
}

// eraseValue is the byte value flash cells settle to after an erase cycle.
const eraseValue = 0xFF

// Sim is an in-memory HAL, used in unit tests that don't need to exercise
// an actual backing file.
type Sim struct {
	pageSize int
	pages    [][]byte
}

// NewSim allocates an erased in-memory flash of pageCount pages of
// pageSize bytes each.
func NewSim(pageSize, pageCount int) *Sim {
	pages := make([][]byte, pageCount)
	for i := range pages {
		p := make([]byte, pageSize)
		for j := range p {
			p[j] = eraseValue
		}
		pages[i] = p
	}

	return &Sim{pageSize: pageSize, pages: pages}
}

func (s *Sim) PageSize() int  { return s.pageSize }
func (s *Sim) PageCount() int { return len(s.pages) }

func (s *Sim) ReadPage(page int, out []byte) error {
	if page < 0 || page >= len(s.pages) {
		return fmt.Errorf("flash: page %d out of range", page)
	}
	copy(out, s.pages[page])
	return nil
}

func (s *Sim) WritePage(page int, data []byte) error {
	if page < 0 || page >= len(s.pages) {
		return fmt.Errorf("flash: page %d out of range", page)
	}
	copy(s.pages[page], data)
	return nil
}

func (s *Sim) ErasePage(page int) error {
	if page < 0 || page >= len(s.pages) {
		return fmt.Errorf("flash: page %d out of range", page)
	}
	for i := range s.pages[page] {
		s.pages[page][i] = eraseValue
	}
	return nil
}

// File is a HAL backed by a memory-mapped regular file, standing in for
// NOR flash in host-side integration tests (ROM/recovery-flow tests run
// without real hardware).
type File struct {
	pageSize int
	m        mmap.MMap
	f        *os.File
}

// OpenFile memory-maps path (which must already be sized to
// pageSize*pageCount bytes, e.g. via CreateFile) for read-write access.
func OpenFile(path string, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	if len(m)%pageSize != 0 {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("flash: file size %d is not a multiple of page size %d", len(m), pageSize)
	}

	return &File{pageSize: pageSize, m: m, f: f}, nil
}

// CreateFile creates and erase-fills a new backing file of pageSize*pageCount
// bytes, ready for OpenFile.
func CreateFile(path string, pageSize, pageCount int) error {
	buf := make([]byte, pageSize*pageCount)
	for i := range buf {
		buf[i] = eraseValue
	}
	return os.WriteFile(path, buf, 0o644)
}

func (f *File) PageSize() int  { return f.pageSize }
func (f *File) PageCount() int { return len(f.m) / f.pageSize }

func (f *File) ReadPage(page int, out []byte) error {
	off := page * f.pageSize
	if off < 0 || off+f.pageSize > len(f.m) {
		return fmt.Errorf("flash: page %d out of range", page)
	}
	copy(out, f.m[off:off+f.pageSize])
	return nil
}

func (f *File) WritePage(page int, data []byte) error {
	off := page * f.pageSize
	if off < 0 || off+f.pageSize > len(f.m) {
		return fmt.Errorf("flash: page %d out of range", page)
	}
	copy(f.m[off:off+f.pageSize], data)
	return f.m.Flush()
}

func (f *File) ErasePage(page int) error {
	off := page * f.pageSize
	if off < 0 || off+f.pageSize > len(f.m) {
		return fmt.Errorf("flash: page %d out of range", page)
	}
	for i := off; i < off+f.pageSize; i++ {
		f.m[i] = eraseValue
	}
	return f.m.Flush()
}

// Close unmaps and closes the backing file.
func (f *File) Close() error {
	if err := f.m.Unmap(); err != nil {
		return err
	}
	return f.f.Close()
}
