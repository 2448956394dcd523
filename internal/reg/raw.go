// https://github.com/usbarmory/tamago
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg provides primitives for retrieving and modifying hardware
// registers mapped into the process address space, plus a typed
// Register/Field abstraction built on top of them (see register.go).
package reg

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rotmcu/corefw/bits"
)

// Get8 returns the pointed byte at a specific bit position and with a
// bitmask applied.
func Get8(addr uintptr, pos int, mask int) uint8 {
	reg := (*uint32)(unsafe.Pointer(addr &^ 3))
	shift := pos + int(addr&3)*8
	word := atomic.LoadUint32(reg)
	return uint8(bits.GetN(&word, shift, mask))
}

// Write8 performs a volatile byte write by read-modify-writing the
// containing 32-bit word; there is no 8-bit atomic primitive in sync/atomic.
func Write8(addr uintptr, val uint8) {
	reg := (*uint32)(unsafe.Pointer(addr &^ 3))
	shift := int(addr&3) * 8

	for {
		old := atomic.LoadUint32(reg)
		next := old
		bits.SetN(&next, shift, 0xff, uint32(val))
		if atomic.CompareAndSwapUint32(reg, old, next) {
			return
		}
	}
}

func Get16(addr uintptr, pos int, mask int) uint16 {
	reg := (*uint32)(unsafe.Pointer(addr &^ 3))
	shift := pos + int(addr&3)*8
	word := atomic.LoadUint32(reg)
	return uint16(bits.GetN(&word, shift, mask))
}

func Write16(addr uintptr, val uint16) {
	reg := (*uint32)(unsafe.Pointer(addr &^ 3))
	shift := int(addr&3) * 8

	for {
		old := atomic.LoadUint32(reg)
		next := old
		bits.SetN(&next, shift, 0xffff, uint32(val))
		if atomic.CompareAndSwapUint32(reg, old, next) {
			return
		}
	}
}

func Get32(addr uintptr, pos int, mask int) uint32 {
	reg := (*uint32)(unsafe.Pointer(addr))
	word := atomic.LoadUint32(reg)
	return bits.GetN(&word, pos, mask)
}

func Set32(addr uintptr, pos int) {
	reg := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(reg)
		next := old
		bits.Set(&next, pos)
		if atomic.CompareAndSwapUint32(reg, old, next) {
			return
		}
	}
}

func Clear32(addr uintptr, pos int) {
	reg := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(reg)
		next := old
		bits.Clear(&next, pos)
		if atomic.CompareAndSwapUint32(reg, old, next) {
			return
		}
	}
}

func SetN32(addr uintptr, pos int, mask int, val uint32) {
	reg := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(reg)
		next := old
		bits.SetN(&next, pos, mask, val)
		if atomic.CompareAndSwapUint32(reg, old, next) {
			return
		}
	}
}

func Read32(addr uintptr) uint32 {
	reg := (*uint32)(unsafe.Pointer(addr))
	return atomic.LoadUint32(reg)
}

func Write32(addr uintptr, val uint32) {
	reg := (*uint32)(unsafe.Pointer(addr))
	atomic.StoreUint32(reg, val)
}

func Get64(addr uintptr, pos int, mask int) uint64 {
	reg := (*uint64)(unsafe.Pointer(addr))
	word := atomic.LoadUint64(reg)
	return bits.Get64(&word, pos, mask)
}

func Read64(addr uintptr) uint64 {
	reg := (*uint64)(unsafe.Pointer(addr))
	return atomic.LoadUint64(reg)
}

func Write64(addr uintptr, val uint64) {
	reg := (*uint64)(unsafe.Pointer(addr))
	atomic.StoreUint64(reg, val)
}

// Wait polls a 32-bit register field until it matches val. This function
// must not be called before runtime initialization.
func Wait(addr uintptr, pos int, mask int, val uint32) {
	for Get32(addr, pos, mask) != val {
		runtime.Gosched()
	}
}

// WaitFor polls, until a timeout expires, for a 32-bit register field to
// match val. The return boolean indicates whether the match was observed
// (true) or the call timed out (false).
func WaitFor(timeout time.Duration, addr uintptr, pos int, mask int, val uint32) bool {
	start := time.Now()

	for Get32(addr, pos, mask) != val {
		runtime.Gosched()

		if time.Since(start) >= timeout {
			return false
		}
	}

	return true
}
