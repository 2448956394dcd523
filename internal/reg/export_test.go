package reg

import "unsafe"

// addrOf exposes the address of a host-allocated word for tests, standing
// in for a memory-mapped register address on real hardware.
func addrOf(p *uint32) uintptr {
	return uintptr(unsafe.Pointer(p))
}
