// Package vdm implements the minimal vendor-defined-message dispatch
// table this core needs: incoming MCTP Vendor-Defined-Caliptra messages
// are routed to a handler keyed by vendor ID, mirroring the handler
// registration shape of the original PCI-SIG IDE_KM driver without
// reproducing its full key-management protocol (out of scope here).
package vdm

import (
	"errors"
	"sync"
)

// ErrUnknownVendor is returned when no handler is registered for a
// message's vendor ID.
var ErrUnknownVendor = errors.New("vdm: no handler registered for vendor ID")

// Handler processes one vendor-defined request body and returns the
// response body to send back.
type Handler func(req []byte) (resp []byte, err error)

// Table is a vendor-ID-keyed dispatch table for vendor-defined messages
// arriving on the MCTP Vendor-Defined-Caliptra message type.
type Table struct {
	mu       sync.Mutex
	handlers map[uint16]Handler
}

// NewTable constructs an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[uint16]Handler)}
}

// Register binds handler to vendorID, replacing any prior registration.
func (t *Table) Register(vendorID uint16, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[vendorID] = handler
}

// Dispatch routes a vendor-defined message body (vendor ID in the first
// two bytes, little-endian, followed by the vendor payload) to its
// registered handler.
func (t *Table) Dispatch(msg []byte) ([]byte, error) {
	if len(msg) < 2 {
		return nil, ErrUnknownVendor
	}
	vendorID := uint16(msg[0]) | uint16(msg[1])<<8

	t.mu.Lock()
	h, ok := t.handlers[vendorID]
	t.mu.Unlock()
	if !ok {
		return nil, ErrUnknownVendor
	}
	return h(msg[2:])
}
