// Package transport implements the raw packet bindings beneath the MCTP
// MUX: an I3C target binding and a vendor-defined-object (DOE) binding.
// Both expose the same shape (§4.3): a replace-on-receive RX buffer, an
// exclusively-owned TX buffer for the duration of one send, and a
// completion callback, which I3CTarget invokes from its own goroutine
// and DOE invokes before Send returns.
package transport

import (
	"errors"
	"time"
)

// Errors a Binding may report, per spec §4.3.
var (
	ErrAborted       = errors.New("transport: transfer aborted")
	ErrNACKOutgoing  = errors.New("transport: NACK on outgoing read")
	ErrNACKIncoming  = errors.New("transport: NACK on incoming write")
	ErrTxInFlight    = errors.New("transport: TX buffer already outstanding")
	ErrNoReplacement = errors.New("transport: no replacement RX buffer armed, packet dropped")
)

// Bus is the physical/controller-side collaborator a Binding drives: it
// is the out-of-scope hardware/bus-controller model (§1), narrowed to
// the operations a Binding needs.
type Bus interface {
	// RaiseIBI signals the bus controller that outgoing data is pending.
	RaiseIBI()
	// Transfer attempts to hand data to the controller. ok is false if
	// the controller has not yet picked up the pending data (I3CTarget
	// retries with backoff; DOE reports ErrAborted without retrying);
	// err is set on a hard failure (NACK, abort).
	Transfer(data []byte) (ok bool, err error)
}

// SendDone is invoked exactly once per Send call, reporting success or
// the terminal error.
type SendDone func(err error)

// ReceiveHandler is invoked once per completed receive, with the packet
// that was received. It must arm a replacement RX buffer (ArmReceive)
// before returning if it wants to keep receiving; the binding does not
// implicitly re-arm.
type ReceiveHandler func(data []byte)

// Binding is the common shape of the I3C target and DOE transports.
type Binding interface {
	// Send takes ownership of data for the duration of the send and
	// invokes done exactly once with the outcome. At most one Send may
	// be outstanding at a time; a second Send while one is in flight
	// returns ErrTxInFlight immediately without calling done.
	Send(data []byte, done SendDone) error

	// ArmReceive installs the buffer that the next completed receive
	// will deliver into. It must be called again after every delivered
	// receive or subsequent packets are dropped.
	ArmReceive(buf []byte)

	// OnReceive registers the handler invoked on each completed receive.
	OnReceive(h ReceiveHandler)
}

// retryBackoff is the small time-based back-off between retries of a
// pending send the bus controller has not yet picked up.
const retryBackoff = 2 * time.Millisecond

// maxRetries bounds the retry loop so an unresponsive bus controller
// eventually surfaces ErrAborted instead of looping forever.
const maxRetries = 64
