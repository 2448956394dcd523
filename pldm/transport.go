package pldm

import (
	"errors"
	"time"

	"github.com/rotmcu/corefw/mctp"
)

// ErrTransportTimeout is returned when a capsule exchange has no
// matching response delivered before the caller gives up waiting.
var ErrTransportTimeout = errors.New("pldm: transport timed out waiting for response")

// CapsuleTransport adapts an mctp.Capsule's upcall-based request/response
// surface to the synchronous Transport interface the state machines use.
// The core itself is cooperative and single-threaded (§5); this adapter
// exists only so the declarative state machines can be written as plain
// sequential Go rather than re-entrant upcall handlers, mirroring how the
// recovery driver treats its register reads as synchronous calls.
type CapsuleTransport struct {
	capsule *mctp.Capsule
	peerEID uint8
	timeout time.Duration

	writeBuf []byte
	readBuf  []byte

	done chan error
}

// NewCapsuleTransport wires a Transport on top of capsule addressed to
// peerEID, with req/resp scratch buffers sized to the capsule's maximum
// message size.
func NewCapsuleTransport(capsule *mctp.Capsule, peerEID uint8, timeout time.Duration) *CapsuleTransport {
	t := &CapsuleTransport{
		capsule: capsule,
		peerEID: peerEID,
		timeout: timeout,
		done:    make(chan error, 1),
	}
	capsule.Subscribe(t)
	return t
}

// Request implements Transport: it arms a response receive, sends req,
// and blocks until the matching upcall fires or the timeout elapses.
func (t *CapsuleTransport) Request(req []byte) ([]byte, error) {
	maxSize, err := t.capsule.Command(mctp.CmdQueryMaxMessageSize, 0, 0)
	if err != nil {
		return nil, err
	}
	t.readBuf = make([]byte, maxSize)
	if err := t.capsule.AllowReadWrite(mctp.SlotReadResponse, t.readBuf); err != nil {
		return nil, err
	}
	if _, err := t.capsule.Command(mctp.CmdRegisterRecvResp, uint32(t.peerEID), 0); err != nil {
		return nil, err
	}

	t.writeBuf = append([]byte(nil), req...)
	if err := t.capsule.AllowReadOnly(mctp.SlotMessageWrite, t.writeBuf); err != nil {
		return nil, err
	}
	if _, err := t.capsule.Command(mctp.CmdSendRequest, uint32(t.peerEID), 0); err != nil {
		return nil, err
	}

	select {
	case err := <-t.done:
		if err != nil {
			return nil, err
		}
		return t.readBuf, nil
	case <-time.After(t.timeout):
		return nil, ErrTransportTimeout
	}
}

// ReceivedRequest implements mctp.Upcall; this transport only issues
// requests, it never serves them.
func (t *CapsuleTransport) ReceivedRequest(length int, recvTime time.Time, msgInfo uint32) {}

// ReceivedResponse implements mctp.Upcall.
func (t *CapsuleTransport) ReceivedResponse(length int, recvTime time.Time, msgInfo uint32) {
	t.readBuf = t.readBuf[:length]
	select {
	case t.done <- nil:
	default:
	}
}

// MessageTransmitted implements mctp.Upcall.
func (t *CapsuleTransport) MessageTransmitted(status error, peerEID uint8, msgInfo uint32) {
	if status != nil {
		select {
		case t.done <- status:
		default:
		}
	}
}
