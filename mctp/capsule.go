package mctp

import (
	"errors"
	"sync"
	"time"
)

// Buffer slot identifiers for the capsule's allow-buffer surface (§4.5).
type Slot int

const (
	SlotMessageWrite Slot = iota // read-only, for Send
	SlotReadRequest              // read-write, incoming requests land here
	SlotReadResponse             // read-write, incoming responses land here
)

// Syscall command numbers (§4.5).
const (
	CmdDriverCheck        = 0
	CmdRegisterRecvReq    = 1
	CmdRegisterRecvResp   = 2
	CmdSendRequest        = 3
	CmdSendResponse       = 4
	CmdQueryMaxMessageSize = 5
)

var (
	ErrNoSuchCommand  = errors.New("mctp: no such capsule command")
	ErrTxAlreadyInFlight = errors.New("mctp: capsule already has an outstanding send")
	ErrNoBuffer       = errors.New("mctp: required allow-buffer slot not set")
)

// Upcall is the capsule's notification surface to userland, replacing the
// out-of-scope RTOS upcall mechanism with direct method calls (§4.5,
// Design Notes).
type Upcall interface {
	ReceivedRequest(length int, recvTime time.Time, msgInfo uint32)
	ReceivedResponse(length int, recvTime time.Time, msgInfo uint32)
	MessageTransmitted(status error, peerEID uint8, msgInfo uint32)
}

// pendingRecv is one armed receive slot: a request-receive matches any
// incoming request (tagOwner semantics ignore the stored tag), a
// response-receive matches only an exact (peerEID, tag) pair.
type pendingRecv struct {
	armed   bool
	peerEID uint8
	tag     uint8
}

// packMsgInfo packs (src_eid << 16) | (msg_type << 8) | tag, per §4.5.
func packMsgInfo(srcEID uint8, msgType MessageType, tag uint8) uint32 {
	return uint32(srcEID)<<16 | uint32(msgType)<<8 | uint32(tag)
}

// Capsule is the per-client MCTP endpoint driver: one per registered
// upper-layer message type (SPDM, PLDM, vendor), exposing the numbered
// syscall surface of §4.5 directly as Go methods (no scheduler/grant
// machinery -- that collaborator is out of scope, §1).
type Capsule struct {
	mu sync.Mutex

	mux     *Mux
	msgType MessageType
	maxMsg  int

	messageWrite []byte
	readRequest  []byte
	readResponse []byte

	txInFlight bool

	pendingReq  pendingRecv
	pendingResp pendingRecv

	upcall Upcall
}

// NewCapsule registers a Capsule with mux for msgType.
func NewCapsule(mux *Mux, msgType MessageType, maxMessageSize int) *Capsule {
	c := &Capsule{mux: mux, msgType: msgType, maxMsg: maxMessageSize}
	mux.RegisterReceiver(c)
	return c
}

func (c *Capsule) MessageType() MessageType { return c.msgType }

// Subscribe registers the upcall target.
func (c *Capsule) Subscribe(u Upcall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upcall = u
}

// AllowReadOnly binds the MESSAGE_WRITE slot (the only read-only slot).
func (c *Capsule) AllowReadOnly(slot Slot, buf []byte) error {
	if slot != SlotMessageWrite {
		return ErrNoSuchCommand
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageWrite = buf
	return nil
}

// AllowReadWrite binds READ_REQUEST or READ_RESPONSE.
func (c *Capsule) AllowReadWrite(slot Slot, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch slot {
	case SlotReadRequest:
		c.readRequest = buf
	case SlotReadResponse:
		c.readResponse = buf
	default:
		return ErrNoSuchCommand
	}
	return nil
}

// Command dispatches one numbered syscall.
func (c *Capsule) Command(num int, arg1, arg2 uint32) (uint32, error) {
	switch num {
	case CmdDriverCheck:
		return 1, nil

	case CmdRegisterRecvReq:
		c.mu.Lock()
		c.pendingReq = pendingRecv{armed: true, peerEID: uint8(arg1), tag: uint8(arg2 & 0xFF)}
		c.mu.Unlock()
		return 0, nil

	case CmdRegisterRecvResp:
		c.mu.Lock()
		c.pendingResp = pendingRecv{armed: true, peerEID: uint8(arg1), tag: uint8(arg2 & 0xFF)}
		c.mu.Unlock()
		return 0, nil

	case CmdSendRequest:
		return 0, c.send(uint8(arg1), true, 0)

	case CmdSendResponse:
		return 0, c.send(uint8(arg1), false, uint8(arg2&0xFF))

	case CmdQueryMaxMessageSize:
		return uint32(c.maxMsg), nil

	default:
		return 0, ErrNoSuchCommand
	}
}

// send copies the MESSAGE_WRITE buffer into a capsule-owned copy and
// hands it to the Mux; on completion the buffer is implicitly returned
// (there's nothing further to release in this Go port) and the upcall is
// scheduled.
func (c *Capsule) send(peerEID uint8, isRequest bool, tag uint8) error {
	c.mu.Lock()
	if c.txInFlight {
		c.mu.Unlock()
		return ErrTxAlreadyInFlight
	}
	if c.messageWrite == nil {
		c.mu.Unlock()
		return ErrNoBuffer
	}

	owned := append([]byte(nil), c.messageWrite...)
	c.txInFlight = true
	c.mu.Unlock()

	if isRequest {
		tag = c.mux.AllocateTag()
	}

	msgInfo := packMsgInfo(peerEID, c.msgType, tag)

	c.mux.Send(c.msgType, peerEID, tag, isRequest, owned, func(err error) {
		c.mu.Lock()
		c.txInFlight = false
		upcall := c.upcall
		c.mu.Unlock()

		if upcall != nil {
			upcall.MessageTransmitted(err, peerEID, msgInfo)
		}
	})

	return nil
}

// Deliver implements Receiver: it matches the incoming message against
// the pending request/response receive slots per the §4.5 tag-matching
// rule (a pending request-receive matches any incoming request; a
// pending response-receive matches only an exact tag+peer-EID pair).
func (c *Capsule) Deliver(srcEID uint8, tag uint8, tagOwner bool, msg []byte) {
	now := time.Now()
	msgInfo := packMsgInfo(srcEID, c.msgType, tag)

	c.mu.Lock()

	if tagOwner {
		if !c.pendingReq.armed {
			c.mu.Unlock()
			return
		}
		dst := c.readRequest
		c.pendingReq.armed = false
		upcall := c.upcall
		c.mu.Unlock()

		n := copy(dst, msg)
		if upcall != nil {
			upcall.ReceivedRequest(n, now, msgInfo)
		}
		return
	}

	if !c.pendingResp.armed || c.pendingResp.peerEID != srcEID || c.pendingResp.tag != tag {
		c.mu.Unlock()
		return
	}
	dst := c.readResponse
	c.pendingResp.armed = false
	upcall := c.upcall
	c.mu.Unlock()

	n := copy(dst, msg)
	if upcall != nil {
		upcall.ReceivedResponse(n, now, msgInfo)
	}
}
