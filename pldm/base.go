// Package pldm implements the two PLDM requester state machines this
// core drives over MCTP (§4.14): base discovery and Type 5 firmware
// update. Each is a closed state enum that its step method advances one
// state per call through a switch, in the style of package recovery's
// driver; there is no separate transition table.
package pldm

import (
	"errors"
	"fmt"
)

// DiscoveryState is the closed set of base-discovery states (§4.14).
type DiscoveryState int

const (
	Idle DiscoveryState = iota
	SetTidSent
	GetTidSent
	GetPldmTypesSent
	GetVersionBase
	GetCmdsBase
	GetVersionFwUp
	GetCmdsFwUp
	DiscoveryDone
)

func (s DiscoveryState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case SetTidSent:
		return "SetTidSent"
	case GetTidSent:
		return "GetTidSent"
	case GetPldmTypesSent:
		return "GetPldmTypesSent"
	case GetVersionBase:
		return "GetVersionBase"
	case GetCmdsBase:
		return "GetCmdsBase"
	case GetVersionFwUp:
		return "GetVersionFwUp"
	case GetCmdsFwUp:
		return "GetCmdsFwUp"
	case DiscoveryDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// PLDM type numbers this responder must support for discovery to
// proceed past GetPldmTypesSent (§4.14's guard).
const (
	TypeBase       uint8 = 0x00
	TypeFWUpdate   uint8 = 0x05
)

var (
	ErrUnexpectedResponse = errors.New("pldm: response instance-id or completion code mismatch")
	ErrTypesUnsupported   = errors.New("pldm: required PLDM types not supported")
)

// completionCode values (a small closed subset; PLDM base spec defines
// more, only Success is distinguished here per the guard in §4.14).
const completionSuccess = 0x00

// header is the common PLDM request/response framing: instance ID (with
// request/datagram bits), PLDM type, and command code.
type header struct {
	InstanceID uint8
	Type       uint8
	Command    uint8
}

func (h header) encode(isRequest bool) []byte {
	iid := h.InstanceID & 0x1F
	if isRequest {
		iid |= 0x80
	}
	return []byte{iid, h.Type & 0x3F, h.Command}
}

func decodeHeader(buf []byte) (header, uint8, []byte, bool) {
	if len(buf) < 4 {
		return header{}, 0, nil, false
	}
	iid := buf[0] & 0x1F
	return header{InstanceID: iid, Type: buf[1] & 0x3F, Command: buf[2]}, buf[3], buf[4:], true
}

// Transport is the narrow send/receive surface the discovery and
// update state machines use; backed by an mctp.Capsule in production.
type Transport interface {
	// Request sends req and blocks for the matching response.
	Request(req []byte) (resp []byte, err error)
}

// Discovery runs the base-discovery requester state machine (§4.14).
type Discovery struct {
	transport Transport
	nextIID   uint8

	state      DiscoveryState
	tid        uint8
	typesSeen  map[uint8]bool
}

// NewDiscovery constructs a Discovery over transport.
func NewDiscovery(transport Transport) *Discovery {
	return &Discovery{transport: transport, typesSeen: make(map[uint8]bool)}
}

func (d *Discovery) instanceID() uint8 {
	id := d.nextIID
	d.nextIID = (d.nextIID + 1) & 0x1F
	return id
}

// cmdSetTid, cmdGetTid, cmdGetPldmTypes, cmdGetPldmVersion, and
// cmdGetPldmCommands are PLDM base (type 0) command codes.
const (
	cmdSetTid           = 0x01
	cmdGetTid           = 0x02
	cmdGetPldmTypes     = 0x04
	cmdGetPldmVersion   = 0x03
	cmdGetPldmCommands  = 0x05
)

// Run drives the discovery state machine to DiscoveryDone or returns
// the first error encountered.
func (d *Discovery) Run() error {
	for d.state != DiscoveryDone {
		if err := d.step(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Discovery) step() error {
	switch d.state {
	case Idle:
		iid := d.instanceID()
		req := header{InstanceID: iid, Type: TypeBase, Command: cmdSetTid}.encode(true)
		req = append(req, 0x01) // requested TID
		if _, err := d.exchange(req, iid); err != nil {
			return err
		}
		d.state = SetTidSent

	case SetTidSent:
		iid := d.instanceID()
		req := header{InstanceID: iid, Type: TypeBase, Command: cmdGetTid}.encode(true)
		resp, err := d.exchange(req, iid)
		if err != nil {
			return err
		}
		if len(resp) < 1 {
			return ErrUnexpectedResponse
		}
		d.tid = resp[0]
		d.state = GetTidSent

	case GetTidSent:
		iid := d.instanceID()
		req := header{InstanceID: iid, Type: TypeBase, Command: cmdGetPldmTypes}.encode(true)
		resp, err := d.exchange(req, iid)
		if err != nil {
			return err
		}
		for _, b := range resp {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) != 0 {
					d.typesSeen[uint8(len(d.typesSeen))] = true
				}
			}
		}
		if !d.typesSeen[TypeBase] && !supportsType(resp, TypeBase) {
			return ErrTypesUnsupported
		}
		if !supportsType(resp, TypeFWUpdate) {
			return ErrTypesUnsupported
		}
		d.state = GetPldmTypesSent

	case GetPldmTypesSent:
		if err := d.getVersionAndCommands(TypeBase); err != nil {
			return err
		}
		d.state = GetVersionBase

	case GetVersionBase:
		d.state = GetCmdsBase

	case GetCmdsBase:
		if err := d.getVersionAndCommands(TypeFWUpdate); err != nil {
			return err
		}
		d.state = GetVersionFwUp

	case GetVersionFwUp:
		d.state = GetCmdsFwUp

	case GetCmdsFwUp:
		d.state = DiscoveryDone

	default:
		return fmt.Errorf("pldm: unreachable discovery state %v", d.state)
	}
	return nil
}

func (d *Discovery) getVersionAndCommands(pldmType uint8) error {
	iid := d.instanceID()
	req := header{InstanceID: iid, Type: TypeBase, Command: cmdGetPldmVersion}.encode(true)
	req = append(req, pldmType)
	if _, err := d.exchange(req, iid); err != nil {
		return err
	}

	iid = d.instanceID()
	req = header{InstanceID: iid, Type: TypeBase, Command: cmdGetPldmCommands}.encode(true)
	req = append(req, pldmType)
	_, err := d.exchange(req, iid)
	return err
}

// exchange sends req and validates the response's instance-id echo and
// completion code (§4.14's guards).
func (d *Discovery) exchange(req []byte, expectIID uint8) ([]byte, error) {
	resp, err := d.transport.Request(req)
	if err != nil {
		return nil, err
	}
	h, cc, body, ok := decodeHeader(resp)
	if !ok || h.InstanceID != expectIID || cc != completionSuccess {
		return nil, ErrUnexpectedResponse
	}
	return body, nil
}

func supportsType(bitmask []byte, t uint8) bool {
	byteIdx := int(t) / 8
	bitIdx := uint(t) % 8
	if byteIdx >= len(bitmask) {
		return false
	}
	return bitmask[byteIdx]&(1<<bitIdx) != 0
}
