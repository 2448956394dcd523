package pldm

import (
	"encoding/binary"
	"errors"
)

// UpdateState is the closed set of Type-5 firmware-update requester
// states (§4.14).
type UpdateState int

const (
	UpdateIdle UpdateState = iota
	QueryDeviceIdentifiersSent
	GetFirmwareParametersSent
	RequestUpdateSent
	PassComponentTableSent
	UpdateComponentSent
	TransferringComponent
	VerifyingComponent
	ApplyingComponent
	ActivatingFirmware
	UpdateDone
)

func (s UpdateState) String() string {
	switch s {
	case UpdateIdle:
		return "Idle"
	case QueryDeviceIdentifiersSent:
		return "QueryDeviceIdentifiersSent"
	case GetFirmwareParametersSent:
		return "GetFirmwareParametersSent"
	case RequestUpdateSent:
		return "RequestUpdateSent"
	case PassComponentTableSent:
		return "PassComponentTableSent"
	case UpdateComponentSent:
		return "UpdateComponentSent"
	case TransferringComponent:
		return "TransferringComponent"
	case VerifyingComponent:
		return "VerifyingComponent"
	case ApplyingComponent:
		return "ApplyingComponent"
	case ActivatingFirmware:
		return "ActivatingFirmware"
	case UpdateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Type 5 (firmware update) command codes.
const (
	cmdQueryDeviceIdentifiers = 0x01
	cmdGetFirmwareParameters  = 0x02
	cmdRequestUpdate          = 0x10
	cmdPassComponentTable     = 0x13
	cmdUpdateComponent        = 0x14
	cmdRequestFirmwareData    = 0x15
	cmdTransferComplete       = 0x16
	cmdVerifyComplete         = 0x17
	cmdApplyComplete          = 0x18
	cmdActivateFirmware       = 0x1A
)

// transferResult and verifyResult/applyResult closed-code subsets
// (only Success is distinguished, per §4.14's guard).
const (
	transferSuccess = 0x00
	verifySuccess   = 0x00
	applySuccess    = 0x00
)

// transferFlagStartAndEnd is the only transfer-response flag this
// requester accepts for single-chunk component images (§4.14's guard).
const transferFlagStartAndEnd = 0x05

var (
	ErrNoApplicableComponents = errors.New("pldm: no applicable components selected")
	ErrComponentTransferFlag  = errors.New("pldm: unexpected transfer-response flag for single-chunk component")
	ErrComponentVerifyFailed  = errors.New("pldm: component verification failed")
	ErrComponentApplyFailed   = errors.New("pldm: component apply failed")
)

// Component describes one firmware component candidate for update, as
// selected by identifier+classification match and version-stamp
// comparison against the device's currently active component (§4.14).
type Component struct {
	Classification uint16
	Identifier     uint16
	ActiveStamp    uint32
	CandidateStamp uint32
	Image          []byte
}

// applicable reports whether Image should be pushed: classification
// and identifier must match the device's reported component (the
// caller is expected to have already filtered by those before
// constructing the Component), and the candidate stamp must be
// strictly newer than what's active.
func (c Component) applicable() bool {
	return c.CandidateStamp > c.ActiveStamp
}

// Update runs the Type-5 firmware update requester state machine
// against a single Component at a time (§4.14).
type Update struct {
	transport Transport
	nextIID   uint8

	state      UpdateState
	components []Component
	current    int
	offset     uint32
}

// NewUpdate constructs an Update over transport for the given
// candidate components; components failing the version-stamp check
// are dropped immediately.
func NewUpdate(transport Transport, candidates []Component) *Update {
	var applicable []Component
	for _, c := range candidates {
		if c.applicable() {
			applicable = append(applicable, c)
		}
	}
	return &Update{transport: transport, components: applicable}
}

func (u *Update) instanceID() uint8 {
	id := u.nextIID
	u.nextIID = (u.nextIID + 1) & 0x1F
	return id
}

// Run drives the update state machine to UpdateDone or returns the
// first error encountered.
func (u *Update) Run() error {
	if len(u.components) == 0 {
		return ErrNoApplicableComponents
	}
	for u.state != UpdateDone {
		if err := u.step(); err != nil {
			return err
		}
	}
	return nil
}

func (u *Update) exchange(req []byte) ([]byte, error) {
	resp, err := u.transport.Request(req)
	if err != nil {
		return nil, err
	}
	_, cc, body, ok := decodeHeader(resp)
	if !ok || cc != completionSuccess {
		return nil, ErrUnexpectedResponse
	}
	return body, nil
}

func (u *Update) step() error {
	switch u.state {
	case UpdateIdle:
		req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdQueryDeviceIdentifiers}.encode(true)
		if _, err := u.exchange(req); err != nil {
			return err
		}
		u.state = QueryDeviceIdentifiersSent

	case QueryDeviceIdentifiersSent:
		req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdGetFirmwareParameters}.encode(true)
		if _, err := u.exchange(req); err != nil {
			return err
		}
		u.state = GetFirmwareParametersSent

	case GetFirmwareParametersSent:
		req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdRequestUpdate}.encode(true)
		if _, err := u.exchange(req); err != nil {
			return err
		}
		u.state = RequestUpdateSent

	case RequestUpdateSent:
		u.current = 0
		if err := u.beginComponent(); err != nil {
			return err
		}

	case PassComponentTableSent:
		comp := u.components[u.current]
		req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdUpdateComponent}.encode(true)
		req = binary.LittleEndian.AppendUint16(req, comp.Classification)
		req = binary.LittleEndian.AppendUint16(req, comp.Identifier)
		req = binary.LittleEndian.AppendUint32(req, comp.CandidateStamp)
		if _, err := u.exchange(req); err != nil {
			return err
		}
		u.state = UpdateComponentSent

	case UpdateComponentSent:
		u.offset = 0
		u.state = TransferringComponent

	case TransferringComponent:
		if err := u.pullNextChunk(); err != nil {
			return err
		}

	case VerifyingComponent:
		req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdVerifyComplete}.encode(true)
		body, err := u.exchange(req)
		if err != nil {
			return err
		}
		if len(body) < 1 || body[0] != verifySuccess {
			return ErrComponentVerifyFailed
		}
		u.state = ApplyingComponent

	case ApplyingComponent:
		req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdApplyComplete}.encode(true)
		body, err := u.exchange(req)
		if err != nil {
			return err
		}
		if len(body) < 1 || body[0] != applySuccess {
			return ErrComponentApplyFailed
		}
		u.current++
		if u.current < len(u.components) {
			u.state = RequestUpdateSent
			return u.beginComponent()
		}
		u.state = ActivatingFirmware

	case ActivatingFirmware:
		req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdActivateFirmware}.encode(true)
		if _, err := u.exchange(req); err != nil {
			return err
		}
		u.state = UpdateDone

	default:
		return errors.New("pldm: unreachable update state")
	}
	return nil
}

// beginComponent sends PassComponentTable for the current component.
func (u *Update) beginComponent() error {
	comp := u.components[u.current]
	req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdPassComponentTable}.encode(true)
	req = binary.LittleEndian.AppendUint16(req, comp.Classification)
	req = binary.LittleEndian.AppendUint16(req, comp.Identifier)
	req = binary.LittleEndian.AppendUint32(req, comp.CandidateStamp)
	if _, err := u.exchange(req); err != nil {
		return err
	}
	u.state = PassComponentTableSent
	return nil
}

// pullNextChunk requests the next slice of the active component's image
// and, on the final chunk (flagged StartAndEnd per this requester's
// single-chunk exchange guard), reports TransferComplete and advances.
func (u *Update) pullNextChunk() error {
	comp := u.components[u.current]
	req := header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdRequestFirmwareData}.encode(true)
	req = binary.LittleEndian.AppendUint32(req, u.offset)
	resp, err := u.exchange(req)
	if err != nil {
		return err
	}
	if len(resp) < 1 {
		return ErrUnexpectedResponse
	}
	flag := resp[0]
	chunk := resp[1:]
	u.offset += uint32(len(chunk))

	if flag != transferFlagStartAndEnd {
		return ErrComponentTransferFlag
	}
	if u.offset != uint32(len(comp.Image)) && len(comp.Image) != 0 {
		return ErrComponentTransferFlag
	}

	req = header{InstanceID: u.instanceID(), Type: TypeFWUpdate, Command: cmdTransferComplete}.encode(true)
	body, err := u.exchange(req)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != transferSuccess {
		return ErrComponentTransferFlag
	}
	u.state = VerifyingComponent
	return nil
}
