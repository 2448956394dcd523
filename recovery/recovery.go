// Package recovery implements the recovery-interface state machine that
// streams firmware images from a flash partition into the security core
// during cold boot (§4.8). The register names and function codes below
// follow the closed set documented for the recovery-interface subset of
// the I3C target block (ProtCap, DeviceStatus, RecoveryStatus,
// IndirectFifoCtrl, TxDataPort, RecoveryCtrl), in the same
// closed-constant-set style as rob-gra-go-iecp5's cs101 function codes.
package recovery

import (
	"errors"
	"fmt"

	"github.com/rotmcu/corefw/flash"
)

// State is one of the closed set of recovery-driver states (§4.8).
type State int

const (
	ReadProtCap State = iota
	ReadDeviceStatus
	TransferringImage
	WaitForRecoveryPending
	Activate
	CheckFwActivation
	ActivateCheckRecoveryStatus
	WaitForRecoveryStatus
	Done
)

func (s State) String() string {
	switch s {
	case ReadProtCap:
		return "ReadProtCap"
	case ReadDeviceStatus:
		return "ReadDeviceStatus"
	case TransferringImage:
		return "TransferringImage"
	case WaitForRecoveryPending:
		return "WaitForRecoveryPending"
	case Activate:
		return "Activate"
	case CheckFwActivation:
		return "CheckFwActivation"
	case ActivateCheckRecoveryStatus:
		return "ActivateCheckRecoveryStatus"
	case WaitForRecoveryStatus:
		return "WaitForRecoveryStatus"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Device status codes reported by DeviceStatus0 (§4.8).
const (
	DeviceHealthy    byte = 0x1
	RecoveryMode     byte = 0x3
	RecoveryPending  byte = 0x4
)

// Device-recovery-status nibble values reported by RecoveryStatus (§4.8).
const (
	AwaitingImage byte = 0x1
	BootingImage  byte = 0x2
	Success       byte = 0x3
)

// ActivateRecoveryImage is the documented activation command constant.
const ActivateRecoveryImage uint32 = 0xF

// fifoChunk is the fixed transfer granularity the recovery FIFO accepts
// (§4.8: "streams 4 bytes at a time").
const fifoChunk = 4

var (
	ErrNoDeviceStatusCap = errors.New("recovery: ProtCap does not advertise device_status support")
	ErrUnexpectedStatus  = errors.New("recovery: unexpected device status")
	ErrFlashRead         = errors.New("recovery: flash read error")
	ErrUnknownImageIndex = errors.New("recovery: no flash image for selected index")
)

// Registers is the narrow register-block surface the driver reads and
// writes. Each method corresponds to one documented register or FIFO
// port in the recovery-interface subset (§6).
type Registers interface {
	ProtCap() (deviceStatusSupported bool, err error)
	DeviceStatus() (byte, error)
	RecoveryStatus() (nibble byte, imageIndex int, err error)

	SetTransferSize(bytes uint32) error
	WriteFIFO(word [fifoChunk]byte) error
	SetBypass(enabled bool)

	Activate(cmd uint32) error
}

// Driver runs the recovery state machine against an image archive
// decoded from a flash partition.
type Driver struct {
	regs   Registers
	part   *flash.Partition
	images *flash.Image

	state State
}

// NewDriver constructs a Driver over regs, reading the image container
// already decoded from part (the ROM decodes the flash image once via
// flash.Decode and hands the result here, per §4.6/§4.8's boundary).
func NewDriver(regs Registers, part *flash.Partition, images *flash.Image) *Driver {
	return &Driver{regs: regs, part: part, images: images, state: ReadProtCap}
}

// Run drives the state machine to completion. It returns nil only when
// the machine reaches Done via a healthy or successful status; any flash
// read error or unexpected device status is fatal to the boot flow
// (§4.8).
func (d *Driver) Run() error {
	for {
		switch d.state {
		case ReadProtCap:
			ok, err := d.regs.ProtCap()
			if err != nil {
				return err
			}
			if !ok {
				return ErrNoDeviceStatusCap
			}
			d.state = ReadDeviceStatus

		case ReadDeviceStatus:
			status, err := d.regs.DeviceStatus()
			if err != nil {
				return err
			}
			switch status {
			case DeviceHealthy:
				d.state = Done
			case RecoveryMode:
				d.state = WaitForRecoveryStatus
			case RecoveryPending:
				d.state = Activate
			default:
				return fmt.Errorf("%w: 0x%x", ErrUnexpectedStatus, status)
			}

		case WaitForRecoveryStatus:
			nibble, imageIndex, err := d.regs.RecoveryStatus()
			if err != nil {
				return err
			}
			switch nibble {
			case AwaitingImage:
				if err := d.beginTransfer(imageIndex); err != nil {
					return err
				}
				d.state = TransferringImage
			case Success:
				d.state = Done
			default:
				return fmt.Errorf("%w: recovery status nibble 0x%x", ErrUnexpectedStatus, nibble)
			}

		case TransferringImage:
			d.state = WaitForRecoveryPending

		case WaitForRecoveryPending:
			d.state = Activate

		case Activate:
			d.regs.SetBypass(false)
			if err := d.regs.Activate(ActivateRecoveryImage); err != nil {
				return err
			}
			d.state = CheckFwActivation

		case CheckFwActivation:
			d.state = ActivateCheckRecoveryStatus

		case ActivateCheckRecoveryStatus:
			nibble, _, err := d.regs.RecoveryStatus()
			if err != nil {
				return err
			}
			switch nibble {
			case Success:
				d.state = Done
			default:
				d.state = ReadDeviceStatus
			}

		case Done:
			return nil

		default:
			return fmt.Errorf("recovery: unreachable state %v", d.state)
		}
	}
}

// beginTransfer streams the image for imageIndex from flash into the
// recovery FIFO, 4 bytes at a time, until transfer_offset == image_size.
// Selection is positional (container order), not by identifier: the
// identifier space has a documented collision and positional ordering
// is the documented disambiguation (§4.8, §9).
func (d *Driver) beginTransfer(imageIndex int) error {
	_, blob, ok := d.images.ByIndex(imageIndex)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownImageIndex, imageIndex)
	}

	if err := d.regs.SetTransferSize(uint32(len(blob))); err != nil {
		return err
	}
	d.regs.SetBypass(true)

	var offset uint32
	for offset < uint32(len(blob)) {
		var chunk [fifoChunk]byte
		n := copy(chunk[:], blob[offset:])
		// A final partial chunk is zero-padded; the controller only
		// consumes image_size bytes regardless of FIFO granularity.
		for i := n; i < fifoChunk; i++ {
			chunk[i] = 0
		}
		if err := d.regs.WriteFIFO(chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrFlashRead, err)
		}
		offset += fifoChunk
	}

	return nil
}
