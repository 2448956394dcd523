package recovery

import (
	"testing"

	"github.com/rotmcu/corefw/flash"
)

// fakeRegisters reproduces the spec's seed scenario #3: ProtCap
// advertises device_status; DeviceStatus0 yields RecoveryMode then,
// after activation, RecoveryPending then DeviceHealthy; RecoveryStatus
// yields AwaitingImage(index 0) then BootingImage then Success.
type fakeRegisters struct {
	deviceStatusSeq   []byte
	recoveryStatusSeq []byte
	recoveryImageIdx  []int

	dsIdx, rsIdx int

	transferSize uint32
	fifoWrites   int
	bypass       bool
	activated    bool
}

func (f *fakeRegisters) ProtCap() (bool, error) { return true, nil }

func (f *fakeRegisters) DeviceStatus() (byte, error) {
	v := f.deviceStatusSeq[f.dsIdx]
	if f.dsIdx < len(f.deviceStatusSeq)-1 {
		f.dsIdx++
	}
	return v, nil
}

func (f *fakeRegisters) RecoveryStatus() (byte, int, error) {
	nibble := f.recoveryStatusSeq[f.rsIdx]
	idx := f.recoveryImageIdx[f.rsIdx]
	if f.rsIdx < len(f.recoveryStatusSeq)-1 {
		f.rsIdx++
	}
	return nibble, idx, nil
}

func (f *fakeRegisters) SetTransferSize(bytes uint32) error { f.transferSize = bytes; return nil }
func (f *fakeRegisters) WriteFIFO(word [fifoChunk]byte) error {
	f.fifoWrites++
	return nil
}
func (f *fakeRegisters) SetBypass(enabled bool) { f.bypass = enabled }
func (f *fakeRegisters) Activate(cmd uint32) error {
	if cmd != ActivateRecoveryImage {
		panic("unexpected activation command")
	}
	f.activated = true
	return nil
}

func TestRecoverySingleImageFlow(t *testing.T) {
	blob := make([]byte, 40) // divisible by 4
	for i := range blob {
		blob[i] = byte(i)
	}

	img := &flash.Image{
		Descriptors: []flash.Descriptor{{Identifier: flash.CaliptraFMCRTIdentifier, Size: uint32(len(blob))}},
		Payloads:    [][]byte{blob},
	}

	regs := &fakeRegisters{
		deviceStatusSeq:   []byte{RecoveryMode, RecoveryPending, DeviceHealthy},
		recoveryStatusSeq: []byte{AwaitingImage, BootingImage, Success},
		recoveryImageIdx:  []int{0, 0, 0},
	}

	d := NewDriver(regs, nil, img)
	if err := d.Run(); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	if d.state != Done {
		t.Fatalf("final state = %v, want Done", d.state)
	}
	if regs.transferSize != uint32(len(blob)) {
		t.Fatalf("transferSize = %d, want %d", regs.transferSize, len(blob))
	}
	if want := len(blob) / fifoChunk; regs.fifoWrites != want {
		t.Fatalf("fifoWrites = %d, want %d", regs.fifoWrites, want)
	}
	if !regs.activated {
		t.Fatal("activation command never issued")
	}
}

func TestRecoveryHealthyShortCircuitsToDone(t *testing.T) {
	regs := &fakeRegisters{
		deviceStatusSeq:   []byte{DeviceHealthy},
		recoveryStatusSeq: []byte{Success},
		recoveryImageIdx:  []int{0},
	}
	d := NewDriver(regs, nil, &flash.Image{})
	if err := d.Run(); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if regs.fifoWrites != 0 {
		t.Fatal("healthy device should never transfer an image")
	}
}

func TestRecoveryUnexpectedStatusIsFatal(t *testing.T) {
	regs := &fakeRegisters{
		deviceStatusSeq:   []byte{0x7},
		recoveryStatusSeq: []byte{Success},
		recoveryImageIdx:  []int{0},
	}
	d := NewDriver(regs, nil, &flash.Image{})
	if err := d.Run(); err == nil {
		t.Fatal("Run() = nil, want error for unrecognized device status")
	}
}
