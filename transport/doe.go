package transport

import (
	"encoding/binary"
	"sync"
)

// doeHeaderSize is the 2-dword (8 byte) DOE object header: vendor ID (16
// bits), object type (8 bits, plus a reserved byte), and length in
// dwords (including the header).
const doeHeaderSize = 8

// DOEObjectTypeSPDM and DOEObjectTypeSecuredSPDM are the object types of
// the data objects that carry SPDM and secured SPDM messages over DOE.
const (
	DOEObjectTypeSPDM       = 0x00
	DOEObjectTypeSecuredSPDM = 0x01
)

// DOE is the vendor-defined-object Binding: packet framing is
// dword-aligned with a 2-dword header (vendor ID, object type, length),
// per spec §4.3/§6.
type DOE struct {
	mu sync.Mutex

	bus      Bus
	vendorID uint16

	txInFlight bool
	rxBuf      []byte
	onReceive  ReceiveHandler
}

// NewDOE binds a DOE transport to its Bus collaborator, tagging outgoing
// objects with vendorID.
func NewDOE(bus Bus, vendorID uint16) *DOE {
	return &DOE{bus: bus, vendorID: vendorID}
}

// frame wraps payload (which must already be a whole number of dwords,
// zero-padded by the caller) in the 2-dword DOE header.
func (d *DOE) frame(objectType uint8, payload []byte) []byte {
	lengthDwords := uint32(doeHeaderSize+len(payload)) / 4

	header := make([]byte, doeHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], d.vendorID)
	header[2] = objectType
	header[3] = 0 // reserved
	binary.LittleEndian.PutUint32(header[4:8], lengthDwords)

	return append(header, payload...)
}

// padDword zero-pads payload up to the next whole dword.
func padDword(payload []byte) []byte {
	if r := len(payload) % 4; r != 0 {
		payload = append(payload, make([]byte, 4-r)...)
	}
	return payload
}

// Send dword-aligns and frames data (treated as an SPDM object body) and
// hands it to the bus, exactly as I3CTarget.Send's single-outstanding-TX
// contract requires.
func (d *DOE) Send(data []byte, done SendDone) error {
	d.mu.Lock()
	if d.txInFlight {
		d.mu.Unlock()
		return ErrTxInFlight
	}
	d.txInFlight = true
	d.mu.Unlock()

	framed := d.frame(DOEObjectTypeSPDM, padDword(data))

	ok, err := d.bus.Transfer(framed)

	d.mu.Lock()
	d.txInFlight = false
	d.mu.Unlock()

	if err != nil {
		done(err)
		return nil
	}
	if !ok {
		done(ErrAborted)
		return nil
	}

	done(nil)
	return nil
}

func (d *DOE) ArmReceive(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxBuf = buf
}

func (d *DOE) OnReceive(h ReceiveHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReceive = h
}

// Deliver unframes a received DOE object and dispatches its body to the
// armed RX buffer, dropping it if none is armed.
func (d *DOE) Deliver(framed []byte) error {
	if len(framed) < doeHeaderSize {
		return ErrNACKIncoming
	}

	lengthDwords := binary.LittleEndian.Uint32(framed[4:8])
	total := int(lengthDwords) * 4

	if total > len(framed) {
		return ErrNACKIncoming
	}

	body := framed[doeHeaderSize:total]

	d.mu.Lock()
	buf := d.rxBuf
	handler := d.onReceive
	d.rxBuf = nil
	d.mu.Unlock()

	if buf == nil {
		return ErrNoReplacement
	}

	n := copy(buf, body)

	if handler != nil {
		handler(buf[:n])
	}

	return nil
}
