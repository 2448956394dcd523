package mctp

// MCTP-Control command codes handled synchronously by the Mux, per the
// MCTP base specification subset named in §4.4/§6. The first body byte
// carries the Rq (request/response) bit in position 7 followed by the
// command code in the low 7 bits, per DSP0236.
const (
	ctrlRqBit = 0x80

	ctrlSetEID            = 0x01
	ctrlGetEID            = 0x02
	ctrlGetVersionSupport = 0x04
)

const (
	ctrlCompletionSuccess     = 0x00
	ctrlCompletionUnsupported = 0x05
)

// handleControl services one assembled MCTP-Control message body and
// replies on the same tag, synchronously, per §4.4. Only request bodies
// (Rq=1) are serviced; a response body (Rq=0) is a reply to a request
// this Mux itself issued and is ignored here, since control requests in
// this core are only ever issued by the peer.
func (m *Mux) handleControl(h Header, body []byte) {
	if len(body) < 1 {
		return
	}

	if body[0]&ctrlRqBit == 0 {
		return
	}

	cmd := body[0] &^ ctrlRqBit
	data := body[1:]
	var resp []byte

	switch cmd {
	case ctrlSetEID:
		if len(data) < 1 {
			return
		}
		newEID := data[0]
		if ValidEID(newEID) {
			m.mu.Lock()
			m.localEID = newEID
			m.mu.Unlock()
			resp = []byte{cmd, ctrlCompletionSuccess, 0x00, newEID, newEID}
		} else {
			resp = []byte{cmd, ctrlCompletionUnsupported}
		}

	case ctrlGetEID:
		m.mu.Lock()
		eid := m.localEID
		m.mu.Unlock()
		resp = []byte{cmd, ctrlCompletionSuccess, eid, 0x00, 0x00}

	case ctrlGetVersionSupport:
		// Report support for MCTP base protocol version 1 only.
		resp = []byte{cmd, ctrlCompletionSuccess, 0x01, 0xF1, 0xF3, 0xF0, 0x00}

	default:
		resp = []byte{cmd, ctrlCompletionUnsupported}
	}

	m.Send(MsgControl, h.SrcEID, h.Tag, false, resp, nil)
}
