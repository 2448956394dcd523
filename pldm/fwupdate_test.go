package pldm

import (
	"encoding/binary"
	"testing"
)

// scriptedUpdateTransport answers fixed-type/command requests, and for
// RequestFirmwareData always returns the whole remaining image as a
// single StartAndEnd chunk (this requester never issues a second pull
// per component).
type scriptedUpdateTransport struct {
	image []byte
}

func (s *scriptedUpdateTransport) Request(req []byte) ([]byte, error) {
	h, _, body, ok := decodeHeader(append(req, 0x00))
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	resp := header{InstanceID: h.InstanceID, Type: h.Type, Command: h.Command}.encode(false)
	resp = append(resp, completionSuccess)

	switch h.Command {
	case cmdRequestFirmwareData:
		_ = body
		resp = append(resp, transferFlagStartAndEnd)
		resp = append(resp, s.image...)
	case cmdTransferComplete:
		resp = append(resp, transferSuccess)
	case cmdVerifyComplete:
		resp = append(resp, verifySuccess)
	case cmdApplyComplete:
		resp = append(resp, applySuccess)
	}
	return resp, nil
}

func TestUpdateSingleComponentHappyPath(t *testing.T) {
	tr := &scriptedUpdateTransport{image: []byte("firmware-blob")}
	comps := []Component{
		{Classification: 0x0001, Identifier: 0x1234, ActiveStamp: 1, CandidateStamp: 2, Image: tr.image},
	}
	u := NewUpdate(tr, comps)
	if err := u.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if u.state != UpdateDone {
		t.Fatalf("state = %v, want Done", u.state)
	}
}

func TestUpdateDowngradeStampIsNotApplicable(t *testing.T) {
	tr := &scriptedUpdateTransport{image: []byte("firmware-blob")}
	comps := []Component{
		{Classification: 0x0001, Identifier: 0x1234, ActiveStamp: 5, CandidateStamp: 3, Image: tr.image},
	}
	u := NewUpdate(tr, comps)
	if err := u.Run(); err != ErrNoApplicableComponents {
		t.Fatalf("Run() = %v, want ErrNoApplicableComponents", err)
	}
}

func TestUpdateBadTransferFlagIsFatal(t *testing.T) {
	tr := &badFlagTransport{}
	comps := []Component{
		{Classification: 0x0001, Identifier: 0x1234, ActiveStamp: 1, CandidateStamp: 2, Image: []byte("x")},
	}
	u := NewUpdate(tr, comps)
	if err := u.Run(); err != ErrComponentTransferFlag {
		t.Fatalf("Run() = %v, want ErrComponentTransferFlag", err)
	}
}

type badFlagTransport struct{}

func (b *badFlagTransport) Request(req []byte) ([]byte, error) {
	h, _, _, ok := decodeHeader(append(req, 0x00))
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	resp := header{InstanceID: h.InstanceID, Type: h.Type, Command: h.Command}.encode(false)
	resp = append(resp, completionSuccess)
	if h.Command == cmdRequestFirmwareData {
		resp = append(resp, 0x01) // Start-only, not StartAndEnd
		resp = append(resp, []byte("x")...)
	}
	return resp, nil
}

func TestUpdateMultipleComponentsInOrder(t *testing.T) {
	tr := &multiComponentTransport{images: map[uint16][]byte{
		0x1111: []byte("one"),
		0x2222: []byte("two"),
	}}
	comps := []Component{
		{Classification: 0x01, Identifier: 0x1111, ActiveStamp: 1, CandidateStamp: 2, Image: tr.images[0x1111]},
		{Classification: 0x01, Identifier: 0x2222, ActiveStamp: 1, CandidateStamp: 2, Image: tr.images[0x2222]},
	}
	u := NewUpdate(tr, comps)
	if err := u.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(tr.seenIdentifiers) != 2 {
		t.Fatalf("saw %d components updated, want 2", len(tr.seenIdentifiers))
	}
}

type multiComponentTransport struct {
	images          map[uint16][]byte
	seenIdentifiers []uint16
	lastIdentifier  uint16
}

func (m *multiComponentTransport) Request(req []byte) ([]byte, error) {
	h, _, _, ok := decodeHeader(append(req, 0x00))
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	resp := header{InstanceID: h.InstanceID, Type: h.Type, Command: h.Command}.encode(false)
	resp = append(resp, completionSuccess)

	switch h.Command {
	case cmdPassComponentTable:
		// Requests carry no completion code: after the 3-byte header come
		// classification (req[3:5]) and identifier (req[5:7]).
		if len(req) >= 7 {
			m.lastIdentifier = binary.LittleEndian.Uint16(req[5:7])
		}
	case cmdRequestFirmwareData:
		resp = append(resp, transferFlagStartAndEnd)
		resp = append(resp, m.images[m.lastIdentifier]...)
	case cmdTransferComplete:
		resp = append(resp, transferSuccess)
	case cmdVerifyComplete:
		resp = append(resp, verifySuccess)
	case cmdApplyComplete:
		resp = append(resp, applySuccess)
		m.seenIdentifiers = append(m.seenIdentifiers, m.lastIdentifier)
	}
	return resp, nil
}
