package mctp

import (
	"bytes"
	"testing"
	"time"
)

type recordingUpcall struct {
	reqLen, respLen int
	reqInfo, respInfo uint32
	txStatus        error
	txPeer          uint8
}

func (u *recordingUpcall) ReceivedRequest(length int, _ time.Time, info uint32) {
	u.reqLen, u.reqInfo = length, info
}
func (u *recordingUpcall) ReceivedResponse(length int, _ time.Time, info uint32) {
	u.respLen, u.respInfo = length, info
}
func (u *recordingUpcall) MessageTransmitted(status error, peerEID uint8, info uint32) {
	u.txStatus, u.txPeer = status, peerEID
}

func TestCapsuleRequestResponseRoundTrip(t *testing.T) {
	bindA, bindB := wireFakeBindings()

	muxA := NewMux(bindA, 10, BaselineMTU)
	muxB := NewMux(bindB, 20, BaselineMTU)

	client := NewCapsule(muxA, MsgPLDM, 1024)
	server := NewCapsule(muxB, MsgPLDM, 1024)

	clientUp := &recordingUpcall{}
	serverUp := &recordingUpcall{}
	client.Subscribe(clientUp)
	server.Subscribe(serverUp)

	serverReqBuf := make([]byte, 256)
	if err := server.AllowReadWrite(SlotReadRequest, serverReqBuf); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Command(CmdRegisterRecvReq, 10, 0); err != nil {
		t.Fatal(err)
	}

	reqPayload := []byte("ping")
	if err := client.AllowReadOnly(SlotMessageWrite, reqPayload); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Command(CmdSendRequest, 20, 0); err != nil {
		t.Fatal(err)
	}

	if serverUp.reqLen != len(reqPayload) {
		t.Fatalf("server received %d bytes, want %d", serverUp.reqLen, len(reqPayload))
	}
	if !bytes.Equal(serverReqBuf[:serverUp.reqLen], reqPayload) {
		t.Fatalf("server buffer = %q, want %q", serverReqBuf[:serverUp.reqLen], reqPayload)
	}
	if clientUp.txStatus != nil {
		t.Fatalf("client send failed: %v", clientUp.txStatus)
	}

	tag := uint8(serverUp.reqInfo & 0xFF)

	// Now the server replies.
	clientRespBuf := make([]byte, 256)
	if err := client.AllowReadWrite(SlotReadResponse, clientRespBuf); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Command(CmdRegisterRecvResp, 20, uint32(tag)); err != nil {
		t.Fatal(err)
	}

	respPayload := []byte("pong")
	if err := server.AllowReadOnly(SlotMessageWrite, respPayload); err != nil {
		t.Fatal(err)
	}
	if _, err := server.Command(CmdSendResponse, 10, uint32(tag)); err != nil {
		t.Fatal(err)
	}

	if clientUp.respLen != len(respPayload) {
		t.Fatalf("client received %d bytes, want %d", clientUp.respLen, len(respPayload))
	}
	if !bytes.Equal(clientRespBuf[:clientUp.respLen], respPayload) {
		t.Fatalf("client buffer = %q, want %q", clientRespBuf[:clientUp.respLen], respPayload)
	}
}

func TestCapsuleSecondSendWhileInFlightRejected(t *testing.T) {
	bindA, _ := wireFakeBindings()
	muxA := NewMux(bindA, 10, BaselineMTU)
	c := NewCapsule(muxA, MsgSPDM, 1024)

	c.mu.Lock()
	c.txInFlight = true
	c.mu.Unlock()

	if err := c.AllowReadOnly(SlotMessageWrite, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Command(CmdSendRequest, 99, 0); err != ErrTxAlreadyInFlight {
		t.Fatalf("got %v, want ErrTxAlreadyInFlight", err)
	}
}
