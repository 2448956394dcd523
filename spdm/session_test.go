package spdm

import (
	"bytes"
	"testing"

	"github.com/rotmcu/corefw/crypto"
)

func TestSessionManagerLimitExceeded(t *testing.T) {
	m := NewSessionManager(32, 12)
	for i := 0; i < MaxSessions; i++ {
		if _, err := m.CreateSession(uint32(i+1), crypto.SuiteAESGCM256); err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
	}
	if _, err := m.CreateSession(uint32(MaxSessions+1), crypto.SuiteAESGCM256); err != ErrSessionLimitExceeded {
		t.Fatalf("got %v, want ErrSessionLimitExceeded", err)
	}
}

func TestSessionManagerDeleteFreesResponderHalf(t *testing.T) {
	m := NewSessionManager(32, 12)
	id, half, err := m.GenerateSessionID(0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateSession(id, crypto.SuiteAESGCM256); err != nil {
		t.Fatal(err)
	}
	m.DeleteSession(id)

	_, half2, err := m.GenerateSessionID(0x5678)
	if err != nil {
		t.Fatal(err)
	}
	if half2 != half {
		t.Fatalf("responder half after delete = %d, want freed half %d reused", half2, half)
	}
}

func setupSecureSession(t *testing.T) *Session {
	t.Helper()
	secret := bytes.Repeat([]byte{0x07}, 48)
	th := bytes.Repeat([]byte{0x09}, 48)
	reqKey, reqIV, rspKey, rspIV, reqFin, rspFin, err := crypto.DeriveSessionKeys(secret, th, 32, 12)
	if err != nil {
		t.Fatal(err)
	}
	return &Session{
		ID: 0xAABBCCDD, State: SessionEstablished, suite: crypto.SuiteAESGCM256,
		reqKey: reqKey, reqIV: reqIV, rspKey: rspKey, rspIV: rspIV,
		reqFinishedKey: reqFin, rspFinishedKey: rspFin,
	}
}

func TestSecureMessageRoundTrip(t *testing.T) {
	senderSide := setupSecureSession(t)
	receiverSide := setupSecureSession(t)

	enc, err := EncodeSecureMessage(senderSide, []byte("app request payload"))
	if err != nil {
		t.Fatal(err)
	}

	// The message was sent from the responder's rsp-direction keys;
	// decode it on the matching req-direction keys of a peer view of
	// the same session by swapping roles, mirroring how a requester
	// would decode a responder's secure message in this port's AEAD
	// construction.
	receiverSide.reqKey, receiverSide.reqIV = senderSide.rspKey, senderSide.rspIV

	dec, err := DecodeSecureMessage(receiverSide, enc)
	if err != nil {
		t.Fatalf("DecodeSecureMessage: %v", err)
	}
	if string(dec) != "app request payload" {
		t.Fatalf("roundtrip mismatch: %q", dec)
	}
}

func TestSecureMessageReplayRejected(t *testing.T) {
	sender := setupSecureSession(t)
	receiver := setupSecureSession(t)
	receiver.reqKey, receiver.reqIV = sender.rspKey, sender.rspIV

	enc, err := EncodeSecureMessage(sender, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeSecureMessage(receiver, enc); err != nil {
		t.Fatalf("first decode: %v", err)
	}

	// Replaying the same (now-stale) sequence number must fail.
	if _, err := DecodeSecureMessage(receiver, enc); err != ErrDecrypt {
		t.Fatalf("replay: got %v, want ErrDecrypt", err)
	}
}
