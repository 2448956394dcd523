package spdm

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"testing"

	"github.com/rotmcu/corefw/crypto"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *CertStore) {
	t.Helper()

	transcripts, err := NewTranscripts(crypto.HashSHA384)
	if err != nil {
		t.Fatal(err)
	}

	certs := NewCertStore(crypto.HashSHA384)
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	root := []byte("fake-root-der-bytes-for-testing")
	leaf := []byte("fake-leaf-der-bytes-for-testing-xyz")
	if err := certs.Provision(0, &Slot{
		Certs:  [][]byte{root, leaf},
		Signer: crypto.NewECDSASigner(priv),
		RootPub: &priv.PublicKey,
	}); err != nil {
		t.Fatal(err)
	}

	meas, err := NewMeasurements(crypto.HashSHA384, []Measurement{
		{Index: 0, Type: ValueRawDigest, IsDigest: true, IsTCB: true, Value: []byte("pcr0-content")},
		{Index: 1, Type: ValueRawDigest, IsDigest: true, IsTCB: false, Value: []byte("pcr1-content")},
	})
	if err != nil {
		t.Fatal(err)
	}

	sessions := NewSessionManager(32, 12)

	versions := []Version{{1, 0}, {1, 1}, {1, 2}, {1, 3}}
	d := NewDispatcher(versions, 0, transcripts, certs, meas, sessions, nil)
	return d, certs
}

func TestSPDMVersionNegotiationScenario(t *testing.T) {
	d, _ := newTestDispatcher(t)

	getVersion := []byte{0x10, uint8(ReqGetVersion)}
	resp, err := d.ProcessMessage(getVersion)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if resp[1] != uint8(RspVersion) {
		t.Fatalf("response code = 0x%x, want VERSION", resp[1])
	}
	if count := resp[3]; count != 4 {
		t.Fatalf("version count = %d, want 4", count)
	}

	getCaps := []byte{0x13, uint8(ReqGetCapabilities), 0x00}
	resp, err = d.ProcessMessage(getCaps)
	if err != nil {
		t.Fatalf("GetCapabilities: %v", err)
	}
	if resp[1] != uint8(RspCapabilities) {
		t.Fatalf("response code = 0x%x, want CAPABILITIES", resp[1])
	}
	if d.state != StateAfterCapabilities {
		t.Fatalf("state = %v, want AfterCapabilities", d.state)
	}

	vca := d.transcripts.Hash(ContextVCA, true)
	if len(vca) != 48 {
		t.Fatalf("VCA digest length = %d, want 48", len(vca))
	}
}

func TestSPDMGetCapabilitiesBeforeVersionRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	getCaps := []byte{0x13, uint8(ReqGetCapabilities), 0x00}
	_, err := d.ProcessMessage(getCaps)
	if err != ErrUnexpected {
		t.Fatalf("ProcessMessage() = %v, want ErrUnexpected", err)
	}
}

func negotiateThroughAlgorithms(t *testing.T, d *Dispatcher) {
	t.Helper()
	if _, err := d.ProcessMessage([]byte{0x13, uint8(ReqGetVersion)}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ProcessMessage([]byte{0x13, uint8(ReqGetCapabilities), 0x00}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ProcessMessage([]byte{0x13, uint8(ReqNegotiateAlgorithms), 0x00}); err != nil {
		t.Fatal(err)
	}
}

func TestSPDMSessionEstablishmentScenario(t *testing.T) {
	d, certs := newTestDispatcher(t)
	negotiateThroughAlgorithms(t, d)

	if d.state != StateAfterNegotiateAlgorithms {
		t.Fatalf("state = %v, want AfterNegotiateAlgorithms", d.state)
	}

	requester, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	reqPub := requester.PublicKey().Bytes()

	keReq := append([]byte{0x13, uint8(ReqKeyExchange), 0x00}, reqPub...)
	keResp, err := d.ProcessMessage(keReq)
	if err != nil {
		t.Fatalf("KeyExchange: %v", err)
	}
	if keResp[1] != uint8(RspKeyExchange) {
		t.Fatalf("response code = 0x%x, want KEY_EXCHANGE_RSP", keResp[1])
	}

	sessionID := binary.LittleEndian.Uint32(keResp[2:6])
	responderPub := keResp[6 : 6+97]
	sig := keResp[6+97:]

	rootHash, err := certs.ComputeCertChainHash(0)
	if err != nil {
		t.Fatal(err)
	}
	preSigTH := sha512.New384()
	preSigTH.Write(rootHash)
	preSigTH.Write(keReq)
	preSigTH.Write(keResp[:6+97])
	if !ecdsa.VerifyASN1(certs.slots[0].RootPub, preSigTH.Sum(nil), sig) {
		t.Fatal("KEY_EXCHANGE_RSP TH1 signature does not verify")
	}

	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != SessionHandshakeInProgress {
		t.Fatalf("session state = %v, want HandshakeInProgress", sess.State)
	}

	sharedSecret, err := requester.ECDH(mustParsePub(t, responderPub))
	if err != nil {
		t.Fatal(err)
	}
	if string(sharedSecret) != string(sess.dheSecret) {
		t.Fatal("requester/responder DHE secrets disagree")
	}

	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], sessionID)
	beforeHMAC := append([]byte{0x13, uint8(ReqFinish)}, idBuf[:]...)

	// Independently replicate the TH chain the handler maintains
	// (chainHash || KE-req || KE-resp-before-sig || sig || finish-before-hmac)
	// to derive the requester-verify HMAC, without touching the
	// dispatcher's own transcript state (which the handler mutates again
	// when it processes the FINISH request below).
	th := sha512.New384()
	th.Write(rootHash)
	th.Write(keReq)
	th.Write(keResp[:6+97])
	th.Write(keResp[6+97:])
	th.Write(beforeHMAC)
	mac := hmac.New(sha512.New384, sess.reqFinishedKey)
	mac.Write(th.Sum(nil))
	requesterHMAC := mac.Sum(nil)

	finishReq := append(beforeHMAC, requesterHMAC...)
	finishResp, err := d.ProcessMessage(finishReq)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if finishResp[1] != uint8(RspFinishRsp) {
		t.Fatalf("response code = 0x%x, want FINISH_RSP", finishResp[1])
	}

	if sess.State != SessionEstablished {
		t.Fatalf("session state = %v, want Established", sess.State)
	}
}

func mustParsePub(t *testing.T, b []byte) *ecdh.PublicKey {
	t.Helper()
	pub, err := ecdh.P384().NewPublicKey(b)
	if err != nil {
		t.Fatal(err)
	}
	return pub
}
