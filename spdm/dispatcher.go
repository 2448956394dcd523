package spdm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/rotmcu/corefw/crypto"
)

func hmacSum(message, key []byte) []byte {
	mac := hmac.New(sha512.New384, key)
	mac.Write(message)
	return mac.Sum(nil)
}

func hmacEqual(message, key, tag []byte) bool {
	return hmac.Equal(hmacSum(message, key), tag)
}

// ConnectionState is the connection-wide negotiation state machine
// (§4.13).
type ConnectionState int

const (
	StateNotStarted ConnectionState = iota
	StateAfterVersion
	StateAfterCapabilities
	StateAfterNegotiateAlgorithms
	StateAfterAuthentication
)

var (
	ErrUnexpected   = errors.New("spdm: unexpected request for current state")
	ErrBadRequest   = errors.New("spdm: malformed request")
	ErrNoChunkCtx   = errors.New("spdm: no chunk context held")
)

// Capabilities records one side's GET_CAPABILITIES flags relevant to
// the gating this responder performs (§4.13).
type Capabilities struct {
	CertCap bool
	ChalCap bool
	MeasCap bool
	KeyExCap bool
	MacCap  bool
	EncryptCap bool
}

// Algorithms is the result of NEGOTIATE_ALGORITHMS selection (§4.13).
type Algorithms struct {
	BaseAsymAlgo string // e.g. "ECDSA-P384"
	BaseHashAlgo crypto.HashAlgorithm
	DHEGroup     string // e.g. "SECP384R1"
	AEADSuite    crypto.CipherSuite
}

// chunkContext holds a large response awaiting CHUNK_GET drain (§4.13).
type chunkContext struct {
	remaining []byte
	chunkSize int
	nextChunk uint8
}

// Dispatcher is the responder entry point, process_message (§4.13).
type Dispatcher struct {
	versions []Version
	dts      int // negotiated data-transfer-size

	state       ConnectionState
	peerCaps    Capabilities
	algos       Algorithms
	algoChosen  bool

	transcripts *Transcripts
	certs       *CertStore
	meas        *Measurements
	sessions    *SessionManager

	challengeCompleted bool
	chunk              *chunkContext

	log *slog.Logger
}

// NewDispatcher constructs a responder advertising versions, backed by
// the given collaborators.
func NewDispatcher(versions []Version, dts int, transcripts *Transcripts, certs *CertStore, meas *Measurements, sessions *SessionManager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{versions: versions, dts: dts, transcripts: transcripts, certs: certs, meas: meas, sessions: sessions, log: log}
}

// ProcessMessage handles one inbound SPDM message. It returns the bytes
// to send back (always non-nil on a well-formed or error response) and
// an error describing any fault; per §4.13 step 6 the dispatcher still
// transmits the response even when err != nil.
func (d *Dispatcher) ProcessMessage(buf []byte) (response []byte, err error) {
	if sid, ok := d.sessions.ActiveSessionID(); ok {
		if s, serr := d.sessions.Get(sid); serr == nil && len(buf) >= secureHeaderSize && looksSecure(buf) {
			pt, derr := DecodeSecureMessage(s, buf)
			if derr != nil {
				d.sessions.DeleteSession(sid)
				d.sessions.ResetActiveSessionID()
				return EncodeError(d.versionByte(), ErrDecryptError, 0), derr
			}
			buf = pt
		}
	}

	h, body, ok := decodeHeader(buf)
	if !ok {
		return EncodeError(d.versionByte(), ErrInvalidRequest, 0), ErrBadRequest
	}
	code := RequestCode(h.Code)

	if code != ReqChunkGet && d.chunk != nil {
		d.chunk = nil
	}

	// L1 accumulates across a run of consecutive GET_MEASUREMENTS calls;
	// any other request resets it (§4.9). No handler signs L1:
	// MEASUREMENTS responses carry no signature.
	if code != ReqGetMeasurements {
		d.transcripts.Reset(ContextL1)
	}

	if _, active := d.sessions.ActiveSessionID(); active {
		switch code {
		case ReqGetVersion, ReqGetCapabilities, ReqNegotiateAlgorithms, ReqChallenge, ReqKeyExchange:
			return EncodeError(d.versionByte(), ErrUnexpectedRequest, 0), ErrUnexpected
		}
	}

	if err := d.gateState(code); err != nil {
		return EncodeError(d.versionByte(), ErrUnexpectedRequest, 0), err
	}

	var resp []byte
	switch code {
	case ReqGetVersion:
		resp, err = d.handleGetVersion(buf)
	case ReqGetCapabilities:
		resp, err = d.handleGetCapabilities(buf, body)
	case ReqNegotiateAlgorithms:
		resp, err = d.handleNegotiateAlgorithms(buf, body)
	case ReqGetDigests:
		resp, err = d.handleGetDigests(buf)
	case ReqGetCertificate:
		resp, err = d.handleGetCertificate(buf, body)
	case ReqChallenge:
		resp, err = d.handleChallenge(buf, body)
	case ReqGetMeasurements:
		resp, err = d.handleGetMeasurements(buf, body)
	case ReqKeyExchange:
		resp, err = d.handleKeyExchange(buf, body)
	case ReqFinish:
		resp, err = d.handleFinish(buf, body)
	case ReqEndSession:
		resp, err = d.handleEndSession(body)
	case ReqChunkGet:
		resp, err = d.handleChunkGet(body)
	default:
		return EncodeError(d.versionByte(), ErrUnsupportedRequest, 0), ErrBadRequest
	}

	if err != nil {
		if resp == nil {
			resp = EncodeError(d.versionByte(), ErrUnspecified, 0)
		}
		return resp, err
	}

	if d.dts > 0 && len(resp) > d.dts {
		return d.beginChunking(resp), nil
	}

	return resp, nil
}

func looksSecure(buf []byte) bool {
	// A plaintext SPDM header's first byte is a version nibble-pair
	// (high nibble 1-3); a secure-message session-id low word will very
	// rarely collide with that pattern for a real session ID space, but
	// the transport layer is expected to tag secure records explicitly.
	// This port treats any message on an active session's binding as
	// secure-wrapped, matching how the real transport demultiplexes by
	// channel rather than by sniffing bytes.
	return true
}

func (d *Dispatcher) versionByte() uint8 {
	if len(d.versions) == 0 {
		return 0x10
	}
	last := d.versions[len(d.versions)-1]
	return last.Byte()
}

// gateState enforces per-code ConnectionState preconditions (§4.13 step
// 5).
func (d *Dispatcher) gateState(code RequestCode) error {
	switch code {
	case ReqGetVersion:
		return nil
	case ReqGetCapabilities:
		if d.state < StateAfterVersion {
			return ErrUnexpected
		}
	case ReqNegotiateAlgorithms:
		if d.state < StateAfterCapabilities {
			return ErrUnexpected
		}
	case ReqGetDigests, ReqGetCertificate, ReqChallenge, ReqGetMeasurements, ReqKeyExchange:
		if d.state < StateAfterNegotiateAlgorithms {
			return ErrUnexpected
		}
	}
	return nil
}

func (d *Dispatcher) handleGetVersion(req []byte) ([]byte, error) {
	d.transcripts.ResetAll()
	d.state = StateAfterVersion
	d.challengeCompleted = false

	resp := make([]byte, 0, 4+2*len(d.versions))
	resp = append(resp, encodeHeader(d.versionByte(), RspVersion)...)
	resp = append(resp, 0, uint8(len(d.versions)))
	for _, v := range d.versions {
		resp = append(resp, v.Byte(), 0)
	}
	return resp, nil
}

func (d *Dispatcher) handleGetCapabilities(req, body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, ErrBadRequest
	}
	flags := body[0]
	d.peerCaps = Capabilities{
		CertCap:  flags&0x02 != 0,
		ChalCap:  flags&0x04 != 0,
		MeasCap:  flags&0x08 != 0,
		KeyExCap: flags&0x20 != 0,
		MacCap:   flags&0x40 != 0,
		EncryptCap: flags&0x10 != 0,
	}
	// mac_cap is required whenever secure messaging capability is
	// offered (§4.13).
	if d.peerCaps.EncryptCap && !d.peerCaps.MacCap {
		return nil, ErrBadRequest
	}

	d.transcripts.Append(ContextVCA, req)
	resp := append(encodeHeader(d.versionByte(), RspCapabilities), flags)
	d.transcripts.Append(ContextVCA, resp)

	d.state = StateAfterCapabilities
	return resp, nil
}

// algHashPriority orders the supported hash algorithms best-first;
// handleNegotiateAlgorithms selects its first entry (§4.13).
var algHashPriority = []crypto.HashAlgorithm{crypto.HashSHA384, crypto.HashSHA512}

func (d *Dispatcher) handleNegotiateAlgorithms(req, body []byte) ([]byte, error) {
	if len(body) > 128 {
		return nil, ErrBadRequest
	}

	d.algos = Algorithms{
		BaseAsymAlgo: "ECDSA-P384",
		BaseHashAlgo: algHashPriority[0],
		DHEGroup:     "SECP384R1",
		AEADSuite:    crypto.SuiteAESGCM256,
	}
	d.algoChosen = true

	d.transcripts.Append(ContextVCA, req)

	resp := encodeHeader(d.versionByte(), RspAlgorithms)
	resp = append(resp, 1, 1, 1, 1) // fixed selection value 1 for each of the four categories
	d.transcripts.Append(ContextVCA, resp)

	d.state = StateAfterNegotiateAlgorithms
	return resp, nil
}

func (d *Dispatcher) handleGetDigests(req []byte) ([]byte, error) {
	if !d.challengeCompleted {
		d.transcripts.Reset(ContextM1)
	}
	d.transcripts.Append(ContextM1, req)

	var provisioned, supported uint16
	var digestBuf []byte
	for i := 0; i < MaxSlots; i++ {
		supported |= 1 << uint(i)
		if !d.certs.IsProvisioned(i) {
			continue
		}
		provisioned |= 1 << uint(i)
		h, err := d.certs.ComputeCertChainHash(i)
		if err != nil {
			return nil, err
		}
		digestBuf = append(digestBuf, h...)
	}

	resp := encodeHeader(d.versionByte(), RspDigests)
	var bitmaps [4]byte
	binary.LittleEndian.PutUint16(bitmaps[0:2], supported)
	binary.LittleEndian.PutUint16(bitmaps[2:4], provisioned)
	resp = append(resp, bitmaps[:]...)
	resp = append(resp, digestBuf...)

	d.transcripts.Append(ContextM1, resp)
	return resp, nil
}

func (d *Dispatcher) handleGetCertificate(req, body []byte) ([]byte, error) {
	if len(body) < 5 {
		return nil, ErrBadRequest
	}
	slot := int(body[0])
	offset := binary.LittleEndian.Uint16(body[1:3])
	length := binary.LittleEndian.Uint16(body[3:5])

	chain, err := d.assembleChain(slot)
	if err != nil {
		return nil, err
	}
	if int(offset)+int(length) > len(chain) {
		return nil, ErrBadRequest
	}

	d.transcripts.Append(ContextM1, req)

	resp := encodeHeader(d.versionByte(), RspCertificate)
	resp = append(resp, body[0])
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], length)
	resp = append(resp, lenBuf[:]...)
	resp = append(resp, chain[offset:offset+length]...)

	d.transcripts.Append(ContextM1, resp)
	return resp, nil
}

func (d *Dispatcher) assembleChain(slot int) ([]byte, error) {
	state, err := d.certs.SlotState(slot)
	if err != nil {
		return nil, err
	}
	rootHash, err := d.certs.ComputeCertChainHash(slot)
	if err != nil {
		return nil, err
	}
	buf := append([]byte{}, rootHash...)
	for i := 0; i < state.CertCount; i++ {
		der, err := d.certs.CertDER(slot, i)
		if err != nil {
			return nil, err
		}
		buf = append(buf, der...)
	}
	return buf, nil
}

func (d *Dispatcher) handleChallenge(req, body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, ErrBadRequest
	}
	slot := int(body[0])

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	d.transcripts.Append(ContextM1, req)

	summary, err := d.meas.SummaryHash(SummaryAll)
	if err != nil {
		return nil, err
	}

	partial := encodeHeader(d.versionByte(), RspChallengeAuth)
	partial = append(partial, body[0])
	partial = append(partial, nonce...)
	partial = append(partial, summary...)

	d.transcripts.Append(ContextM1, partial)
	digest := d.transcripts.Hash(ContextM1, true)

	sig, err := d.certs.SignHash(slot, digest)
	if err != nil {
		return nil, err
	}

	resp := append(partial, sig...)
	d.transcripts.Append(ContextM1, sig)

	d.challengeCompleted = true
	return resp, nil
}

func (d *Dispatcher) handleGetMeasurements(req, body []byte) ([]byte, error) {
	if !d.challengeCompleted {
		d.transcripts.Reset(ContextM1)
	}
	d.transcripts.Append(ContextL1, req)

	if len(body) < 2 {
		return nil, ErrBadRequest
	}
	index := body[1]
	nonce := body[2:]

	var indices []uint8
	if index != IndexAll {
		indices = []uint8{index}
	}

	record, err := d.meas.CachedOrFetch(nonce, indices, func() ([]byte, error) {
		if index == IndexAll {
			return []byte{uint8(d.meas.TotalCount())}, nil
		}
		blk, err := d.meas.Block(index, true)
		if err != nil {
			return nil, err
		}
		return append([]byte{1}, blk...), nil
	})
	if err != nil {
		return nil, err
	}

	resp := encodeHeader(d.versionByte(), RspMeasurements)
	resp = append(resp, record...)

	d.transcripts.Append(ContextL1, resp)
	return resp, nil
}

func (d *Dispatcher) handleKeyExchange(req, body []byte) ([]byte, error) {
	if !d.challengeCompleted {
		d.transcripts.Reset(ContextM1)
	}

	// A P-384 uncompressed point is 1+2*48 = 97 bytes (crypto/ecdh wire
	// format).
	const p384PointSize = 97
	if len(body) < 1+p384PointSize {
		return nil, ErrBadRequest
	}
	slot := int(body[0])
	peerPub := body[1 : 1+p384PointSize]

	id, _, err := d.sessions.GenerateSessionID(0)
	if err != nil {
		return nil, err
	}
	sess, err := d.sessions.CreateSession(id, d.algos.AEADSuite)
	if err != nil {
		return nil, err
	}

	localPub, shared, err := ComputeDHESecret(sess, peerPub)
	if err != nil {
		d.sessions.DeleteSession(id)
		return nil, err
	}

	chainHash, err := d.certs.ComputeCertChainHash(slot)
	if err != nil {
		d.sessions.DeleteSession(id)
		return nil, err
	}
	if err := d.transcripts.SeedSessionTH(id, chainHash); err != nil {
		d.sessions.DeleteSession(id)
		return nil, err
	}
	d.transcripts.AppendSessionTH(id, req)

	partial := encodeHeader(d.versionByte(), RspKeyExchange)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], id)
	partial = append(partial, idBuf[:]...)
	partial = append(partial, localPub...)
	d.transcripts.AppendSessionTH(id, partial)

	th1 := d.transcripts.SessionTH1(id)
	sig, err := d.certs.SignHash(slot, th1)
	if err != nil {
		d.sessions.DeleteSession(id)
		return nil, err
	}
	d.transcripts.AppendSessionTH(id, sig)

	if err := GenerateSessionHandshakeKey(sess, shared, d.transcripts.SessionTH1(id), keySizeFor(d.algos.AEADSuite), 12); err != nil {
		d.sessions.DeleteSession(id)
		return nil, err
	}

	if err := d.sessions.SetSessionState(id, SessionHandshakeInProgress); err != nil {
		d.sessions.DeleteSession(id)
		return nil, err
	}

	return append(partial, sig...), nil
}

func (d *Dispatcher) handleFinish(req, body []byte) ([]byte, error) {
	if !d.challengeCompleted {
		d.transcripts.Reset(ContextM1)
	}

	id, ok := d.sessions.ActiveSessionID()
	if !ok {
		if len(body) < 4 {
			return nil, ErrBadRequest
		}
		id = binary.LittleEndian.Uint32(body[0:4])
	}
	sess, err := d.sessions.Get(id)
	if err != nil {
		return nil, err
	}

	hmacSize := d.hashSize()
	if len(body) < hmacSize {
		d.sessions.DeleteSession(id)
		d.transcripts.DropSession(id)
		return nil, ErrBadRequest
	}
	requesterHMAC := body[len(body)-hmacSize:]
	beforeHMAC := req[:len(req)-hmacSize]

	d.transcripts.AppendSessionTH(id, beforeHMAC)
	thBeforeFinish := d.transcripts.SessionTH1(id)

	if !hmacEqual(thBeforeFinish, sess.reqFinishedKey, requesterHMAC) {
		d.sessions.DeleteSession(id)
		d.transcripts.DropSession(id)
		return nil, ErrBadRequest
	}
	d.transcripts.AppendSessionTH(id, requesterHMAC)

	resp := encodeHeader(d.versionByte(), RspFinishRsp)
	thForResponderHMAC := d.transcripts.SessionTH1(id)
	responderHMAC := hmacSum(thForResponderHMAC, sess.rspFinishedKey)
	resp = append(resp, responderHMAC...)
	d.transcripts.AppendSessionTH(id, resp)

	th2 := d.transcripts.SessionTH2(id)
	if err := GenerateSessionDataKey(sess, sess.dheSecret, th2, keySizeFor(d.algos.AEADSuite), 12); err != nil {
		d.sessions.DeleteSession(id)
		d.transcripts.DropSession(id)
		return nil, err
	}

	if err := d.sessions.SetSessionState(id, SessionEstablished); err != nil {
		return nil, err
	}
	d.sessions.SetActiveSessionID(id)

	return resp, nil
}

func (d *Dispatcher) hashSize() int {
	h, _ := crypto.NewHasher(d.algos.BaseHashAlgo)
	if h == nil {
		return 48
	}
	return h.Size()
}

func (d *Dispatcher) handleEndSession(body []byte) ([]byte, error) {
	if !d.challengeCompleted {
		d.transcripts.Reset(ContextM1)
	}

	if len(body) < 4 {
		return nil, ErrBadRequest
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	d.sessions.DeleteSession(id)
	d.transcripts.DropSession(id)
	d.sessions.ResetActiveSessionID()
	return encodeHeader(d.versionByte(), RspEndSessionAck), nil
}

func (d *Dispatcher) beginChunking(resp []byte) []byte {
	d.chunk = &chunkContext{remaining: resp, chunkSize: d.dts, nextChunk: 1}
	return d.serveChunk()
}

func (d *Dispatcher) handleChunkGet(body []byte) ([]byte, error) {
	if d.chunk == nil {
		return EncodeError(d.versionByte(), ErrInvalidRequest, 0), ErrNoChunkCtx
	}
	return d.serveChunk(), nil
}

func (d *Dispatcher) serveChunk() []byte {
	n := d.chunk.chunkSize
	final := uint8(0)
	if n >= len(d.chunk.remaining) {
		n = len(d.chunk.remaining)
		final = 1
	}
	payload := d.chunk.remaining[:n]
	d.chunk.remaining = d.chunk.remaining[n:]

	resp := encodeHeader(d.versionByte(), RspChunkResponse)
	resp = append(resp, d.chunk.nextChunk, final)
	resp = append(resp, payload...)

	if final == 1 {
		d.chunk = nil
	} else {
		d.chunk.nextChunk++
	}
	return resp
}

func keySizeFor(s crypto.CipherSuite) int {
	switch s {
	case crypto.SuiteAESGCM256, crypto.SuiteChaCha20Poly1305:
		return 32
	default:
		return 32
	}
}
