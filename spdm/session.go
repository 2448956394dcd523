package spdm

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rotmcu/corefw/crypto"
)

// SessionState is the per-session state machine (§4.12/§4.13).
type SessionState int

const (
	SessionNotStarted SessionState = iota
	SessionHandshakeInProgress
	SessionEstablished
)

// MaxSessions bounds the live session table (§4.12).
const MaxSessions = 4

var (
	ErrSessionLimitExceeded = errors.New("spdm: session limit exceeded")
	ErrUnknownSession       = errors.New("spdm: unknown session id")
	ErrDecrypt              = errors.New("spdm: decrypt error")
	ErrResponderHalfInUse   = errors.New("spdm: responder session-id half already in use")
)

// Session holds everything the session manager tracks for one live
// SPDM session.
type Session struct {
	ID    uint32
	State SessionState

	exchange crypto.KeyExchange
	suite    crypto.CipherSuite
	dheSecret []byte

	reqKey, reqIV         []byte
	rspKey, rspIV         []byte
	reqFinishedKey        []byte
	rspFinishedKey        []byte

	reqSeq, rspSeq uint64
}

// SessionManager is the session table (§4.12).
type SessionManager struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	active   uint32
	hasActive bool
	usedResp map[uint16]bool

	keyLen, ivLen int
}

// NewSessionManager constructs an empty table. keyLen/ivLen are the
// negotiated AEAD suite's key and nonce sizes (e.g. 32/12 for AES-256-GCM
// and ChaCha20-Poly1305 alike).
func NewSessionManager(keyLen, ivLen int) *SessionManager {
	return &SessionManager{
		sessions: make(map[uint32]*Session),
		usedResp: make(map[uint16]bool),
		keyLen:   keyLen,
		ivLen:    ivLen,
	}
}

// GenerateSessionID combines requesterHalf with a freshly allocated,
// currently-unique responder half (§4.12).
func (m *SessionManager) GenerateSessionID(requesterHalf uint16) (id uint32, responderHalf uint16, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for candidate := uint16(1); candidate != 0; candidate++ {
		if !m.usedResp[candidate] {
			m.usedResp[candidate] = true
			return uint32(requesterHalf)<<16 | uint32(candidate), candidate, nil
		}
	}
	return 0, 0, ErrResponderHalfInUse
}

// CreateSession installs a new session for id. Returns
// ErrSessionLimitExceeded once MaxSessions are live.
func (m *SessionManager) CreateSession(id uint32, suite crypto.CipherSuite) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= MaxSessions {
		return nil, ErrSessionLimitExceeded
	}
	s := &Session{ID: id, State: SessionNotStarted, suite: suite}
	m.sessions[id] = s
	return s, nil
}

// DeleteSession tears down id, releasing its responder-half for reuse.
func (m *SessionManager) DeleteSession(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.usedResp, uint16(id&0xFFFF))
	if m.hasActive && m.active == id {
		m.hasActive = false
	}
}

// Get returns the live session for id.
func (m *SessionManager) Get(id uint32) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// SetSessionState sets id's state.
func (m *SessionManager) SetSessionState(id uint32, state SessionState) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.State = state
	m.mu.Unlock()
	return nil
}

// SetActiveSessionID marks id as the active session for this
// connection's secure-message traffic.
func (m *SessionManager) SetActiveSessionID(id uint32) {
	m.mu.Lock()
	m.active = id
	m.hasActive = true
	m.mu.Unlock()
}

// ResetActiveSessionID clears the active session.
func (m *SessionManager) ResetActiveSessionID() {
	m.mu.Lock()
	m.hasActive = false
	m.mu.Unlock()
}

// ActiveSessionID returns the active session ID, if any.
func (m *SessionManager) ActiveSessionID() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.hasActive
}

// ComputeDHESecret runs s's ephemeral key exchange against the peer's
// public value and returns this side's public value plus the raw DHE
// shared secret.
func ComputeDHESecret(s *Session, peerPublic []byte) (localPublic, sharedSecret []byte, err error) {
	if s.exchange == nil {
		s.exchange, err = crypto.NewP384KeyExchange()
		if err != nil {
			return nil, nil, err
		}
	}
	localPublic, err = s.exchange.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	sharedSecret, err = s.exchange.ComputeSharedSecret(peerPublic)
	if err != nil {
		return nil, nil, err
	}
	s.dheSecret = sharedSecret
	return localPublic, sharedSecret, nil
}

// GenerateSessionHandshakeKey derives request/response handshake keys
// and finished-keys from the DHE secret and the TH1 digest (§4.12).
func GenerateSessionHandshakeKey(s *Session, sharedSecret, th1 []byte, keyLen, ivLen int) error {
	reqKey, reqIV, rspKey, rspIV, reqFin, rspFin, err := crypto.DeriveSessionKeys(sharedSecret, th1, keyLen, ivLen)
	if err != nil {
		return err
	}
	s.reqKey, s.reqIV, s.rspKey, s.rspIV = reqKey, reqIV, rspKey, rspIV
	s.reqFinishedKey, s.rspFinishedKey = reqFin, rspFin
	s.reqSeq, s.rspSeq = 0, 0
	return nil
}

// GenerateSessionDataKey re-runs the key schedule against TH2 at FINISH
// completion, producing application data keys (§4.12).
func GenerateSessionDataKey(s *Session, sharedSecret, th2 []byte, keyLen, ivLen int) error {
	return GenerateSessionHandshakeKey(s, sharedSecret, th2, keyLen, ivLen)
}

// secureHeaderSize is the fixed (session_id, sequence_number) header
// prepended to every secure message (§4.12).
const secureHeaderSize = 4 + 8

// EncodeSecureMessage AEAD-seals appData under s's current send keys,
// advancing the outbound sequence number.
func EncodeSecureMessage(s *Session, appData []byte) ([]byte, error) {
	header := make([]byte, secureHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], s.ID)
	binary.LittleEndian.PutUint64(header[4:12], s.rspSeq)

	aead, err := crypto.NewAEAD(s.suite, s.rspKey)
	if err != nil {
		return nil, err
	}
	nonce := sequenceNonce(s.rspIV, s.rspSeq, aead.NonceSize())
	ct := aead.Seal(nonce, appData, header)
	s.rspSeq++

	return append(header, ct...), nil
}

// DecodeSecureMessage verifies and opens a message encoded by the peer
// with EncodeSecureMessage (mirrored roles). A sequence number that
// does not match the expected next value is a fatal session error: the
// caller must delete the session (§4.12, §8).
func DecodeSecureMessage(s *Session, buf []byte) ([]byte, error) {
	if len(buf) < secureHeaderSize {
		return nil, ErrDecrypt
	}
	header := buf[:secureHeaderSize]
	sessionID := binary.LittleEndian.Uint32(header[0:4])
	seq := binary.LittleEndian.Uint64(header[4:12])

	if sessionID != s.ID || seq != s.reqSeq {
		return nil, ErrDecrypt
	}

	aead, err := crypto.NewAEAD(s.suite, s.reqKey)
	if err != nil {
		return nil, err
	}
	nonce := sequenceNonce(s.reqIV, seq, aead.NonceSize())
	pt, err := aead.Open(nonce, buf[secureHeaderSize:], header)
	if err != nil {
		return nil, ErrDecrypt
	}
	s.reqSeq++
	return pt, nil
}

// sequenceNonce XORs the sequence number into the low bytes of the base
// IV, the standard construction for a per-message nonce derived from a
// fixed IV and a monotonic counter.
func sequenceNonce(baseIV []byte, seq uint64, size int) []byte {
	nonce := make([]byte, size)
	copy(nonce, baseIV)
	var seqBytes [8]byte
	binary.LittleEndian.PutUint64(seqBytes[:], seq)
	for i := 0; i < 8 && i < size; i++ {
		nonce[size-8+i] ^= seqBytes[i]
	}
	return nonce
}
