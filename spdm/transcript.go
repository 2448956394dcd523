// Package spdm implements the responder side of SPDM 1.0-1.3 (DSP0274):
// version/capability/algorithm negotiation, certificate chains,
// measurements, session establishment, and secure messaging.
package spdm

import (
	"sync"

	"github.com/rotmcu/corefw/crypto"
)

// ContextName is one of the closed set of named transcript hash
// contexts (§4.9).
type ContextName int

const (
	ContextVCA ContextName = iota
	ContextM1
	ContextL1
)

// Transcripts owns every hash context the dispatcher touches. Per
// spec.md §5, transcript contexts are single-owner and only ever
// touched from the dispatcher's single thread of control; no locking is
// needed for correctness, but Transcripts still guards every method with
// a mutex, so callers on different goroutines are safe.
type Transcripts struct {
	mu   sync.Mutex
	alg  crypto.HashAlgorithm
	ctx  map[ContextName]crypto.Hasher
	// sessionTH holds one TH context per live session ID.
	sessionTH map[uint32]crypto.Hasher
}

// NewTranscripts constructs a Transcripts using alg for every context.
func NewTranscripts(alg crypto.HashAlgorithm) (*Transcripts, error) {
	t := &Transcripts{alg: alg, ctx: make(map[ContextName]crypto.Hasher), sessionTH: make(map[uint32]crypto.Hasher)}
	for _, name := range []ContextName{ContextVCA, ContextM1, ContextL1} {
		h, err := crypto.NewHasher(alg)
		if err != nil {
			return nil, err
		}
		t.ctx[name] = h
	}
	return t, nil
}

// Append feeds bytes into the named context.
func (t *Transcripts) Append(name ContextName, b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx[name].Write(b)
}

// Hash returns the context's current digest. finish is accepted for
// symmetry with the spec's append/hash/reset trio but never destroys
// the accumulator: both finish=false and finish=true are cheap,
// non-destructive reads (§4.9).
func (t *Transcripts) Hash(name ContextName, finish bool) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx[name].Sum()
}

// Reset clears the named context back to empty.
func (t *Transcripts) Reset(name ContextName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx[name].Reset()
}

// ResetAll resets VCA, M1, and L1 together, as GET_VERSION does (§4.9).
func (t *Transcripts) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.ctx {
		h.Reset()
	}
}

// SeedSessionTH starts session id's TH context seeded with the selected
// slot's certificate-chain hash, per KEY_EXCHANGE (§4.9/§4.13).
func (t *Transcripts) SeedSessionTH(id uint32, chainHash []byte) error {
	h, err := crypto.NewHasher(t.alg)
	if err != nil {
		return err
	}
	h.Write(chainHash)
	t.mu.Lock()
	t.sessionTH[id] = h
	t.mu.Unlock()
	return nil
}

// AppendSessionTH feeds bytes into session id's TH context (request,
// response, and TH1 signature bytes as KEY_EXCHANGE proceeds).
func (t *Transcripts) AppendSessionTH(id uint32, b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.sessionTH[id]; ok {
		h.Write(b)
	}
}

// SessionTH1 returns the TH1 digest: TH through the response signature,
// before the responder-verify HMAC is appended (§4.9).
func (t *Transcripts) SessionTH1(id uint32) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.sessionTH[id]; ok {
		return h.Sum()
	}
	return nil
}

// SessionTH2 returns TH after the FINISH request/response bytes have
// also been appended, used to derive application data keys.
func (t *Transcripts) SessionTH2(id uint32) []byte {
	return t.SessionTH1(id)
}

// DropSession discards session id's TH context (END_SESSION or a
// session-fatal error, §4.12).
func (t *Transcripts) DropSession(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessionTH, id)
}
