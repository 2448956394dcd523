// Package crypto exposes the narrow capability surface this core uses
// to sign, hash, derive, and encrypt: Signer, Hasher, AEAD, and
// KeyExchange. The root-of-trust's own asymmetric and ML-DSA primitives
// live in the security core and are out of scope here (spec §1); these
// interfaces are the boundary package and dispatcher code call through,
// backed by stdlib/x-crypto implementations for the algorithms this
// core is allowed to run itself (P-384 ECDH/ECDSA, SHA-384, AES-GCM,
// ChaCha20-Poly1305).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HashAlgorithm names a negotiated SPDM hash algorithm (§4.9).
type HashAlgorithm int

const (
	HashSHA384 HashAlgorithm = iota
	HashSHA512
)

// Hasher is a restartable hash context, used for the transcript
// (VCA/M1/L1/TH) hash contexts in package spdm.
type Hasher interface {
	Write(p []byte) (int, error)
	Sum() []byte
	Reset()
	Size() int
}

type stdHasher struct{ h hash.Hash }

// NewHasher returns a Hasher for alg.
func NewHasher(alg HashAlgorithm) (Hasher, error) {
	switch alg {
	case HashSHA384:
		return &stdHasher{h: sha512.New384()}, nil
	case HashSHA512:
		return &stdHasher{h: sha512.New()}, nil
	default:
		return nil, errors.New("crypto: unsupported hash algorithm")
	}
}

func (s *stdHasher) Write(p []byte) (int, error) { return s.h.Write(p) }
func (s *stdHasher) Sum() []byte                  { return s.h.Sum(nil) }
func (s *stdHasher) Reset()                       { s.h.Reset() }
func (s *stdHasher) Size() int                    { return s.h.Size() }

// Signer produces and verifies signatures over a pre-computed digest.
// The security core holds the actual signing keys (IDevID/LDevID/FMC
// alias/RT alias); this core only verifies peer signatures and, where a
// local ECDSA keypair is used for session/debug-unlock purposes, signs
// with it directly via crypto/ecdsa.
type Signer interface {
	Sign(digest []byte) (sig []byte, err error)
	Verify(pub *ecdsa.PublicKey, digest, sig []byte) bool
}

type ecdsaSigner struct {
	priv *ecdsa.PrivateKey
}

// NewECDSASigner wraps a P-384 private key as a Signer.
func NewECDSASigner(priv *ecdsa.PrivateKey) Signer {
	return &ecdsaSigner{priv: priv}
}

func (s *ecdsaSigner) Sign(digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.priv, digest)
}

func (s *ecdsaSigner) Verify(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	return ecdsa.VerifyASN1(pub, digest, sig)
}

// KeyExchange performs the DHE portion of SPDM KEY_EXCHANGE (§4.12):
// ephemeral P-384 key generation and shared-secret computation.
type KeyExchange interface {
	// GenerateEphemeral returns this side's ephemeral public key to send
	// to the peer.
	GenerateEphemeral() (pub []byte, err error)
	// ComputeSharedSecret consumes the peer's ephemeral public key and
	// returns the raw DHE shared secret.
	ComputeSharedSecret(peerPub []byte) ([]byte, error)
}

type ecdhExchange struct {
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
}

// NewP384KeyExchange constructs a fresh ephemeral-key KeyExchange over
// NIST P-384, the curve SPDM's ECDHE-384 group maps to.
func NewP384KeyExchange() (KeyExchange, error) {
	curve := ecdh.P384()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ecdhExchange{curve: curve, priv: priv}, nil
}

func (e *ecdhExchange) GenerateEphemeral() ([]byte, error) {
	return e.priv.PublicKey().Bytes(), nil
}

func (e *ecdhExchange) ComputeSharedSecret(peerPub []byte) ([]byte, error) {
	pub, err := e.curve.NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// CipherSuite names a negotiated SPDM AEAD suite (§4.12).
type CipherSuite int

const (
	SuiteAESGCM256 CipherSuite = iota
	SuiteChaCha20Poly1305
)

// AEAD wraps a negotiated secure-message cipher. Sequence-number
// handling lives in package spdm/session.go; this interface only seals
// and opens a single record given an explicit nonce.
type AEAD interface {
	Seal(nonce, plaintext, additionalData []byte) []byte
	Open(nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewAEAD constructs an AEAD for the negotiated suite from a key
// derived by the session key schedule (DeriveSessionKeys).
func NewAEAD(suite CipherSuite, key []byte) (AEAD, error) {
	switch suite {
	case SuiteAESGCM256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, errors.New("crypto: unsupported cipher suite")
	}
}

// DeriveSessionKeys runs the SPDM HKDF-based key schedule (§4.12):
// HKDF-Extract(salt, ikm) then HKDF-Expand-Label-equivalent info strings
// to produce request/response direction keys and IVs plus the
// finished-key material, from the DHE shared secret and a transcript
// hash.
func DeriveSessionKeys(sharedSecret, transcriptHash []byte, keyLen, ivLen int) (reqKey, reqIV, rspKey, rspIV, reqFinishedKey, rspFinishedKey []byte, err error) {
	extract := hkdf.Extract(sha512.New384, sharedSecret, transcriptHash)

	read := func(info string, n int) ([]byte, error) {
		r := hkdf.Expand(sha512.New384, extract, []byte(info))
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	if reqKey, err = read("req key", keyLen); err != nil {
		return
	}
	if reqIV, err = read("req iv", ivLen); err != nil {
		return
	}
	if rspKey, err = read("rsp key", keyLen); err != nil {
		return
	}
	if rspIV, err = read("rsp iv", ivLen); err != nil {
		return
	}
	if reqFinishedKey, err = read("req finished", 48); err != nil {
		return
	}
	if rspFinishedKey, err = read("rsp finished", 48); err != nil {
		return
	}
	return
}

// P384 is exported so callers that need the raw curve (e.g. for
// generating a long-lived debug-unlock keypair) don't need a second
// import of crypto/elliptic.
var P384 = elliptic.P384
