package rom

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
)

// LifecycleState is one of the closed set of persistent lifecycle
// states observed through JTAG/OTP (§6).
type LifecycleState int

const (
	LCRaw LifecycleState = iota
	LCTestUnlocked0
	LCTestUnlocked1
	LCTestUnlocked2
	LCTestUnlocked3
	LCTestUnlocked4
	LCTestUnlocked5
	LCTestUnlocked6
	LCTestUnlocked7
	LCTestLocked0
	LCTestLocked1
	LCTestLocked2
	LCTestLocked3
	LCTestLocked4
	LCTestLocked5
	LCTestLocked6
	LCDev
	LCProd
	LCProdEnd
	LCRma
)

var ErrBadToken = errors.New("rom: lifecycle transition token invalid")

// Token is the hashed authorization value OTP compares a requested
// lifecycle transition against.
type Token [32]byte

// HashToken derives the OTP-stored comparison value for a raw shared
// secret, per §6 ("transitions require a hashed token").
func HashToken(secret []byte) Token {
	return Token(sha256.Sum256(secret))
}

// Transition names a requested lifecycle move, carrying the token the
// caller supplies for verification.
type Transition struct {
	From  LifecycleState
	To    LifecycleState
	Token Token
}

// DebugUnlockChallenge is the ProdDebugUnlock challenge/response payload
// named in §6: an ECC and an ML-DSA signature over the challenge, the
// requested debug level, and the corresponding public keys.
type DebugUnlockChallenge struct {
	Challenge []byte
	Level     uint8
	ECCPub    *ecdsa.PublicKey
	// MLDSAPub and the ML-DSA signature are carried as opaque bytes:
	// this core accesses post-quantum signing only through the
	// narrow capability surface of §1 and does not implement ML-DSA
	// itself.
	MLDSAPub []byte
}

// DebugUnlockResponse carries the two signatures of a ProdDebugUnlock
// response. VerifyDebugUnlock checks ECCSig against the SHA-256 digest of
// (challenge || level || MLDSAPub); ECCPub is not part of that message.
type DebugUnlockResponse struct {
	ECCSig   []byte // ASN.1 DER ECDSA signature
	MLDSASig []byte
}

// Lifecycle is the lifecycle-controller collaborator: it holds the
// persistent lifecycle state in OTP and gates transitions behind a
// hashed token (Raw->TestUnlocked0 uses a vendor-shared token) or, for
// ProdDebugUnlock, a dual ECDSA+ML-DSA challenge/response.
type Lifecycle interface {
	State() LifecycleState

	// RequestedTransition reports a transition requested via ROM
	// parameters for this boot, if any.
	RequestedTransition() (Transition, bool)

	// Apply verifies t.Token against the OTP-stored comparison value for
	// the (From, To) pair and, if it matches, commits the transition.
	Apply(t Transition) error
}

// VerifyDebugUnlock checks the ECDSA half of a ProdDebugUnlock response.
// MLDSASig is not checked, here or in package crypto, which has no ML-DSA
// operation.
func VerifyDebugUnlock(challenge DebugUnlockChallenge, resp DebugUnlockResponse, verifyECDSA func(pub *ecdsa.PublicKey, digest, sig []byte) bool) error {
	msg := new(bytes.Buffer)
	msg.Write(challenge.Challenge)
	msg.WriteByte(challenge.Level)
	msg.Write(challenge.MLDSAPub)

	digest := sha256.Sum256(msg.Bytes())

	if !verifyECDSA(challenge.ECCPub, digest[:], resp.ECCSig) {
		return ErrBadToken
	}

	return nil
}
