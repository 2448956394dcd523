package spdm

import (
	"crypto/ecdsa"
	"errors"

	"github.com/rotmcu/corefw/crypto"
)

// MaxSlots is the closed slot-ID range, 0..7 inclusive (§4.10).
const MaxSlots = 8

var (
	ErrSlotOutOfRange  = errors.New("spdm: slot id out of range")
	ErrSlotUnprovisioned = errors.New("spdm: slot not provisioned")
)

// Slot holds one certificate-chain slot's DER-encoded certificates, the
// root always at index 0, plus the signer used for sign_hash.
type Slot struct {
	Certs       [][]byte // DER, root-first
	KeyPairID   uint8
	UsageMask   uint16
	Signer      crypto.Signer
	RootPub     *ecdsa.PublicKey
}

// CertStore is the sole holder of per-slot private key material,
// exposed only through SignHash (§4.10).
type CertStore struct {
	alg   crypto.HashAlgorithm
	slots [MaxSlots]*Slot
}

// NewCertStore constructs an empty store over alg (the negotiated hash
// algorithm used for chain digests).
func NewCertStore(alg crypto.HashAlgorithm) *CertStore {
	return &CertStore{alg: alg}
}

// Provision installs slot s at index idx.
func (c *CertStore) Provision(idx int, s *Slot) error {
	if idx < 0 || idx >= MaxSlots {
		return ErrSlotOutOfRange
	}
	c.slots[idx] = s
	return nil
}

// IsProvisioned reports whether idx holds a chain.
func (c *CertStore) IsProvisioned(idx int) bool {
	if idx < 0 || idx >= MaxSlots {
		return false
	}
	return c.slots[idx] != nil
}

// SlotState reports the slot's cert count, per-cert sizes, key-pair ID,
// and usage mask (§4.10).
type SlotState struct {
	CertCount int
	CertSizes []int
	KeyPairID uint8
	UsageMask uint16
}

// SlotState returns the provisioned state of idx.
func (c *CertStore) SlotState(idx int) (SlotState, error) {
	s, err := c.slot(idx)
	if err != nil {
		return SlotState{}, err
	}
	sizes := make([]int, len(s.Certs))
	for i, cert := range s.Certs {
		sizes[i] = len(cert)
	}
	return SlotState{CertCount: len(s.Certs), CertSizes: sizes, KeyPairID: s.KeyPairID, UsageMask: s.UsageMask}, nil
}

// CertDER returns the DER bytes of cert idx within slot's chain.
func (c *CertStore) CertDER(slot, idx int) ([]byte, error) {
	s, err := c.slot(slot)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(s.Certs) {
		return nil, ErrSlotOutOfRange
	}
	return s.Certs[idx], nil
}

// SignHash signs digest with slot's private key.
func (c *CertStore) SignHash(slot int, digest []byte) ([]byte, error) {
	s, err := c.slot(slot)
	if err != nil {
		return nil, err
	}
	return s.Signer.Sign(digest)
}

// ComputeCertChainHash streams every DER cert of slot's chain through a
// hash context in order, yielding the chain digest used in TH and
// GET_DIGESTS (§4.10).
func (c *CertStore) ComputeCertChainHash(slot int) ([]byte, error) {
	s, err := c.slot(slot)
	if err != nil {
		return nil, err
	}
	h, err := crypto.NewHasher(c.alg)
	if err != nil {
		return nil, err
	}
	for _, cert := range s.Certs {
		h.Write(cert)
	}
	return h.Sum(), nil
}

func (c *CertStore) slot(idx int) (*Slot, error) {
	if idx < 0 || idx >= MaxSlots {
		return nil, ErrSlotOutOfRange
	}
	s := c.slots[idx]
	if s == nil {
		return nil, ErrSlotUnprovisioned
	}
	return s, nil
}
