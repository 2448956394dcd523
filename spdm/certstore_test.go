package spdm

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/rotmcu/corefw/crypto"
)

func TestCertStoreProvisionAndChainHash(t *testing.T) {
	store := NewCertStore(crypto.HashSHA384)

	if store.IsProvisioned(0) {
		t.Fatal("slot 0 should start unprovisioned")
	}

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	root := []byte("root-der")
	leaf := []byte("leaf-der")

	if err := store.Provision(0, &Slot{Certs: [][]byte{root, leaf}, Signer: crypto.NewECDSASigner(priv)}); err != nil {
		t.Fatal(err)
	}
	if !store.IsProvisioned(0) {
		t.Fatal("slot 0 should be provisioned after Provision")
	}

	state, err := store.SlotState(0)
	if err != nil {
		t.Fatal(err)
	}
	if state.CertCount != 2 {
		t.Fatalf("CertCount = %d, want 2", state.CertCount)
	}

	h1, err := store.ComputeCertChainHash(0)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := store.ComputeCertChainHash(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h1, h2) {
		t.Fatal("ComputeCertChainHash not deterministic")
	}

	digest := make([]byte, 48)
	rand.Read(digest)
	sig, err := store.SignHash(0, digest)
	if err != nil {
		t.Fatal(err)
	}
	if !ecdsa.VerifyASN1(&priv.PublicKey, digest, sig) {
		t.Fatal("SignHash signature does not verify")
	}
}

func TestCertStoreOutOfRange(t *testing.T) {
	store := NewCertStore(crypto.HashSHA384)
	if _, err := store.SlotState(MaxSlots); err != ErrSlotOutOfRange {
		t.Fatalf("SlotState(%d) = %v, want ErrSlotOutOfRange", MaxSlots, err)
	}
	if _, err := store.SlotState(3); err != ErrSlotUnprovisioned {
		t.Fatalf("SlotState(3) = %v, want ErrSlotUnprovisioned", err)
	}
}
