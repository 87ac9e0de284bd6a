package crypto

import (
	"bytes"
	"testing"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
)

func TestDeriveKeyMultipleDeterministic(t *testing.T) {
	inputs := [][]byte{[]byte("secret-a"), []byte("secret-b")}

	k1, err := DeriveKeyMultiple("test-domain", inputs, 32)
	if err != nil {
		t.Fatalf("DeriveKeyMultiple failed: %v", err)
	}
	k2, err := DeriveKeyMultiple("test-domain", inputs, 32)
	if err != nil {
		t.Fatalf("DeriveKeyMultiple failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same inputs produced different keys")
	}
}

func TestDeriveKeyMultipleDomainSeparation(t *testing.T) {
	inputs := [][]byte{[]byte("shared-secret")}

	k1, err := DeriveKeyMultiple("domain-one", inputs, 32)
	if err != nil {
		t.Fatalf("DeriveKeyMultiple failed: %v", err)
	}
	k2, err := DeriveKeyMultiple("domain-two", inputs, 32)
	if err != nil {
		t.Fatalf("DeriveKeyMultiple failed: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("different domains produced identical keys")
	}
}

func TestDeriveKeyMultipleBoundaryAmbiguity(t *testing.T) {
	// Length prefixes must make ("ab","c") and ("a","bc") distinct.
	k1, err := DeriveKeyMultiple("d", [][]byte{[]byte("ab"), []byte("c")}, 32)
	if err != nil {
		t.Fatalf("DeriveKeyMultiple failed: %v", err)
	}
	k2, err := DeriveKeyMultiple("d", [][]byte{[]byte("a"), []byte("bc")}, 32)
	if err != nil {
		t.Fatalf("DeriveKeyMultiple failed: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("input boundary shift produced identical keys")
	}
}

func TestTranscriptHashOrderSensitive(t *testing.T) {
	a, b := []byte("component-a"), []byte("component-b")

	h1 := TranscriptHash(a, b)
	h2 := TranscriptHash(b, a)
	if bytes.Equal(h1, h2) {
		t.Error("transcript hash is not order sensitive")
	}
	if len(h1) != constants.TranscriptHashSize {
		t.Errorf("transcript hash size = %d, want %d", len(h1), constants.TranscriptHashSize)
	}
}

func TestCombineX3DH(t *testing.T) {
	dh1 := bytes.Repeat([]byte{0x01}, 32)
	dh2 := bytes.Repeat([]byte{0x02}, 32)
	dh3 := bytes.Repeat([]byte{0x03}, 32)
	kemSecret := bytes.Repeat([]byte{0x04}, 32)
	transcript := TranscriptHash([]byte("pub-a"), []byte("pub-b"))

	classical, err := CombineX3DH([][]byte{dh1, dh2, dh3}, nil, transcript)
	if err != nil {
		t.Fatalf("CombineX3DH classical failed: %v", err)
	}
	quantum, err := CombineX3DH([][]byte{dh1, dh2, dh3}, kemSecret, transcript)
	if err != nil {
		t.Fatalf("CombineX3DH quantum failed: %v", err)
	}
	if bytes.Equal(classical, quantum) {
		t.Error("KEM secret did not change the derived root key")
	}

	// Fewer than three DH outputs is a protocol violation.
	if _, err := CombineX3DH([][]byte{dh1, dh2}, nil, transcript); err == nil {
		t.Error("CombineX3DH accepted two DH outputs")
	}
}

func TestCombineHybridRequiresBothSecrets(t *testing.T) {
	transcript := TranscriptHash([]byte("t"))
	secret := bytes.Repeat([]byte{0x05}, 32)

	if _, err := CombineHybrid(nil, secret, transcript); err == nil {
		t.Error("CombineHybrid accepted empty classical secret")
	}
	if _, err := CombineHybrid(secret, nil, transcript); err == nil {
		t.Error("CombineHybrid accepted empty quantum secret")
	}
	if _, err := CombineHybrid(secret, secret, transcript); err != nil {
		t.Errorf("CombineHybrid failed: %v", err)
	}
}

func TestRootKDFAdvances(t *testing.T) {
	root := bytes.Repeat([]byte{0x11}, constants.KDFOutputSize)
	secret := bytes.Repeat([]byte{0x22}, 32)

	newRoot, chain, err := RootKDF(root, secret)
	if err != nil {
		t.Fatalf("RootKDF failed: %v", err)
	}
	if bytes.Equal(newRoot, root) {
		t.Error("root key did not advance")
	}
	if bytes.Equal(newRoot, chain) {
		t.Error("root and chain halves are identical")
	}

	// A different ratchet secret must yield an unrelated root.
	otherRoot, _, err := RootKDF(root, bytes.Repeat([]byte{0x23}, 32))
	if err != nil {
		t.Fatalf("RootKDF failed: %v", err)
	}
	if bytes.Equal(newRoot, otherRoot) {
		t.Error("different ratchet secrets produced the same root")
	}
}

func TestChainKDFSequence(t *testing.T) {
	chain := bytes.Repeat([]byte{0x33}, constants.KDFOutputSize)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		next, msgKey, err := ChainKDF(chain)
		if err != nil {
			t.Fatalf("ChainKDF step %d failed: %v", i, err)
		}
		if seen[string(msgKey)] {
			t.Fatalf("message key repeated at step %d", i)
		}
		seen[string(msgKey)] = true
		chain = next
	}

	if _, _, err := ChainKDF([]byte("short")); err == nil {
		t.Error("ChainKDF accepted an undersized chain key")
	}
}
