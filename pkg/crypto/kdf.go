// kdf.go implements the key derivation functions of the engine.
//
// Two derivation families are used:
//
//   - SHAKE-256 (FIPS 202) with length-prefixed domain separation combines
//     heterogeneous secrets: the X3DH Diffie-Hellman outputs, the ML-KEM
//     shared secret and the handshake transcript hash are absorbed into one
//     sponge and the session root key is squeezed out. Length prefixes are
//     4-byte big-endian integers so the input encoding is unambiguous.
//
//   - HKDF-SHA256 (RFC 5869) drives the symmetric half of the double
//     ratchet: the root chain advances on every Diffie-Hellman/KEM step and
//     the message chains advance on every message. Separate info strings keep
//     the two chains independent.
//
// Security property of the combiner: if ANY of the absorbed secrets is
// indistinguishable from random, the output is too (random oracle model for
// SHAKE-256). This is what makes hybrid sessions no weaker than their
// strongest component.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// DeriveKeyMultiple derives a key from multiple inputs with domain separation.
//
// The construction:
//
//	output = SHAKE-256(
//	    len(domain) || domain || count || (len(input_i) || input_i)*,
//	    outputLen,
//	)
func DeriveKeyMultiple(domain string, inputs [][]byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > 1<<20 {
		return nil, qerrors.NewCryptoError("DeriveKeyMultiple", qerrors.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()
	lenBuf := make([]byte, 4)

	domainBytes := []byte(domain)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(domainBytes)))
	h.Write(lenBuf)
	h.Write(domainBytes)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(inputs)))
	h.Write(lenBuf)

	for _, input := range inputs {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(input)))
		h.Write(lenBuf)
		h.Write(input)
	}

	output := make([]byte, outputLen)
	_, _ = h.Read(output) // SHAKE256.Read never fails

	return output, nil
}

// TranscriptHash computes a SHA3-256 hash over the ordered public values of a
// key agreement. Binding the transcript into the combiner prevents
// man-in-the-middle substitution of any public component.
func TranscriptHash(components ...[]byte) []byte {
	h := sha3.New256()
	lenBuf := make([]byte, 4)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(components)))
	h.Write(lenBuf)

	for _, component := range components {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(component)))
		h.Write(lenBuf)
		h.Write(component)
	}

	return h.Sum(nil)
}

// CombineX3DH derives the initial session root key from the X3DH
// Diffie-Hellman outputs, an optional KEM shared secret (quantum and hybrid
// sessions) and the transcript hash.
//
// dhs carries DH1..DH3 and, when a one-time prekey was consumed, DH4.
// kemSecret is nil for classical sessions.
func CombineX3DH(dhs [][]byte, kemSecret, transcriptHash []byte) ([]byte, error) {
	if len(dhs) < 3 {
		return nil, qerrors.NewCryptoError("CombineX3DH", qerrors.ErrInvalidKeySize)
	}
	if len(transcriptHash) != constants.TranscriptHashSize {
		return nil, qerrors.NewCryptoError("CombineX3DH", qerrors.ErrInvalidKeySize)
	}

	inputs := make([][]byte, 0, len(dhs)+2)
	inputs = append(inputs, dhs...)
	if kemSecret != nil {
		inputs = append(inputs, kemSecret)
	}
	inputs = append(inputs, transcriptHash)

	return DeriveKeyMultiple(constants.DomainSeparatorX3DH, inputs, constants.KDFOutputSize)
}

// CombineHybrid folds a classical and a post-quantum shared secret into one
// key, bound to the transcript of the exchange that produced them.
func CombineHybrid(classicalSecret, quantumSecret, transcriptHash []byte) ([]byte, error) {
	if len(classicalSecret) == 0 || len(quantumSecret) == 0 {
		return nil, qerrors.NewCryptoError("CombineHybrid", qerrors.ErrInvalidKeySize)
	}
	return DeriveKeyMultiple(
		constants.DomainSeparatorHybrid,
		[][]byte{classicalSecret, quantumSecret, transcriptHash},
		constants.KDFOutputSize,
	)
}

// RootKDF advances the root chain: from the current root key and the fresh
// ratchet secret (DH output, optionally concatenated with a KEM secret) it
// derives the next root key and a new chain key, discarding the old material.
func RootKDF(rootKey, ratchetSecret []byte) (newRootKey, chainKey []byte, err error) {
	out := make([]byte, 2*constants.KDFOutputSize)
	r := hkdf.New(sha256.New, ratchetSecret, rootKey, []byte(constants.DomainSeparatorRoot))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, qerrors.NewCryptoError("RootKDF", err)
	}
	return out[:constants.KDFOutputSize], out[constants.KDFOutputSize:], nil
}

// ChainKDF advances a message chain: derives the next chain key and the
// message key for the current counter. The old chain key must be zeroized by
// the caller once the new one is persisted (forward secrecy).
func ChainKDF(chainKey []byte) (nextChainKey, messageKey []byte, err error) {
	if len(chainKey) != constants.KDFOutputSize {
		return nil, nil, qerrors.NewCryptoError("ChainKDF", qerrors.ErrInvalidKeySize)
	}
	out := make([]byte, 2*constants.KDFOutputSize)
	r := hkdf.New(sha256.New, []byte("chain-input"), chainKey, []byte(constants.DomainSeparatorChain))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, qerrors.NewCryptoError("ChainKDF", err)
	}
	return out[:constants.KDFOutputSize], out[constants.KDFOutputSize:], nil
}

// DeriveWrapKey derives the AEAD key protecting a wrapped conversation key
// from a KEM or hybrid shared secret.
func DeriveWrapKey(sharedSecret, transcriptHash []byte) ([]byte, error) {
	return DeriveKeyMultiple(
		constants.DomainSeparatorKeyWrap,
		[][]byte{sharedSecret, transcriptHash},
		constants.AEADKeySize,
	)
}
