// envelope.go defines the wire format of ratchet messages.
//
// Layout, all integers big-endian:
//
//	version        uint8
//	algorithm      uint8
//	flags          uint8   (bit 0: KEM fields present)
//	ratchet key    32 bytes
//	prev counter   uint32
//	counter        uint32
//	kem public     uint16 length prefix + bytes   (flag bit 0)
//	kem ciphertext uint16 length prefix + bytes   (flag bit 0)
//	payload        uint32 length prefix + bytes
//
// Everything before the payload is the envelope header; the header is bound
// into the AEAD as associated data, so any header tampering fails
// authentication rather than redirecting the ratchet.
package ratchet

import (
	"encoding/binary"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

const flagHasKEM = 0x01

// Envelope is one encrypted message on the wire.
type Envelope struct {
	Version   uint8
	Algorithm algorithm.ID

	// RatchetKey is the sender's current X25519 ratchet public key. A value
	// unseen by the receiver triggers a ratchet step.
	RatchetKey []byte

	// PrevCounter is the length of the sender's previous sending chain,
	// letting the receiver derive any keys it skipped on that chain.
	PrevCounter uint32

	// Counter is the message's position in the current sending chain.
	Counter uint32

	// KEMPublicKey is the sender's fresh ratchet KEM public key; the
	// receiver encapsulates against it on its next ratchet step. Present
	// only for quantum and hybrid algorithms.
	KEMPublicKey []byte

	// KEMCiphertext is the encapsulation against the receiver's advertised
	// KEM key, mixed into the root key on the receiver's ratchet step.
	KEMCiphertext []byte

	// Payload is the AEAD-sealed plaintext (nonce || ciphertext || tag).
	Payload []byte
}

const envelopeFixedHeader = 3 + constants.X25519PublicKeySize + 8

// headerSize returns the serialized header length for this envelope.
func (e *Envelope) headerSize() int {
	n := envelopeFixedHeader
	if e.hasKEM() {
		n += 2 + len(e.KEMPublicKey) + 2 + len(e.KEMCiphertext)
	}
	return n
}

func (e *Envelope) hasKEM() bool {
	return len(e.KEMPublicKey) > 0 || len(e.KEMCiphertext) > 0
}

// Header serializes only the header portion, used as AEAD associated data.
func (e *Envelope) Header() []byte {
	buf := make([]byte, 0, e.headerSize())
	return e.appendHeader(buf)
}

func (e *Envelope) appendHeader(buf []byte) []byte {
	var flags uint8
	if e.hasKEM() {
		flags |= flagHasKEM
	}
	buf = append(buf, e.Version, uint8(e.Algorithm), flags)
	buf = append(buf, e.RatchetKey...)
	buf = binary.BigEndian.AppendUint32(buf, e.PrevCounter)
	buf = binary.BigEndian.AppendUint32(buf, e.Counter)
	if flags&flagHasKEM != 0 {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.KEMPublicKey)))
		buf = append(buf, e.KEMPublicKey...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.KEMCiphertext)))
		buf = append(buf, e.KEMCiphertext...)
	}
	return buf
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.RatchetKey) != constants.X25519PublicKeySize {
		return nil, qerrors.ErrInvalidEnvelope
	}
	if len(e.KEMPublicKey) > 0xFFFF || len(e.KEMCiphertext) > 0xFFFF {
		return nil, qerrors.ErrInvalidEnvelope
	}

	buf := make([]byte, 0, e.headerSize()+4+len(e.Payload))
	buf = e.appendHeader(buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)

	if len(buf) > constants.MaxEnvelopeSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	return buf, nil
}

// UnmarshalEnvelope parses an envelope, rejecting unknown versions and any
// truncation or trailing garbage.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	if len(data) > constants.MaxEnvelopeSize {
		return nil, qerrors.ErrMessageTooLarge
	}
	if len(data) < envelopeFixedHeader+4 {
		return nil, qerrors.ErrInvalidEnvelope
	}

	e := &Envelope{
		Version:   data[0],
		Algorithm: algorithm.ID(data[1]),
	}
	if e.Version < constants.MinEncryptionVersion || e.Version > constants.EncryptionVersion {
		return nil, qerrors.ErrUnsupportedVersion
	}
	if !e.Algorithm.Valid() {
		return nil, qerrors.ErrInvalidEnvelope
	}
	flags := data[2]
	if flags&^flagHasKEM != 0 {
		return nil, qerrors.ErrInvalidEnvelope
	}

	off := 3
	e.RatchetKey = append([]byte(nil), data[off:off+constants.X25519PublicKeySize]...)
	off += constants.X25519PublicKeySize
	e.PrevCounter = binary.BigEndian.Uint32(data[off:])
	e.Counter = binary.BigEndian.Uint32(data[off+4:])
	off += 8

	if flags&flagHasKEM != 0 {
		var err error
		if e.KEMPublicKey, off, err = readUint16Field(data, off); err != nil {
			return nil, err
		}
		if e.KEMCiphertext, off, err = readUint16Field(data, off); err != nil {
			return nil, err
		}
		if len(e.KEMPublicKey) == 0 && len(e.KEMCiphertext) == 0 {
			return nil, qerrors.ErrInvalidEnvelope
		}
	}

	if len(data)-off < 4 {
		return nil, qerrors.ErrInvalidEnvelope
	}
	payloadLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if uint32(len(data)-off) != payloadLen {
		return nil, qerrors.ErrInvalidEnvelope
	}
	e.Payload = append([]byte(nil), data[off:]...)
	return e, nil
}

func readUint16Field(data []byte, off int) ([]byte, int, error) {
	if len(data)-off < 2 {
		return nil, 0, qerrors.ErrInvalidEnvelope
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data)-off < n {
		return nil, 0, qerrors.ErrInvalidEnvelope
	}
	return append([]byte(nil), data[off:off+n]...), off + n, nil
}
