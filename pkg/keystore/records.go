// Package keystore persists long-term and medium-term key material: identity
// keys, signed prekeys and the one-time prekey pool.
//
// All records live in the durable key/value store as JSON. Mutations that
// must be linearizable (one-time prekey consumption, signed prekey rotation)
// go through compare-and-swap; everything else is single-writer per device.
package keystore

import (
	"time"

	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

// IdentityKey is the long-term key material of one device. At most one
// record per device is active; rotation writes a new record and archives the
// old one rather than mutating public material in place.
type IdentityKey struct {
	DeviceID       string `json:"device_id"`
	UserID         string `json:"user_id"`
	RegistrationID uint32 `json:"registration_id"`

	// ClassicalPublic is the X25519 identity key used in X3DH.
	ClassicalPublic  []byte `json:"classical_public"`
	ClassicalPrivate []byte `json:"classical_private,omitempty"`

	// SigningPublic is the Ed25519 key that signs prekeys.
	SigningPublic  []byte `json:"signing_public"`
	SigningPrivate []byte `json:"signing_private,omitempty"`

	// WrapPublic is the RSA-4096 public key (PKIX DER) for the classical
	// baseline key wrap.
	WrapPublic  []byte `json:"wrap_public"`
	WrapPrivate []byte `json:"wrap_private,omitempty"`

	// QuantumAlgorithm tags the ML-KEM parameter set of QuantumPublic;
	// algorithm.Unknown for classical-only identities.
	QuantumAlgorithm algorithm.ID `json:"quantum_algorithm"`
	QuantumPublic    []byte       `json:"quantum_public,omitempty"`
	QuantumPrivate   []byte       `json:"quantum_private,omitempty"`

	// Fingerprint is the SHA3-256 of ClassicalPublic; it survives quantum
	// upgrades so safety numbers stay stable.
	Fingerprint []byte `json:"fingerprint"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// HasQuantum reports whether the identity carries post-quantum key material.
func (ik *IdentityKey) HasQuantum() bool {
	return ik.QuantumAlgorithm.UsesKEM() && len(ik.QuantumPublic) > 0
}

// Public strips private material for inclusion in a prekey bundle.
func (ik *IdentityKey) Public() *IdentityKey {
	pub := *ik
	pub.ClassicalPrivate = nil
	pub.SigningPrivate = nil
	pub.WrapPrivate = nil
	pub.QuantumPrivate = nil
	return &pub
}

// SignedPrekey is the device's medium-term prekey, signed by the identity
// signing key. Exactly one is active per device; KeyID is monotonic.
type SignedPrekey struct {
	DeviceID string `json:"device_id"`
	KeyID    uint32 `json:"key_id"`

	Public  []byte `json:"public"`
	Private []byte `json:"private,omitempty"`

	// Signature is the Ed25519 signature over Public by the identity.
	Signature []byte `json:"signature"`

	// QuantumPublic mirrors the identity's KEM parameter set when present.
	QuantumPublic  []byte `json:"quantum_public,omitempty"`
	QuantumPrivate []byte `json:"quantum_private,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Public strips private material.
func (sp *SignedPrekey) PublicRecord() *SignedPrekey {
	pub := *sp
	pub.Private = nil
	pub.QuantumPrivate = nil
	return &pub
}

// OneTimePrekey is a single-use X3DH prekey. Once Used flips true it never
// reverts; consumption is a compare-and-swap so two concurrent initiators
// can never receive the same key.
type OneTimePrekey struct {
	DeviceID string `json:"device_id"`
	KeyID    uint32 `json:"key_id"`

	Public  []byte `json:"public"`
	Private []byte `json:"private,omitempty"`

	Used      bool      `json:"used"`
	UsedBy    string    `json:"used_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PoolStatus summarizes a device's one-time prekey pool.
type PoolStatus struct {
	DeviceID  string `json:"device_id"`
	Available int    `json:"available"`
	Used      int    `json:"used"`
}
