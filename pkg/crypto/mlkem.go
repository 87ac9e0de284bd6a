// mlkem.go wraps the ML-KEM key encapsulation mechanism family.
//
// ML-KEM (Module-Lattice-based Key-Encapsulation Mechanism) is standardized in
// NIST FIPS 203. Its security rests on the computational difficulty of the
// Module Learning With Errors (MLWE) problem over the polynomial ring
// R_q = Z_q[X]/(X^n + 1) with n = 256 and q = 3329; the module rank k selects
// the parameter set (k=2 for ML-KEM-512, k=3 for ML-KEM-768, k=4 for
// ML-KEM-1024).
//
// Unlike a single-parameter deployment, ratchetmesh must operate all three
// sets simultaneously during migration, so every operation here is generic
// over a circl kem.Scheme and works on encoded byte keys, which is the form
// key material takes in the durable store.
package crypto

import (
	"github.com/cloudflare/circl/kem"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// GenerateKEMKeyPair generates a key pair for the given scheme and returns the
// encoded public and private keys.
func GenerateKEMKeyPair(scheme kem.Scheme) (publicKey, privateKey []byte, err error) {
	if scheme == nil {
		return nil, nil, qerrors.ErrInvalidPublicKey
	}

	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("GenerateKEMKeyPair", err)
	}

	publicKey, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("GenerateKEMKeyPair", err)
	}
	privateKey, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("GenerateKEMKeyPair", err)
	}

	return publicKey, privateKey, nil
}

// DeriveKEMKeyPair deterministically derives a key pair from a seed of
// scheme.SeedSize() bytes. Used for key derivation from a master secret.
func DeriveKEMKeyPair(scheme kem.Scheme, seed []byte) (publicKey, privateKey []byte, err error) {
	if scheme == nil {
		return nil, nil, qerrors.ErrInvalidPublicKey
	}
	if len(seed) != scheme.SeedSize() {
		return nil, nil, qerrors.ErrInvalidKeySize
	}

	pk, sk := scheme.DeriveKeyPair(seed)

	publicKey, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("DeriveKEMKeyPair", err)
	}
	privateKey, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("DeriveKEMKeyPair", err)
	}

	return publicKey, privateKey, nil
}

// KEMEncapsulate performs key encapsulation against an encoded public key.
//
// The IND-CCA2 security of the returned shared secret comes from the
// Fujisaki-Okamoto transform inside ML-KEM; implicit rejection ensures
// decapsulation of a tampered ciphertext yields a uniformly random value
// rather than an error oracle.
//
// Returns the encapsulation ciphertext and the 32-byte shared secret.
func KEMEncapsulate(scheme kem.Scheme, publicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	if scheme == nil || len(publicKey) != scheme.PublicKeySize() {
		return nil, nil, qerrors.ErrInvalidPublicKey
	}

	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("KEMEncapsulate", err)
	}

	ciphertext, sharedSecret, err = scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("KEMEncapsulate", err)
	}

	return ciphertext, sharedSecret, nil
}

// KEMDecapsulate recovers the shared secret from an encapsulation ciphertext
// using the encoded private key.
func KEMDecapsulate(scheme kem.Scheme, privateKey, ciphertext []byte) ([]byte, error) {
	if scheme == nil || len(privateKey) != scheme.PrivateKeySize() {
		return nil, qerrors.ErrInvalidPrivateKey
	}
	if len(ciphertext) != scheme.CiphertextSize() {
		return nil, qerrors.ErrInvalidCiphertext
	}

	sk, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, qerrors.NewCryptoError("KEMDecapsulate", err)
	}

	sharedSecret, err := scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, qerrors.NewCryptoError("KEMDecapsulate", err)
	}

	return sharedSecret, nil
}
