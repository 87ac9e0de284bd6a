// ed25519.go implements signing for prekey authentication.
//
// Every signed prekey is signed by the device's Ed25519 identity signing key
// so that a bundle consumer can verify the prekey was published by the device
// it claims to belong to, before performing any Diffie-Hellman against it.
package crypto

import (
	"crypto/ed25519"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// Ed25519KeyPair represents an identity signing key pair.
type Ed25519KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateEd25519KeyPair generates a new signing key pair.
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(Reader)
	if err != nil {
		return nil, qerrors.NewCryptoError("Ed25519KeyPair.Generate", err)
	}
	return &Ed25519KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign signs a message with the private key.
func Sign(privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, qerrors.ErrInvalidPrivateKey
	}
	return ed25519.Sign(privateKey, message), nil
}

// Verify reports whether signature is a valid signature of message by the
// holder of publicKey.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
