package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// AEADSeal encrypts plaintext with AES-256-GCM under key, authenticating
// additionalData. The output is nonce || ciphertext || tag so a single opaque
// blob can be stored or framed without extra bookkeeping.
func AEADSeal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, qerrors.NewCryptoError("AEADSeal", err)
	}

	nonce, err := SecureRandomBytes(constants.AEADNonceSize)
	if err != nil {
		return nil, qerrors.NewCryptoError("AEADSeal", err)
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+constants.AEADTagSize)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additionalData), nil
}

// AEADOpen reverses AEADSeal. Any modification of the blob or of
// additionalData yields ErrAuthenticationFailed; the error carries no detail
// about which check failed.
func AEADOpen(key, blob, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, qerrors.NewCryptoError("AEADOpen", err)
	}

	if len(blob) < constants.AEADNonceSize+constants.AEADTagSize {
		return nil, qerrors.NewCryptoError("AEADOpen", qerrors.ErrAuthenticationFailed)
	}

	nonce := blob[:constants.AEADNonceSize]
	ciphertext := blob[constants.AEADNonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		// Uniform failure; do not leak whether the tag or the AAD mismatched.
		return nil, qerrors.NewCryptoError("AEADOpen", qerrors.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != constants.AEADKeySize {
		return nil, qerrors.ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
