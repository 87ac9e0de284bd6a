// rsa.go implements the RSA-4096-OAEP classical baseline.
//
// RSA-4096-OAEP is the only mandatory-to-implement algorithm: negotiation can
// always resolve to it, so every device carries a 4096-bit wrap key. It is
// used to wrap per-device conversation keys for devices with no post-quantum
// capability, and as the classical half of the hybrid combiner.
package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// RSAKeyPair represents an RSA-4096 key pair for OAEP key wrapping.
type RSAKeyPair struct {
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
}

// GenerateRSAKeyPair generates a new RSA-4096 key pair.
// Key generation at this size is expensive; callers generate once per device
// at registration, never per message.
func GenerateRSAKeyPair() (*RSAKeyPair, error) {
	key, err := rsa.GenerateKey(Reader, constants.RSAKeyBits)
	if err != nil {
		return nil, qerrors.NewCryptoError("RSAKeyPair.Generate", err)
	}
	return &RSAKeyPair{PublicKey: &key.PublicKey, PrivateKey: key}, nil
}

// RSAEncrypt wraps a short secret (at most a few hundred bytes) under the
// public key using OAEP with SHA-256.
func RSAEncrypt(publicKey *rsa.PublicKey, secret, label []byte) ([]byte, error) {
	if publicKey == nil {
		return nil, qerrors.ErrInvalidPublicKey
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), Reader, publicKey, secret, label)
	if err != nil {
		return nil, qerrors.NewCryptoError("RSAEncrypt", err)
	}
	return ct, nil
}

// RSADecrypt unwraps an OAEP ciphertext produced by RSAEncrypt.
func RSADecrypt(privateKey *rsa.PrivateKey, ciphertext, label []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, qerrors.ErrInvalidPrivateKey
	}
	if len(ciphertext) != constants.RSACiphertextSize {
		return nil, qerrors.ErrInvalidCiphertext
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), Reader, privateKey, ciphertext, label)
	if err != nil {
		return nil, qerrors.NewCryptoError("RSADecrypt", err)
	}
	return pt, nil
}

// RSAPublicKeyBytes encodes the public key as PKIX DER for storage.
func RSAPublicKeyBytes(publicKey *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, qerrors.NewCryptoError("RSAPublicKeyBytes", err)
	}
	return der, nil
}

// ParseRSAPublicKey decodes a PKIX DER public key.
func ParseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, qerrors.ErrInvalidPublicKey
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, qerrors.ErrInvalidPublicKey
	}
	return rsaPub, nil
}

// RSAPrivateKeyBytes encodes the private key as PKCS#1 DER for storage.
// Warning: Handle with care - this exposes the secret key material.
func RSAPrivateKeyBytes(privateKey *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(privateKey)
}

// ParseRSAPrivateKey decodes a PKCS#1 DER private key.
func ParseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, qerrors.ErrInvalidPrivateKey
	}
	return key, nil
}
