// Package constants defines security parameters and protocol constants for the
// ratchetmesh end-to-end encryption engine.
//
// The engine targets a staged classical-to-post-quantum transition: every
// constant that differs between ML-KEM parameter sets is carried per set, and
// the classical RSA-4096-OAEP baseline remains mandatory so that a device
// population at any point of the migration can always negotiate a common
// algorithm.
package constants

import "time"

// Protocol version and identification
const (
	// EncryptionVersion is the current envelope wire-format version. Old and
	// new envelopes coexist during migration; decoders accept any version up
	// to this one.
	EncryptionVersion uint8 = 2

	// MinEncryptionVersion is the oldest envelope version still decodable.
	MinEncryptionVersion uint8 = 1

	// ProtocolName is used for domain separation in key derivation.
	ProtocolName = "ratchetmesh-v2"
)

// ML-KEM Parameters (NIST FIPS 203)
const (
	// MLKEM512PublicKeySize is the size of an ML-KEM-512 encapsulation key.
	MLKEM512PublicKeySize = 800
	// MLKEM512CiphertextSize is the size of an ML-KEM-512 ciphertext.
	MLKEM512CiphertextSize = 768

	// MLKEM768PublicKeySize is the size of an ML-KEM-768 encapsulation key.
	MLKEM768PublicKeySize = 1184
	// MLKEM768CiphertextSize is the size of an ML-KEM-768 ciphertext.
	MLKEM768CiphertextSize = 1088

	// MLKEM1024PublicKeySize is the size of an ML-KEM-1024 encapsulation key.
	MLKEM1024PublicKeySize = 1568
	// MLKEM1024CiphertextSize is the size of an ML-KEM-1024 ciphertext.
	MLKEM1024CiphertextSize = 1568

	// MLKEMSharedSecretSize is the shared secret size for every ML-KEM set.
	MLKEMSharedSecretSize = 32
)

// X25519 Parameters (RFC 7748)
const (
	// X25519PublicKeySize is the size of an X25519 public key in bytes.
	X25519PublicKeySize = 32

	// X25519PrivateKeySize is the size of an X25519 private key in bytes.
	X25519PrivateKeySize = 32

	// X25519SharedSecretSize is the size of an X25519 shared secret in bytes.
	X25519SharedSecretSize = 32
)

// RSA-4096-OAEP Parameters (classical baseline)
const (
	// RSAKeyBits is the modulus size of the baseline wrap key.
	RSAKeyBits = 4096

	// RSACiphertextSize is the size of an RSA-4096-OAEP ciphertext in bytes.
	RSACiphertextSize = RSAKeyBits / 8
)

// Symmetric Encryption Parameters
const (
	// AEADKeySize is the size of AES-256 and ChaCha20 keys in bytes.
	AEADKeySize = 32

	// AEADNonceSize is the size of the AEAD nonce in bytes (96 bits).
	AEADNonceSize = 12

	// AEADTagSize is the size of the authentication tag in bytes.
	AEADTagSize = 16
)

// Key Derivation Parameters
const (
	// KDFOutputSize is the default output size for key derivation in bytes.
	KDFOutputSize = 32

	// FingerprintSize is the size of an identity fingerprint (SHA3-256).
	FingerprintSize = 32

	// TranscriptHashSize is the size of the key-agreement transcript hash.
	TranscriptHashSize = 32

	// DomainSeparatorX3DH binds the X3DH secret combination.
	DomainSeparatorX3DH = "ratchetmesh-x3dh-v2"

	// DomainSeparatorHybrid binds the classical+quantum secret combiner.
	DomainSeparatorHybrid = "ratchetmesh-hybrid-v2"

	// DomainSeparatorRoot labels root-chain derivation in the ratchet.
	DomainSeparatorRoot = "ratchetmesh-root"

	// DomainSeparatorChain labels message-chain derivation in the ratchet.
	DomainSeparatorChain = "ratchetmesh-chain"

	// DomainSeparatorKeyWrap labels per-device conversation key wrapping.
	DomainSeparatorKeyWrap = "ratchetmesh-keywrap-v2"
)

// Ratchet session parameters
const (
	// MaxSkippedKeys bounds the per-session buffer of derived-but-unconsumed
	// message keys held for out-of-order delivery. Keys beyond the bound are
	// dropped oldest-first and the messages become undecryptable.
	MaxSkippedKeys = 1000

	// MaxSkipPerMessage bounds how far a single message may jump ahead of the
	// receiving chain counter.
	MaxSkipPerMessage = 1000

	// MaxRetiredChains bounds how many exhausted receiving chains are
	// remembered for replay detection.
	MaxRetiredChains = 8

	// SessionIDSize is the size of session identifiers in bytes.
	SessionIDSize = 16
)

// Prekey pool parameters
const (
	// DefaultOneTimePrekeyBatch is the number of one-time prekeys uploaded per
	// replenishment.
	DefaultOneTimePrekeyBatch = 100

	// PrekeyLowWatermark is the pool size at which the exhaustion observer is
	// warned so the device can be prompted to replenish.
	PrekeyLowWatermark = 10
)

// Message size limits
const (
	// MaxPlaintextSize is the maximum plaintext accepted by a session.
	MaxPlaintextSize = 1 << 20

	// MaxEnvelopeSize is the maximum size of a serialized envelope.
	MaxEnvelopeSize = MaxPlaintextSize + 8192
)

// Circuit breaker defaults for the external quantum provider.
const (
	// BreakerFailureThreshold is the consecutive-failure count that opens the
	// breaker.
	BreakerFailureThreshold = 5

	// BreakerCooldown is how long the breaker stays open before a half-open
	// probe is admitted.
	BreakerCooldown = 30 * time.Second

	// BreakerWindow is the rolling window within which consecutive failures
	// are counted.
	BreakerWindow = time.Minute

	// ProviderTimeout bounds a single call to the quantum provider. Expiry
	// counts as a breaker failure.
	ProviderTimeout = 5 * time.Second
)

// Migration defaults
const (
	// DefaultMigrationBatchSize is the number of conversations migrated per
	// batch when the caller does not override it.
	DefaultMigrationBatchSize = 25

	// GradualBatchPause is the inter-batch pacing delay of the gradual
	// strategy.
	GradualBatchPause = 250 * time.Millisecond
)
