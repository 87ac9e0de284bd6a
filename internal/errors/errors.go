// Package errors defines custom error types for the ratchetmesh encryption
// engine. These errors provide detailed information for debugging while
// maintaining security by not leaking sensitive information in error messages.
//
// Every failure mode a caller is expected to branch on is a sentinel; wrapper
// types add operation context without hiding the sentinel from errors.Is.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for key material operations
var (
	// ErrInvalidKeySize indicates that a key has an incorrect size
	ErrInvalidKeySize = errors.New("keys: invalid key size")

	// ErrInvalidPublicKey indicates that a public key is invalid
	ErrInvalidPublicKey = errors.New("keys: invalid public key")

	// ErrInvalidPrivateKey indicates that a private key is invalid
	ErrInvalidPrivateKey = errors.New("keys: invalid private key")

	// ErrInvalidCiphertext indicates that ciphertext is malformed or invalid
	ErrInvalidCiphertext = errors.New("keys: invalid ciphertext")

	// ErrInvalidSignature indicates a signed prekey signature did not verify
	ErrInvalidSignature = errors.New("keys: invalid prekey signature")

	// ErrIdentityNotFound indicates the device has no active identity key
	ErrIdentityNotFound = errors.New("keys: identity not found")

	// ErrNoPrekeysAvailable indicates the one-time prekey pool is exhausted.
	// Recoverable: session establishment falls back to signed-prekey-only
	// X3DH and the device should be prompted to replenish.
	ErrNoPrekeysAvailable = errors.New("keys: no one-time prekeys available")
)

// Sentinel errors for AEAD operations
var (
	// ErrAuthenticationFailed indicates AEAD authentication/decryption failed
	ErrAuthenticationFailed = errors.New("aead: authentication failed")

	// ErrInvalidNonce indicates the nonce size is incorrect
	ErrInvalidNonce = errors.New("aead: invalid nonce size")

	// ErrCiphertextTooShort indicates ciphertext is too short to be valid
	ErrCiphertextTooShort = errors.New("aead: ciphertext too short")
)

// Sentinel errors for protocol integrity. These are always rejected, never
// silently corrected.
var (
	// ErrReplayDetected indicates an envelope counter was already consumed
	ErrReplayDetected = errors.New("session: replay detected")

	// ErrUndecryptable indicates the message key for an envelope was dropped
	// from the skipped-key buffer and can never be recovered
	ErrUndecryptable = errors.New("session: message undecryptable")

	// ErrAlgorithmMismatch indicates declared algorithm capabilities do not
	// match the key material actually present
	ErrAlgorithmMismatch = errors.New("session: algorithm mismatch")

	// ErrOwnershipMismatch indicates a device tried to act on a key share
	// addressed to a different device
	ErrOwnershipMismatch = errors.New("device: key share ownership mismatch")

	// ErrSourceDeviceNotTrusted indicates a key share was initiated from an
	// untrusted device
	ErrSourceDeviceNotTrusted = errors.New("device: source device not trusted")

	// ErrKeyWrapFailed indicates the conversation key could not be wrapped
	// for any device
	ErrKeyWrapFailed = errors.New("device: key wrap failed for every device")

	// ErrUnsupportedVersion indicates an unsupported envelope version
	ErrUnsupportedVersion = errors.New("session: unsupported envelope version")

	// ErrInvalidEnvelope indicates an envelope is malformed
	ErrInvalidEnvelope = errors.New("session: invalid envelope")

	// ErrMessageTooLarge indicates plaintext exceeds the maximum size
	ErrMessageTooLarge = errors.New("session: message too large")
)

// Sentinel errors for session state
var (
	// ErrSessionNotFound indicates no session exists for the given id
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionInactive indicates the session was deactivated and must be
	// re-established
	ErrSessionInactive = errors.New("session: inactive")

	// ErrSessionCompromised indicates the session was marked compromised and
	// can never be reactivated
	ErrSessionCompromised = errors.New("session: compromised")

	// ErrRotationInProgress indicates a concurrent key rotation holds the
	// session; retryable
	ErrRotationInProgress = errors.New("session: key rotation in progress")

	// ErrInvalidState indicates an operation is not valid in the session's
	// current state
	ErrInvalidState = errors.New("session: invalid state")
)

// Sentinel errors for the durable store
var (
	// ErrNotFound indicates the key does not exist in the store
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a compare-and-swap lost against a concurrent
	// writer; retryable
	ErrConflict = errors.New("store: revision conflict")
)

// Sentinel errors for migration and the external quantum provider
var (
	// ErrJobNotFound indicates no migration job exists for the given id
	ErrJobNotFound = errors.New("migration: job not found")

	// ErrJobTerminal indicates the job already completed, failed or was
	// cancelled
	ErrJobTerminal = errors.New("migration: job already terminal")

	// ErrProviderCircuitOpen indicates the quantum provider breaker is open
	// and quantum-requiring operations are being rejected
	ErrProviderCircuitOpen = errors.New("provider: circuit open")

	// ErrProviderTimeout indicates a single provider call exceeded its bound
	ErrProviderTimeout = errors.New("provider: operation timed out")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with the session phase it occurred in
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "x3dh", "ratchet", "distribution")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// CircuitOpenError carries recovery guidance alongside ErrProviderCircuitOpen:
// when the breaker rejects a quantum operation the caller receives an
// estimated recovery time and a classical algorithm to fall back to.
type CircuitOpenError struct {
	RetryAfter time.Duration
	Fallback   string // suggested classical algorithm identifier
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("provider: circuit open, retry after %s (fallback %s)", e.RetryAfter, e.Fallback)
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrProviderCircuitOpen
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
