// Package provider abstracts the quantum KEM operations behind an interface
// so deployments can route them to an external cryptographic provider (HSM,
// sidecar service) and protect callers with a circuit breaker when that
// provider degrades.
package provider

import (
	"context"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/crypto"
)

// KEM performs ML-KEM operations for a given algorithm. Implementations
// must honor context cancellation; callers bound every call with a timeout.
type KEM interface {
	GenerateKeyPair(ctx context.Context, alg algorithm.ID) (publicKey, privateKey []byte, err error)
	Encapsulate(ctx context.Context, alg algorithm.ID, publicKey []byte) (ciphertext, sharedSecret []byte, err error)
	Decapsulate(ctx context.Context, alg algorithm.ID, privateKey, ciphertext []byte) ([]byte, error)
}

// Local runs ML-KEM in-process. It is the default provider; the operations
// are fast enough that the timeout only matters under severe CPU starvation.
type Local struct{}

// NewLocal creates an in-process provider.
func NewLocal() *Local { return &Local{} }

// GenerateKeyPair implements KEM.
func (l *Local) GenerateKeyPair(ctx context.Context, alg algorithm.ID) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.ProviderTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, nil, qerrors.ErrProviderTimeout
	}
	scheme := alg.Scheme()
	if scheme == nil {
		return nil, nil, qerrors.ErrAlgorithmMismatch
	}
	return crypto.GenerateKEMKeyPair(scheme)
}

// Encapsulate implements KEM.
func (l *Local) Encapsulate(ctx context.Context, alg algorithm.ID, publicKey []byte) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.ProviderTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, nil, qerrors.ErrProviderTimeout
	}
	scheme := alg.Scheme()
	if scheme == nil {
		return nil, nil, qerrors.ErrAlgorithmMismatch
	}
	return crypto.KEMEncapsulate(scheme, publicKey)
}

// Decapsulate implements KEM.
func (l *Local) Decapsulate(ctx context.Context, alg algorithm.ID, privateKey, ciphertext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.ProviderTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, qerrors.ErrProviderTimeout
	}
	scheme := alg.Scheme()
	if scheme == nil {
		return nil, qerrors.ErrAlgorithmMismatch
	}
	return crypto.KEMDecapsulate(scheme, privateKey, ciphertext)
}
