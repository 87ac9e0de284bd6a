package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

// breakerState is the classic three-state circuit breaker.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker wraps a KEM provider with a circuit breaker. After
// BreakerFailureThreshold consecutive failures inside BreakerWindow the
// circuit opens and calls fail fast with a CircuitOpenError carrying the
// estimated recovery time and the classical fallback algorithm. After
// BreakerCooldown one probe call is admitted; its outcome closes or reopens
// the circuit.
type Breaker struct {
	inner  KEM
	logger *zap.Logger

	threshold int
	cooldown  time.Duration
	window    time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger installs a structured logger.
func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = l }
}

// WithBreakerThreshold overrides the consecutive-failure threshold.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerCooldown overrides the open-state cooldown.
func WithBreakerCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.cooldown = d }
}

// WithBreakerClock overrides the time source (tests).
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker wraps inner with default thresholds.
func NewBreaker(inner KEM, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		inner:     inner,
		logger:    zap.NewNop(),
		threshold: constants.BreakerFailureThreshold,
		cooldown:  constants.BreakerCooldown,
		window:    constants.BreakerWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// admit decides whether a call may proceed. It returns a CircuitOpenError
// when the circuit is open and the cooldown has not elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed < b.cooldown {
		return &qerrors.CircuitOpenError{
			RetryAfter: b.cooldown - elapsed,
			Fallback:   algorithm.Baseline.String(),
		}
	}
	// Cooldown elapsed: admit one probe.
	b.state = stateHalfOpen
	b.logger.Info("quantum provider breaker half-open")
	return nil
}

// callerFault reports errors caused by the caller's input rather than by the
// provider. A malformed key or ciphertext says nothing about provider health
// and must not open the circuit for everyone else.
func callerFault(err error) bool {
	return qerrors.Is(err, qerrors.ErrAlgorithmMismatch) ||
		qerrors.Is(err, qerrors.ErrInvalidPublicKey) ||
		qerrors.Is(err, qerrors.ErrInvalidPrivateKey) ||
		qerrors.Is(err, qerrors.ErrInvalidCiphertext) ||
		qerrors.Is(err, qerrors.ErrInvalidKeySize)
}

func (b *Breaker) record(err error) {
	if err != nil && callerFault(err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != stateClosed {
			b.logger.Info("quantum provider breaker closed")
		}
		b.state = stateClosed
		b.failures = 0
		return
	}

	now := b.now()
	if b.state == stateHalfOpen {
		// Failed probe reopens immediately.
		b.state = stateOpen
		b.openedAt = now
		b.lastFailure = now
		b.logger.Warn("quantum provider probe failed, breaker reopened", zap.Error(err))
		return
	}

	if now.Sub(b.lastFailure) > b.window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = now
		b.logger.Warn("quantum provider breaker opened",
			zap.Int("consecutive_failures", b.failures),
			zap.Duration("cooldown", b.cooldown),
		)
	}
}

// GenerateKeyPair implements KEM.
func (b *Breaker) GenerateKeyPair(ctx context.Context, alg algorithm.ID) ([]byte, []byte, error) {
	if err := b.admit(); err != nil {
		return nil, nil, err
	}
	pub, priv, err := b.inner.GenerateKeyPair(ctx, alg)
	b.record(err)
	return pub, priv, err
}

// Encapsulate implements KEM.
func (b *Breaker) Encapsulate(ctx context.Context, alg algorithm.ID, publicKey []byte) ([]byte, []byte, error) {
	if err := b.admit(); err != nil {
		return nil, nil, err
	}
	ct, ss, err := b.inner.Encapsulate(ctx, alg, publicKey)
	b.record(err)
	return ct, ss, err
}

// Decapsulate implements KEM.
func (b *Breaker) Decapsulate(ctx context.Context, alg algorithm.ID, privateKey, ciphertext []byte) ([]byte, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}
	ss, err := b.inner.Decapsulate(ctx, alg, privateKey, ciphertext)
	b.record(err)
	return ss, err
}

// Open reports whether the circuit is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.cooldown
}

// Reset forces the circuit closed and clears the failure count, regardless
// of cooldown. Operators use it after confirming the provider has recovered.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateClosed {
		b.logger.Info("quantum provider breaker force-reset")
	}
	b.state = stateClosed
	b.failures = 0
}
