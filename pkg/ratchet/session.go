// Package ratchet implements the double-ratchet session: a classical X25519
// ratchet, optionally augmented with an ML-KEM ratchet for quantum and
// hybrid algorithms.
//
// Each ratchet step mixes a fresh Diffie-Hellman output and, on quantum
// sessions, a fresh KEM shared secret into the root key. The sender
// advertises its current ratchet public key and a fresh KEM public key in
// every envelope header; the receiver encapsulates against that KEM key on
// its own next step, so both directions enjoy post-quantum forward secrecy
// without extra round trips.
package ratchet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/crypto"
	"github.com/ratchetmesh/ratchetmesh/pkg/provider"
	"github.com/ratchetmesh/ratchetmesh/pkg/store"
)

// Session is a live double-ratchet session. All methods are safe for
// concurrent use; key rotation additionally serializes against itself so a
// second concurrent rotation observes RotationInProgress instead of lost
// work.
type Session struct {
	mu       sync.Mutex
	rotateMu sync.Mutex

	state  *State
	kem    provider.KEM
	logger *zap.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithKEM routes the session's quantum operations through the given
// provider.
func WithKEM(kem provider.KEM) Option {
	return func(s *Session) { s.kem = kem }
}

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// InitiatorConfig seeds a session from the initiator side of a completed
// handshake.
type InitiatorConfig struct {
	ConversationID string
	LocalDevice    string
	RemoteDevice   string
	Algorithm      algorithm.ID

	// RootKey is the X3DH output.
	RootKey []byte

	// RemoteRatchetKey is the responder's signed prekey public key, its
	// initial ratchet key.
	RemoteRatchetKey []byte

	// RemoteKEMPublic is the responder's quantum identity key; required for
	// quantum and hybrid algorithms.
	RemoteKEMPublic []byte

	// RemoteIdentity is the responder's classical identity public key, kept
	// as a fingerprint for verification.
	RemoteIdentity []byte
}

// ResponderConfig seeds a session from the responder side.
type ResponderConfig struct {
	ConversationID string
	LocalDevice    string
	RemoteDevice   string
	Algorithm      algorithm.ID

	RootKey []byte

	// RatchetPrivate/RatchetPublic is the signed prekey pair the initiator
	// targeted; it serves as the responder's initial ratchet key.
	RatchetPrivate []byte
	RatchetPublic  []byte

	// KEMPrivate/KEMPublic is the quantum identity pair the initiator
	// encapsulated against.
	KEMPrivate []byte
	KEMPublic  []byte

	RemoteIdentity []byte
}

func newSession(opts []Option) *Session {
	s := &Session{
		kem:    provider.NewLocal(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInitiator creates the initiator's session and performs its first
// sending ratchet step, so it can encrypt immediately.
func NewInitiator(ctx context.Context, cfg InitiatorConfig, opts ...Option) (*Session, error) {
	s := newSession(opts)
	s.state = &State{
		SessionID:         hex.EncodeToString(crypto.MustSecureRandomBytes(constants.SessionIDSize)),
		ConversationID:    cfg.ConversationID,
		LocalDevice:       cfg.LocalDevice,
		RemoteDevice:      cfg.RemoteDevice,
		Algorithm:         cfg.Algorithm,
		RootKey:           cfg.RootKey,
		RemoteDHPublic:    cfg.RemoteRatchetKey,
		RemoteKEMPublic:   cfg.RemoteKEMPublic,
		RemoteFingerprint: crypto.Fingerprint(cfg.RemoteIdentity),
		Verification:      Unverified,
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}
	if cfg.Algorithm.UsesKEM() && len(cfg.RemoteKEMPublic) == 0 {
		return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrAlgorithmMismatch)
	}
	if err := s.sendRatchetStep(ctx, s.state); err != nil {
		return nil, err
	}
	return s, nil
}

// NewResponder creates the responder's session. It cannot encrypt until the
// initiator's first message arrives and supplies the peer's ratchet key.
func NewResponder(_ context.Context, cfg ResponderConfig, opts ...Option) (*Session, error) {
	if cfg.Algorithm.UsesKEM() && len(cfg.KEMPrivate) == 0 {
		return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrAlgorithmMismatch)
	}
	s := newSession(opts)
	s.state = &State{
		SessionID:         hex.EncodeToString(crypto.MustSecureRandomBytes(constants.SessionIDSize)),
		ConversationID:    cfg.ConversationID,
		LocalDevice:       cfg.LocalDevice,
		RemoteDevice:      cfg.RemoteDevice,
		Algorithm:         cfg.Algorithm,
		RootKey:           cfg.RootKey,
		DHPrivate:         cfg.RatchetPrivate,
		DHPublic:          cfg.RatchetPublic,
		KEMPrivate:        cfg.KEMPrivate,
		KEMPublic:         cfg.KEMPublic,
		RemoteFingerprint: crypto.Fingerprint(cfg.RemoteIdentity),
		Verification:      Unverified,
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}
	return s, nil
}

// sendRatchetStep replaces the local ratchet keys and derives a fresh
// sending chain from the peer's advertised keys.
func (s *Session) sendRatchetStep(ctx context.Context, st *State) error {
	if len(st.RemoteDHPublic) == 0 {
		return qerrors.NewProtocolError("ratchet", qerrors.ErrInvalidState)
	}

	pair, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return qerrors.NewProtocolError("ratchet", err)
	}
	dh, err := crypto.X25519Bytes(pair.PrivateKeyBytes(), st.RemoteDHPublic)
	if err != nil {
		return qerrors.NewProtocolError("ratchet", err)
	}

	secret := dh
	if st.Quantum() {
		if len(st.RemoteKEMPublic) == 0 {
			return qerrors.NewProtocolError("ratchet", qerrors.ErrAlgorithmMismatch)
		}
		ct, ss, err := s.kem.Encapsulate(ctx, st.Algorithm, st.RemoteKEMPublic)
		if err != nil {
			return err
		}
		kemPub, kemPriv, err := s.kem.GenerateKeyPair(ctx, st.Algorithm)
		if err != nil {
			return err
		}
		secret = append(secret, ss...)
		crypto.Zeroize(ss)
		crypto.Zeroize(st.KEMPrivate)
		st.KEMPublic = kemPub
		st.KEMPrivate = kemPriv
		st.PendingKEMCiphertext = ct
	}

	newRoot, chainKey, err := crypto.RootKDF(st.RootKey, secret)
	if err != nil {
		return err
	}
	crypto.ZeroizeMultiple(secret, st.RootKey, st.SendingChainKey, st.DHPrivate)

	st.PrevSendCounter = st.SendCounter
	st.SendCounter = 0
	st.DHPrivate = pair.PrivateKeyBytes()
	st.DHPublic = pair.PublicKeyBytes()
	st.RootKey = newRoot
	st.SendingChainKey = chainKey
	st.NeedSendStep = false
	return nil
}

// recvRatchetStep handles a peer ratchet key unseen so far: it closes out
// the current receiving chain, derives the new one, and immediately
// refreshes the sending side so the next outbound message rides a new chain.
func (s *Session) recvRatchetStep(ctx context.Context, st *State, env *Envelope) error {
	if st.ReceivingChainKey != nil {
		if err := skipMessageKeys(st, env.PrevCounter); err != nil {
			return err
		}
		st.retireChain(st.RemoteDHPublic, maxUint32(st.RecvCounter, env.PrevCounter))
	}

	dh, err := crypto.X25519Bytes(st.DHPrivate, env.RatchetKey)
	if err != nil {
		return qerrors.NewProtocolError("ratchet", err)
	}
	secret := dh
	if st.Quantum() {
		if len(env.KEMCiphertext) == 0 || len(env.KEMPublicKey) == 0 {
			return qerrors.NewProtocolError("ratchet", qerrors.ErrAlgorithmMismatch)
		}
		ss, err := s.kem.Decapsulate(ctx, st.Algorithm, st.KEMPrivate, env.KEMCiphertext)
		if err != nil {
			return err
		}
		secret = append(secret, ss...)
		crypto.Zeroize(ss)
	}

	newRoot, chainKey, err := crypto.RootKDF(st.RootKey, secret)
	if err != nil {
		return err
	}
	crypto.ZeroizeMultiple(secret, st.RootKey, st.ReceivingChainKey)

	st.RemoteDHPublic = env.RatchetKey
	st.RemoteKEMPublic = env.KEMPublicKey
	st.RootKey = newRoot
	st.ReceivingChainKey = chainKey
	st.RecvCounter = 0
	st.NeedSendStep = true
	return nil
}

// skipMessageKeys advances the receiving chain to bound, stashing the
// intermediate message keys for out-of-order delivery.
func skipMessageKeys(st *State, bound uint32) error {
	if bound <= st.RecvCounter {
		return nil
	}
	if bound-st.RecvCounter > constants.MaxSkipPerMessage {
		return qerrors.NewProtocolError("ratchet", qerrors.ErrUndecryptable)
	}
	for st.RecvCounter < bound {
		chainKey, messageKey, err := crypto.ChainKDF(st.ReceivingChainKey)
		if err != nil {
			return err
		}
		st.stashSkippedKey(st.RemoteDHPublic, st.RecvCounter, messageKey)
		crypto.Zeroize(st.ReceivingChainKey)
		st.ReceivingChainKey = chainKey
		st.RecvCounter++
	}
	return nil
}

// Encrypt seals plaintext into an envelope and advances the sending chain.
func (s *Session) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) > constants.MaxPlaintextSize {
		return nil, qerrors.ErrMessageTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.state.NeedSendStep {
		if err := s.sendRatchetStep(ctx, s.state); err != nil {
			return nil, err
		}
	}
	if s.state.SendingChainKey == nil {
		// Responder before first contact.
		return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrInvalidState)
	}

	chainKey, messageKey, err := crypto.ChainKDF(s.state.SendingChainKey)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Version:     constants.EncryptionVersion,
		Algorithm:   s.state.Algorithm,
		RatchetKey:  s.state.DHPublic,
		PrevCounter: s.state.PrevSendCounter,
		Counter:     s.state.SendCounter,
	}
	if s.state.Quantum() {
		env.KEMPublicKey = s.state.KEMPublic
		env.KEMCiphertext = s.state.PendingKEMCiphertext
	}

	payload, err := crypto.AEADSeal(messageKey, plaintext, env.Header())
	crypto.Zeroize(messageKey)
	if err != nil {
		return nil, err
	}
	env.Payload = payload

	wire, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	crypto.Zeroize(s.state.SendingChainKey)
	s.state.SendingChainKey = chainKey
	s.state.SendCounter++
	return wire, nil
}

// Decrypt opens an envelope, performing ratchet steps and skipped-key
// bookkeeping as needed. Replayed counters fail with ErrReplayDetected and
// leave the session state untouched; messages whose keys were dropped from
// the skipped-key buffer fail with ErrUndecryptable.
func (s *Session) Decrypt(ctx context.Context, wire []byte) ([]byte, error) {
	env, err := UnmarshalEnvelope(wire)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if env.Algorithm != s.state.Algorithm {
		return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrAlgorithmMismatch)
	}

	// Work on a copy; commit only after authentication succeeds, so failed
	// or replayed messages never mutate the ratchet.
	work, err := s.state.clone()
	if err != nil {
		return nil, err
	}

	messageKey, err := s.obtainMessageKey(ctx, work, env)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.AEADOpen(messageKey, env.Payload, env.Header())
	crypto.Zeroize(messageKey)
	if err != nil {
		return nil, err
	}

	s.state = work
	return plaintext, nil
}

func (s *Session) obtainMessageKey(ctx context.Context, st *State, env *Envelope) ([]byte, error) {
	sameChain := bytes.Equal(env.RatchetKey, st.RemoteDHPublic)

	if !sameChain {
		// A skipped key stashed before this chain was replaced.
		if key, ok := st.takeSkippedKey(env.RatchetKey, env.Counter); ok {
			return key, nil
		}
		if length, ok := st.retiredChainLength(env.RatchetKey); ok {
			if env.Counter < length && !st.evicted(env.RatchetKey, env.Counter) {
				return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrReplayDetected)
			}
			return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrUndecryptable)
		}
		if err := s.recvRatchetStep(ctx, st, env); err != nil {
			return nil, err
		}
	}

	if env.Counter < st.RecvCounter {
		if key, ok := st.takeSkippedKey(st.RemoteDHPublic, env.Counter); ok {
			return key, nil
		}
		if st.evicted(st.RemoteDHPublic, env.Counter) {
			return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrUndecryptable)
		}
		return nil, qerrors.NewProtocolError("ratchet", qerrors.ErrReplayDetected)
	}

	if err := skipMessageKeys(st, env.Counter); err != nil {
		return nil, err
	}
	chainKey, messageKey, err := crypto.ChainKDF(st.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	crypto.Zeroize(st.ReceivingChainKey)
	st.ReceivingChainKey = chainKey
	st.RecvCounter = env.Counter + 1
	return messageKey, nil
}

// RotateKeys schedules a fresh ratchet step on the sending side: the next
// Encrypt derives a new X25519 pair, a new KEM pair and encapsulation for
// quantum sessions, and a new root and sending chain. Deferring the step to
// the next send keeps the root chain linear: back-to-back rotations collapse
// into one step instead of stranding chains the peer can never derive. A
// concurrent rotation on the same session observes ErrRotationInProgress.
func (s *Session) RotateKeys(_ context.Context) error {
	if !s.rotateMu.TryLock() {
		return qerrors.ErrRotationInProgress
	}
	defer s.rotateMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if len(s.state.RemoteDHPublic) == 0 {
		return qerrors.NewProtocolError("ratchet", qerrors.ErrInvalidState)
	}
	s.state.NeedSendStep = true
	s.state.KeyRotationCount++
	s.state.LastRotation = time.Now().UTC()

	s.logger.Info("session keys rotated",
		zap.String("session_id", s.state.SessionID),
		zap.Int("rotation_count", s.state.KeyRotationCount),
	)
	return nil
}

// VerifyIdentity compares the stored fingerprint of the remote identity
// against an out-of-band confirmed value. A match marks the session
// verified; a mismatch is reported to the caller but does not by itself
// mark the session compromised.
func (s *Session) VerifyIdentity(confirmedFingerprint []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Verification == Compromised {
		return false, qerrors.ErrSessionCompromised
	}
	if !crypto.ConstantTimeCompare(s.state.RemoteFingerprint, confirmedFingerprint) {
		s.logger.Warn("identity verification failed",
			zap.String("session_id", s.state.SessionID),
			zap.String("remote_device", s.state.RemoteDevice),
		)
		return false, nil
	}
	s.state.Verification = Verified
	return true, nil
}

// MarkCompromised permanently invalidates the session. It never reactivates;
// the caller must establish a brand-new session.
func (s *Session) MarkCompromised() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Verification = Compromised
	s.state.Active = false
	s.logger.Warn("session marked compromised", zap.String("session_id", s.state.SessionID))
}

// Deactivate terminates the session. Unlike compromise this is a caller
// policy decision (such as prolonged inactivity).
func (s *Session) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Verification != Compromised {
		s.state.Active = false
	}
}

func (s *Session) usable() error {
	if s.state.Verification == Compromised {
		return qerrors.ErrSessionCompromised
	}
	if !s.state.Active {
		return qerrors.ErrSessionInactive
	}
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

// Algorithm returns the algorithm the session was negotiated under.
func (s *Session) Algorithm() algorithm.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Algorithm
}

// Snapshot returns a deep copy of the session state for inspection and
// persistence.
func (s *Session) Snapshot() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func sessionKey(id string) string { return "ratchet/session/" + id }

// Save persists the session state.
func (s *Session) Save(ctx context.Context, kv store.KV) error {
	st, err := s.Snapshot()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, sessionKey(st.SessionID), raw)
	return err
}

// Load restores a persisted session.
func Load(ctx context.Context, kv store.KV, sessionID string, opts ...Option) (*Session, error) {
	raw, _, err := kv.Get(ctx, sessionKey(sessionID))
	if qerrors.Is(err, qerrors.ErrNotFound) {
		return nil, qerrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	s := newSession(opts)
	s.state = &st
	return s, nil
}

func (st *State) clone() (*State, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
