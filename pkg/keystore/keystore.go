package keystore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/crypto"
	"github.com/ratchetmesh/ratchetmesh/pkg/store"
)

// Observer receives notifications about the one-time prekey pool. Callers
// use it to prompt devices to replenish before initiators start falling back
// to signed-prekey-only session establishment.
type Observer interface {
	// PrekeysLow fires after a consumption leaves the pool at or below the
	// low watermark.
	PrekeysLow(deviceID string, remaining int)

	// PrekeysExhausted fires when a consumption attempt finds the pool empty.
	PrekeysExhausted(deviceID string)
}

type nopObserver struct{}

func (nopObserver) PrekeysLow(string, int)  {}
func (nopObserver) PrekeysExhausted(string) {}

// Store manages identity keys, signed prekeys and the one-time prekey pool
// on top of the durable key/value store.
type Store struct {
	kv       store.KV
	observer Observer
	logger   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithObserver installs a pool observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a key material store backed by kv.
func New(kv store.KV, opts ...Option) *Store {
	s := &Store{
		kv:       kv,
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func identityKey(deviceID string) string { return "keystore/identity/" + deviceID }
func identityArchiveKey(deviceID, fingerprint string) string {
	return "keystore/identity-archive/" + deviceID + "/" + fingerprint
}
func signedPrekeyKey(deviceID string) string { return "keystore/spk/" + deviceID }
func oneTimePrekeyKey(deviceID string, keyID uint32) string {
	return fmt.Sprintf("keystore/otp/%s/%08d", deviceID, keyID)
}
func oneTimePrekeyPrefix(deviceID string) string { return "keystore/otp/" + deviceID + "/" }

// RegisterIdentity generates a complete identity for a device: X25519 for
// key agreement, Ed25519 for prekey signatures, RSA-4096 for the classical
// key wrap, and an ML-KEM key pair when quantumAlgorithm selects one. Any
// previously active identity is archived and deactivated.
func (s *Store) RegisterIdentity(ctx context.Context, userID, deviceID string, quantumAlgorithm algorithm.ID) (*IdentityKey, error) {
	classical, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, qerrors.NewProtocolError("register", err)
	}
	signing, err := crypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, qerrors.NewProtocolError("register", err)
	}
	wrap, err := crypto.GenerateRSAKeyPair()
	if err != nil {
		return nil, qerrors.NewProtocolError("register", err)
	}
	wrapPublic, err := crypto.RSAPublicKeyBytes(wrap.PublicKey)
	if err != nil {
		return nil, qerrors.NewProtocolError("register", err)
	}

	ik := &IdentityKey{
		DeviceID:         deviceID,
		UserID:           userID,
		RegistrationID:   newRegistrationID(),
		ClassicalPublic:  classical.PublicKeyBytes(),
		ClassicalPrivate: classical.PrivateKeyBytes(),
		SigningPublic:    signing.PublicKey,
		SigningPrivate:   signing.PrivateKey,
		WrapPublic:       wrapPublic,
		WrapPrivate:      crypto.RSAPrivateKeyBytes(wrap.PrivateKey),
		Fingerprint:      crypto.Fingerprint(classical.PublicKeyBytes()),
		Active:           true,
		CreatedAt:        time.Now().UTC(),
	}

	if scheme := quantumAlgorithm.Scheme(); scheme != nil {
		pub, priv, err := crypto.GenerateKEMKeyPair(scheme)
		if err != nil {
			return nil, qerrors.NewProtocolError("register", err)
		}
		ik.QuantumAlgorithm = quantumAlgorithm
		ik.QuantumPublic = pub
		ik.QuantumPrivate = priv
	}

	if err := s.archiveCurrentIdentity(ctx, deviceID); err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, identityKey(deviceID), ik); err != nil {
		return nil, err
	}

	s.logger.Info("identity registered",
		zap.String("device_id", deviceID),
		zap.String("user_id", userID),
		zap.String("algorithm", quantumAlgorithm.String()),
	)
	return ik, nil
}

func (s *Store) archiveCurrentIdentity(ctx context.Context, deviceID string) error {
	var old IdentityKey
	err := s.getJSON(ctx, identityKey(deviceID), &old)
	if qerrors.Is(err, qerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	old.Active = false
	return s.putJSON(ctx, identityArchiveKey(deviceID, crypto.FingerprintHex(old.ClassicalPublic)), &old)
}

// GetIdentity returns the device's active identity, or ErrIdentityNotFound.
func (s *Store) GetIdentity(ctx context.Context, deviceID string) (*IdentityKey, error) {
	var ik IdentityKey
	err := s.getJSON(ctx, identityKey(deviceID), &ik)
	if qerrors.Is(err, qerrors.ErrNotFound) {
		return nil, qerrors.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ik.Active {
		return nil, qerrors.ErrIdentityNotFound
	}
	return &ik, nil
}

// RotateSignedPrekey generates a fresh signed prekey, signs it with the
// identity signing key and atomically replaces the previous one. KeyID is
// monotonic per device.
func (s *Store) RotateSignedPrekey(ctx context.Context, deviceID string) (*SignedPrekey, error) {
	ik, err := s.GetIdentity(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	raw, rev, err := s.kv.Get(ctx, signedPrekeyKey(deviceID))
	var keyID uint32 = 1
	switch {
	case qerrors.Is(err, qerrors.ErrNotFound):
		rev = 0
	case err != nil:
		return nil, err
	default:
		var old SignedPrekey
		if err := json.Unmarshal(raw, &old); err != nil {
			return nil, qerrors.NewProtocolError("rotate-spk", err)
		}
		keyID = old.KeyID + 1
	}

	pair, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, qerrors.NewProtocolError("rotate-spk", err)
	}
	signature, err := crypto.Sign(ik.SigningPrivate, pair.PublicKeyBytes())
	if err != nil {
		return nil, qerrors.NewProtocolError("rotate-spk", err)
	}

	spk := &SignedPrekey{
		DeviceID:  deviceID,
		KeyID:     keyID,
		Public:    pair.PublicKeyBytes(),
		Private:   pair.PrivateKeyBytes(),
		Signature: signature,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if scheme := ik.QuantumAlgorithm.Scheme(); scheme != nil {
		pub, priv, err := crypto.GenerateKEMKeyPair(scheme)
		if err != nil {
			return nil, qerrors.NewProtocolError("rotate-spk", err)
		}
		spk.QuantumPublic = pub
		spk.QuantumPrivate = priv
	}

	value, err := json.Marshal(spk)
	if err != nil {
		return nil, qerrors.NewProtocolError("rotate-spk", err)
	}
	// CAS keeps "exactly one active signed prekey" under concurrent rotation.
	if _, err := s.kv.CompareAndSwap(ctx, signedPrekeyKey(deviceID), value, rev); err != nil {
		if qerrors.Is(err, qerrors.ErrConflict) {
			return nil, qerrors.ErrRotationInProgress
		}
		return nil, err
	}

	s.logger.Info("signed prekey rotated",
		zap.String("device_id", deviceID),
		zap.Uint32("key_id", keyID),
	)
	return spk, nil
}

// ActiveSignedPrekey returns the device's current signed prekey.
func (s *Store) ActiveSignedPrekey(ctx context.Context, deviceID string) (*SignedPrekey, error) {
	var spk SignedPrekey
	if err := s.getJSON(ctx, signedPrekeyKey(deviceID), &spk); err != nil {
		return nil, err
	}
	return &spk, nil
}

// AddOneTimePrekeys generates and stores a batch of one-time prekeys,
// continuing the device's key id sequence.
func (s *Store) AddOneTimePrekeys(ctx context.Context, deviceID string, count int) ([]*OneTimePrekey, error) {
	if count <= 0 {
		count = constants.DefaultOneTimePrekeyBatch
	}

	nextID, err := s.nextOneTimeKeyID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	out := make([]*OneTimePrekey, 0, count)
	for i := 0; i < count; i++ {
		pair, err := crypto.GenerateX25519KeyPair()
		if err != nil {
			return nil, qerrors.NewProtocolError("add-otp", err)
		}
		otp := &OneTimePrekey{
			DeviceID:  deviceID,
			KeyID:     nextID + uint32(i),
			Public:    pair.PublicKeyBytes(),
			Private:   pair.PrivateKeyBytes(),
			CreatedAt: time.Now().UTC(),
		}
		value, err := json.Marshal(otp)
		if err != nil {
			return nil, qerrors.NewProtocolError("add-otp", err)
		}
		if _, err := s.kv.CompareAndSwap(ctx, oneTimePrekeyKey(deviceID, otp.KeyID), value, 0); err != nil {
			return nil, err
		}
		out = append(out, otp)
	}

	s.logger.Info("one-time prekeys added",
		zap.String("device_id", deviceID),
		zap.Int("count", count),
	)
	return out, nil
}

func (s *Store) nextOneTimeKeyID(ctx context.Context, deviceID string) (uint32, error) {
	entries, err := s.kv.List(ctx, oneTimePrekeyPrefix(deviceID))
	if err != nil {
		return 0, err
	}
	var max uint32
	for _, e := range entries {
		var otp OneTimePrekey
		if err := json.Unmarshal(e.Value, &otp); err != nil {
			continue
		}
		if otp.KeyID > max {
			max = otp.KeyID
		}
	}
	return max + 1, nil
}

// ConsumeOneTimePrekey atomically marks one unused prekey as used by
// requesterID and returns it. Two concurrent callers never receive the same
// key: the used flag flips under compare-and-swap, and a loser moves on to
// the next candidate. Returns ErrNoPrekeysAvailable on an empty pool.
func (s *Store) ConsumeOneTimePrekey(ctx context.Context, deviceID, requesterID string) (*OneTimePrekey, error) {
	entries, err := s.kv.List(ctx, oneTimePrekeyPrefix(deviceID))
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	available := 0
	var consumed *OneTimePrekey
	for _, e := range entries {
		var otp OneTimePrekey
		if err := json.Unmarshal(e.Value, &otp); err != nil {
			continue
		}
		if otp.Used {
			continue
		}
		available++
		if consumed != nil {
			continue
		}

		otp.Used = true
		otp.UsedBy = requesterID
		value, err := json.Marshal(&otp)
		if err != nil {
			return nil, qerrors.NewProtocolError("consume-otp", err)
		}
		if _, err := s.kv.CompareAndSwap(ctx, e.Key, value, e.Revision); err != nil {
			if qerrors.Is(err, qerrors.ErrConflict) {
				// Lost the race for this key; it no longer counts as free.
				available--
				continue
			}
			return nil, err
		}
		consumed = &otp
	}

	if consumed == nil {
		s.observer.PrekeysExhausted(deviceID)
		s.logger.Warn("one-time prekey pool exhausted", zap.String("device_id", deviceID))
		return nil, qerrors.ErrNoPrekeysAvailable
	}

	remaining := available - 1
	if remaining <= constants.PrekeyLowWatermark {
		s.observer.PrekeysLow(deviceID, remaining)
	}
	return consumed, nil
}

// OneTimePrekey returns one prekey record, used or not, including its
// private half. The responder side of X3DH needs it after the initiator
// consumed the public half.
func (s *Store) OneTimePrekey(ctx context.Context, deviceID string, keyID uint32) (*OneTimePrekey, error) {
	var otp OneTimePrekey
	if err := s.getJSON(ctx, oneTimePrekeyKey(deviceID, keyID), &otp); err != nil {
		return nil, err
	}
	return &otp, nil
}

// PrekeyPoolStatus reports available and used counts for a device's pool.
func (s *Store) PrekeyPoolStatus(ctx context.Context, deviceID string) (*PoolStatus, error) {
	entries, err := s.kv.List(ctx, oneTimePrekeyPrefix(deviceID))
	if err != nil {
		return nil, err
	}
	status := &PoolStatus{DeviceID: deviceID}
	for _, e := range entries {
		var otp OneTimePrekey
		if err := json.Unmarshal(e.Value, &otp); err != nil {
			continue
		}
		if otp.Used {
			status.Used++
		} else {
			status.Available++
		}
	}
	return status, nil
}

// UpgradeIdentityQuantum attaches ML-KEM key material of the given parameter
// set to an existing identity, used when a device gains post-quantum support
// during migration. The classical keys and fingerprint are unchanged.
func (s *Store) UpgradeIdentityQuantum(ctx context.Context, deviceID string, quantumAlgorithm algorithm.ID) (*IdentityKey, error) {
	scheme := quantumAlgorithm.Scheme()
	if scheme == nil {
		return nil, qerrors.ErrAlgorithmMismatch
	}

	ik, err := s.GetIdentity(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	pub, priv, err := crypto.GenerateKEMKeyPair(scheme)
	if err != nil {
		return nil, qerrors.NewProtocolError("upgrade", err)
	}
	ik.QuantumAlgorithm = quantumAlgorithm
	ik.QuantumPublic = pub
	ik.QuantumPrivate = priv

	if err := s.putJSON(ctx, identityKey(deviceID), ik); err != nil {
		return nil, err
	}
	s.logger.Info("identity upgraded to quantum",
		zap.String("device_id", deviceID),
		zap.String("algorithm", quantumAlgorithm.String()),
	)
	return ik, nil
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) error {
	raw, _, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, key, raw)
	return err
}

// newRegistrationID returns a random id in [1, 0x3FFF]. Out-of-range values
// from older clients are normalized into this range at registration.
func newRegistrationID() uint32 {
	b := crypto.MustSecureRandomBytes(4)
	return binary.BigEndian.Uint32(b)%0x3FFF + 1
}
