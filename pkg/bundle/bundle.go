// Package bundle implements prekey bundle issuance and the X3DH handshake
// that bootstraps a ratchet session from one.
//
// The handshake combines up to four X25519 agreements
// (identity x signed-prekey, ephemeral x identity, ephemeral x signed-prekey,
// ephemeral x one-time-prekey) and, for quantum and hybrid algorithms, an
// ML-KEM encapsulation against the responder's quantum identity key. All
// secrets and the transcript of public values are folded into the session's
// initial root key; both sides derive the same key or none at all.
package bundle

import (
	"context"

	"go.uber.org/zap"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/crypto"
	"github.com/ratchetmesh/ratchetmesh/pkg/keystore"
	"github.com/ratchetmesh/ratchetmesh/pkg/provider"
)

// Bundle is the public prekey material issued for one responder device.
type Bundle struct {
	DeviceID      string                  `json:"device_id"`
	Identity      *keystore.IdentityKey   `json:"identity"`
	SignedPrekey  *keystore.SignedPrekey  `json:"signed_prekey"`
	OneTimePrekey *keystore.OneTimePrekey `json:"one_time_prekey,omitempty"`
}

// Handshake is the initiator's first-contact material, delivered to the
// responder alongside the first envelope so it can derive the same root key.
type Handshake struct {
	Algorithm         algorithm.ID `json:"algorithm"`
	InitiatorDevice   string       `json:"initiator_device"`
	InitiatorIdentity []byte       `json:"initiator_identity"`
	EphemeralKey      []byte       `json:"ephemeral_key"`
	SignedPrekeyID    uint32       `json:"signed_prekey_id"`
	OneTimePrekeyID   uint32       `json:"one_time_prekey_id,omitempty"`
	KEMCiphertext     []byte       `json:"kem_ciphertext,omitempty"`
}

// Service issues bundles from the key material store and runs both sides of
// the handshake.
type Service struct {
	keys   *keystore.Store
	kem    provider.KEM
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithKEM routes quantum operations through the given provider instead of
// the in-process default.
func WithKEM(kem provider.KEM) Option {
	return func(s *Service) { s.kem = kem }
}

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a bundle service over keys.
func NewService(keys *keystore.Store, opts ...Option) *Service {
	s := &Service{
		keys:   keys,
		kem:    provider.NewLocal(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue builds a bundle for deviceID, consuming one one-time prekey and
// recording requesterID as its consumer. An exhausted pool degrades to a
// bundle without a one-time prekey rather than failing; the pool observer
// has already been notified so the device can replenish.
func (s *Service) Issue(ctx context.Context, deviceID, requesterID string) (*Bundle, error) {
	identity, err := s.keys.GetIdentity(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	spk, err := s.keys.ActiveSignedPrekey(ctx, deviceID)
	if err != nil {
		return nil, qerrors.NewProtocolError("issue-bundle", err)
	}

	b := &Bundle{
		DeviceID:     deviceID,
		Identity:     identity.Public(),
		SignedPrekey: spk.PublicRecord(),
	}

	otp, err := s.keys.ConsumeOneTimePrekey(ctx, deviceID, requesterID)
	switch {
	case err == nil:
		public := *otp
		public.Private = nil
		b.OneTimePrekey = &public
	case qerrors.Is(err, qerrors.ErrNoPrekeysAvailable):
		s.logger.Warn("issuing bundle without one-time prekey",
			zap.String("device_id", deviceID),
			zap.String("requester", requesterID),
		)
	default:
		return nil, err
	}

	return b, nil
}

// Initiate runs the initiator side of the handshake against a bundle under
// an already-negotiated algorithm, returning the handshake to send and the
// session's initial root key.
//
// For quantum and hybrid algorithms the responder's identity must carry a
// KEM public key; a declared-but-missing quantum key fails with
// ErrAlgorithmMismatch rather than silently downgrading.
func (s *Service) Initiate(ctx context.Context, local *keystore.IdentityKey, b *Bundle, alg algorithm.ID) (*Handshake, []byte, error) {
	if !crypto.Verify(b.Identity.SigningPublic, b.SignedPrekey.Public, b.SignedPrekey.Signature) {
		return nil, nil, qerrors.NewProtocolError("x3dh", qerrors.ErrInvalidSignature)
	}

	var kemCiphertext, kemSecret []byte
	if alg.UsesKEM() {
		if !b.Identity.HasQuantum() {
			return nil, nil, qerrors.NewProtocolError("x3dh", qerrors.ErrAlgorithmMismatch)
		}
		ct, ss, err := s.kem.Encapsulate(ctx, alg, b.Identity.QuantumPublic)
		if err != nil {
			if qerrors.Is(err, qerrors.ErrInvalidPublicKey) {
				// Wrong parameter set for the negotiated algorithm.
				return nil, nil, qerrors.NewProtocolError("x3dh", qerrors.ErrAlgorithmMismatch)
			}
			return nil, nil, err
		}
		kemCiphertext, kemSecret = ct, ss
	}

	ephemeral, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, nil, qerrors.NewProtocolError("x3dh", err)
	}
	defer ephemeral.Zeroize()

	dh1, err := crypto.X25519Bytes(local.ClassicalPrivate, b.SignedPrekey.Public)
	if err != nil {
		return nil, nil, qerrors.NewProtocolError("x3dh", err)
	}
	dh2, err := crypto.X25519Bytes(ephemeral.PrivateKeyBytes(), b.Identity.ClassicalPublic)
	if err != nil {
		return nil, nil, qerrors.NewProtocolError("x3dh", err)
	}
	dh3, err := crypto.X25519Bytes(ephemeral.PrivateKeyBytes(), b.SignedPrekey.Public)
	if err != nil {
		return nil, nil, qerrors.NewProtocolError("x3dh", err)
	}

	dhs := [][]byte{dh1, dh2, dh3}
	var otpPublic []byte
	var otpID uint32
	if b.OneTimePrekey != nil {
		dh4, err := crypto.X25519Bytes(ephemeral.PrivateKeyBytes(), b.OneTimePrekey.Public)
		if err != nil {
			return nil, nil, qerrors.NewProtocolError("x3dh", err)
		}
		dhs = append(dhs, dh4)
		otpPublic = b.OneTimePrekey.Public
		otpID = b.OneTimePrekey.KeyID
	}
	defer crypto.ZeroizeMultiple(dhs...)

	transcript := handshakeTranscript(
		local.ClassicalPublic,
		b.Identity.ClassicalPublic,
		ephemeral.PublicKeyBytes(),
		b.SignedPrekey.Public,
		otpPublic,
		kemCiphertext,
	)

	rootKey, err := crypto.CombineX3DH(dhs, kemSecret, transcript)
	if err != nil {
		return nil, nil, err
	}
	crypto.Zeroize(kemSecret)

	hs := &Handshake{
		Algorithm:         alg,
		InitiatorDevice:   local.DeviceID,
		InitiatorIdentity: local.ClassicalPublic,
		EphemeralKey:      ephemeral.PublicKeyBytes(),
		SignedPrekeyID:    b.SignedPrekey.KeyID,
		OneTimePrekeyID:   otpID,
		KEMCiphertext:     kemCiphertext,
	}
	return hs, rootKey, nil
}

// Respond runs the responder side: it mirrors the DH legs with the private
// halves from the key material store, decapsulates the KEM ciphertext when
// present, and returns the same root key the initiator derived.
func (s *Service) Respond(ctx context.Context, deviceID string, hs *Handshake) ([]byte, error) {
	identity, err := s.keys.GetIdentity(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	spk, err := s.keys.ActiveSignedPrekey(ctx, deviceID)
	if err != nil {
		return nil, qerrors.NewProtocolError("x3dh", err)
	}
	if spk.KeyID != hs.SignedPrekeyID {
		// The signed prekey rotated between issuance and first contact.
		return nil, qerrors.NewProtocolError("x3dh", qerrors.ErrInvalidState)
	}

	var kemSecret []byte
	if hs.Algorithm.UsesKEM() {
		if len(hs.KEMCiphertext) == 0 || !identity.HasQuantum() {
			return nil, qerrors.NewProtocolError("x3dh", qerrors.ErrAlgorithmMismatch)
		}
		ss, err := s.kem.Decapsulate(ctx, hs.Algorithm, identity.QuantumPrivate, hs.KEMCiphertext)
		if err != nil {
			return nil, err
		}
		kemSecret = ss
	} else if len(hs.KEMCiphertext) != 0 {
		return nil, qerrors.NewProtocolError("x3dh", qerrors.ErrAlgorithmMismatch)
	}

	dh1, err := crypto.X25519Bytes(spk.Private, hs.InitiatorIdentity)
	if err != nil {
		return nil, qerrors.NewProtocolError("x3dh", err)
	}
	dh2, err := crypto.X25519Bytes(identity.ClassicalPrivate, hs.EphemeralKey)
	if err != nil {
		return nil, qerrors.NewProtocolError("x3dh", err)
	}
	dh3, err := crypto.X25519Bytes(spk.Private, hs.EphemeralKey)
	if err != nil {
		return nil, qerrors.NewProtocolError("x3dh", err)
	}

	dhs := [][]byte{dh1, dh2, dh3}
	var otpPublic []byte
	if hs.OneTimePrekeyID != 0 {
		otp, err := s.lookupOneTimePrekey(ctx, deviceID, hs.OneTimePrekeyID)
		if err != nil {
			return nil, err
		}
		dh4, err := crypto.X25519Bytes(otp.Private, hs.EphemeralKey)
		if err != nil {
			return nil, qerrors.NewProtocolError("x3dh", err)
		}
		dhs = append(dhs, dh4)
		otpPublic = otp.Public
	}
	defer crypto.ZeroizeMultiple(dhs...)

	transcript := handshakeTranscript(
		hs.InitiatorIdentity,
		identity.ClassicalPublic,
		hs.EphemeralKey,
		spk.Public,
		otpPublic,
		hs.KEMCiphertext,
	)

	rootKey, err := crypto.CombineX3DH(dhs, kemSecret, transcript)
	if err != nil {
		return nil, err
	}
	crypto.Zeroize(kemSecret)
	return rootKey, nil
}

func (s *Service) lookupOneTimePrekey(ctx context.Context, deviceID string, keyID uint32) (*keystore.OneTimePrekey, error) {
	otp, err := s.keys.OneTimePrekey(ctx, deviceID, keyID)
	if err != nil {
		return nil, qerrors.NewProtocolError("x3dh", err)
	}
	return otp, nil
}

// handshakeTranscript binds every public value of the exchange, with fixed
// positions so absent components cannot be confused with present ones.
func handshakeTranscript(initiatorIdentity, responderIdentity, ephemeral, signedPrekey, oneTimePrekey, kemCiphertext []byte) []byte {
	return crypto.TranscriptHash(
		initiatorIdentity,
		responderIdentity,
		ephemeral,
		signedPrekey,
		oneTimePrekey,
		kemCiphertext,
	)
}
