// Package engine wires the protocol components together and exposes the
// operations the surrounding messaging system calls: prekey bundle issuance,
// session establishment, encrypt/decrypt, multi-device key distribution and
// migration control.
//
// The engine holds no session state of its own. Sessions, keys and jobs live
// in the durable store and are reached through the identifiers the caller
// passes in.
package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/bundle"
	"github.com/ratchetmesh/ratchetmesh/pkg/directory"
	"github.com/ratchetmesh/ratchetmesh/pkg/keystore"
	"github.com/ratchetmesh/ratchetmesh/pkg/migration"
	"github.com/ratchetmesh/ratchetmesh/pkg/multidevice"
	"github.com/ratchetmesh/ratchetmesh/pkg/provider"
	"github.com/ratchetmesh/ratchetmesh/pkg/ratchet"
	"github.com/ratchetmesh/ratchetmesh/pkg/store"
)

// Config assembles the engine's external collaborators. Zero fields fall
// back to in-process implementations, which suit tests and single-node use.
type Config struct {
	// Store is the durable key/value store holding all protocol records.
	Store store.KV

	// Directory resolves devices to users, trust flags and capabilities.
	Directory directory.Directory

	// Provider performs ML-KEM operations. It is wrapped in a circuit
	// breaker unless it already is one.
	Provider provider.KEM

	// Preferences steers algorithm negotiation.
	Preferences *algorithm.Preferences

	Logger *zap.Logger
}

// Engine is the facade over the protocol components.
type Engine struct {
	kv      store.KV
	dir     directory.Directory
	keys    *keystore.Store
	bundles *bundle.Service
	dist    *multidevice.Distributor
	orch    *migration.Orchestrator
	breaker *provider.Breaker
	prefs   *algorithm.Preferences
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New wires an Engine from cfg.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var breaker *provider.Breaker
	if b, ok := cfg.Provider.(*provider.Breaker); ok {
		breaker = b
	} else {
		inner := cfg.Provider
		if inner == nil {
			inner = provider.NewLocal()
		}
		breaker = provider.NewBreaker(inner, provider.WithBreakerLogger(cfg.Logger))
	}

	keys := keystore.New(cfg.Store, keystore.WithLogger(cfg.Logger))
	e := &Engine{
		kv:      cfg.Store,
		dir:     cfg.Directory,
		keys:    keys,
		bundles: bundle.NewService(keys, bundle.WithKEM(breaker), bundle.WithLogger(cfg.Logger)),
		dist: multidevice.New(cfg.Store, cfg.Directory, keys,
			multidevice.WithKEM(breaker),
			multidevice.WithPreferences(cfg.Preferences),
			multidevice.WithLogger(cfg.Logger)),
		orch: migration.New(cfg.Store, cfg.Directory, keys,
			migration.WithKEM(breaker),
			migration.WithLogger(cfg.Logger)),
		breaker: breaker,
		prefs:   cfg.Preferences,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("ratchetmesh/engine"),
	}
	return e
}

// Keystore exposes the key material store for replenishment and pool
// status queries.
func (e *Engine) Keystore() *keystore.Store { return e.keys }

// Directory exposes the device directory.
func (e *Engine) Directory() directory.Directory { return e.dir }

// Distributor exposes the multi-device key distributor.
func (e *Engine) Distributor() *multidevice.Distributor { return e.dist }

// RegisterDevice records a device in the directory and generates its full
// key material: identity (with quantum keys when the capabilities include a
// quantum algorithm), signed prekey and an initial one-time prekey pool.
func (e *Engine) RegisterDevice(ctx context.Context, userID, deviceID string, trusted bool, capabilities []string) (*keystore.IdentityKey, error) {
	ctx, span := e.tracer.Start(ctx, "ratchetmesh.register_device",
		trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	quantum := strongestQuantum(capabilities)
	ident, err := e.keys.RegisterIdentity(ctx, userID, deviceID, quantum)
	if err != nil {
		return nil, err
	}
	if _, err := e.keys.RotateSignedPrekey(ctx, deviceID); err != nil {
		return nil, err
	}
	if _, err := e.keys.AddOneTimePrekeys(ctx, deviceID, constants.DefaultOneTimePrekeyBatch); err != nil {
		return nil, err
	}
	if err := e.dir.Register(ctx, &directory.Device{
		ID:             deviceID,
		UserID:         userID,
		Trusted:        trusted,
		Capabilities:   capabilities,
		RegistrationID: ident.RegistrationID,
	}); err != nil {
		return nil, err
	}
	return ident, nil
}

// IssuePrekeyBundle issues the bundle a remote initiator needs to open a
// session toward deviceID.
func (e *Engine) IssuePrekeyBundle(ctx context.Context, deviceID, requesterID string) (*bundle.Bundle, error) {
	ctx, span := e.tracer.Start(ctx, "ratchetmesh.issue_bundle",
		trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()
	return e.bundles.Issue(ctx, deviceID, requesterID)
}

// EstablishSession runs the initiator side: it negotiates an algorithm from
// both devices' capabilities, performs the handshake against the bundle and
// returns the live session plus the handshake to deliver alongside the
// first envelope.
func (e *Engine) EstablishSession(ctx context.Context, conversationID, localDevice string, b *bundle.Bundle) (*ratchet.Session, *bundle.Handshake, error) {
	ctx, span := e.tracer.Start(ctx, "ratchetmesh.establish_session",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("device.local", localDevice),
			attribute.String("device.remote", b.DeviceID)))
	defer span.End()

	alg, err := e.negotiateFor(ctx, localDevice, b.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	local, err := e.keys.GetIdentity(ctx, localDevice)
	if err != nil {
		return nil, nil, err
	}
	hs, rootKey, err := e.bundles.Initiate(ctx, local, b, alg)
	if err != nil {
		return nil, nil, err
	}

	session, err := ratchet.NewInitiator(ctx, ratchet.InitiatorConfig{
		ConversationID:   conversationID,
		LocalDevice:      localDevice,
		RemoteDevice:     b.DeviceID,
		Algorithm:        alg,
		RootKey:          rootKey,
		RemoteRatchetKey: b.SignedPrekey.Public,
		RemoteKEMPublic:  b.Identity.QuantumPublic,
		RemoteIdentity:   b.Identity.ClassicalPublic,
	}, ratchet.WithKEM(e.breaker), ratchet.WithLogger(e.logger))
	if err != nil {
		return nil, nil, err
	}
	return session, hs, nil
}

// AcceptSession runs the responder side against a received handshake and
// returns the live session.
func (e *Engine) AcceptSession(ctx context.Context, conversationID, localDevice string, hs *bundle.Handshake) (*ratchet.Session, error) {
	ctx, span := e.tracer.Start(ctx, "ratchetmesh.accept_session",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("device.local", localDevice)))
	defer span.End()

	rootKey, err := e.bundles.Respond(ctx, localDevice, hs)
	if err != nil {
		return nil, err
	}
	identity, err := e.keys.GetIdentity(ctx, localDevice)
	if err != nil {
		return nil, err
	}
	spk, err := e.keys.ActiveSignedPrekey(ctx, localDevice)
	if err != nil {
		return nil, err
	}

	return ratchet.NewResponder(ctx, ratchet.ResponderConfig{
		ConversationID: conversationID,
		LocalDevice:    localDevice,
		RemoteDevice:   hs.InitiatorDevice,
		Algorithm:      hs.Algorithm,
		RootKey:        rootKey,
		RatchetPrivate: spk.Private,
		RatchetPublic:  spk.Public,
		KEMPrivate:     identity.QuantumPrivate,
		KEMPublic:      identity.QuantumPublic,
		RemoteIdentity: hs.InitiatorIdentity,
	}, ratchet.WithKEM(e.breaker), ratchet.WithLogger(e.logger))
}

// Encrypt seals plaintext on the session.
func (e *Engine) Encrypt(ctx context.Context, s *ratchet.Session, plaintext []byte) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "ratchetmesh.encrypt",
		trace.WithAttributes(attribute.String("session.id", s.ID())))
	defer span.End()
	return s.Encrypt(ctx, plaintext)
}

// Decrypt opens an envelope on the session.
func (e *Engine) Decrypt(ctx context.Context, s *ratchet.Session, envelope []byte) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "ratchetmesh.decrypt",
		trace.WithAttributes(attribute.String("session.id", s.ID())))
	defer span.End()
	return s.Decrypt(ctx, envelope)
}

// SaveSession persists a session to the store.
func (e *Engine) SaveSession(ctx context.Context, s *ratchet.Session) error {
	return s.Save(ctx, e.kv)
}

// LoadSession restores a session by id.
func (e *Engine) LoadSession(ctx context.Context, sessionID string) (*ratchet.Session, error) {
	return ratchet.Load(ctx, e.kv, sessionID,
		ratchet.WithKEM(e.breaker), ratchet.WithLogger(e.logger))
}

// NegotiateAlgorithm resolves one algorithm from the capability sets.
func (e *Engine) NegotiateAlgorithm(capabilities [][]string, prefs *algorithm.Preferences) algorithm.ID {
	if prefs == nil {
		prefs = e.prefs
	}
	return algorithm.Negotiate(capabilities, prefs)
}

// SetupConversationEncryption fans a fresh content key out to the devices.
func (e *Engine) SetupConversationEncryption(ctx context.Context, conversationID string, deviceIDs []string, initiatingDevice string) (*multidevice.SetupResult, error) {
	return e.dist.SetupConversationEncryption(ctx, conversationID, deviceIDs, initiatingDevice)
}

// RotateConversationKey bumps the conversation key version.
func (e *Engine) RotateConversationKey(ctx context.Context, conversationID string, deviceIDs []string, initiatingDevice string) (*multidevice.SetupResult, error) {
	return e.dist.RotateConversationKey(ctx, conversationID, deviceIDs, initiatingDevice)
}

// InitiateKeyShare starts a key handoff between two devices.
func (e *Engine) InitiateKeyShare(ctx context.Context, conversationID, fromDevice, toDevice string, contentKey []byte) (*multidevice.DeviceKeyShare, error) {
	return e.dist.InitiateKeyShare(ctx, conversationID, fromDevice, toDevice, contentKey)
}

// AcceptKeyShare completes a key handoff.
func (e *Engine) AcceptKeyShare(ctx context.Context, shareID, deviceID string, contentKey []byte) (*multidevice.EncryptionKey, error) {
	return e.dist.AcceptKeyShare(ctx, shareID, deviceID, contentKey)
}

// RevokeDeviceAccess deactivates all of a device's conversation keys.
func (e *Engine) RevokeDeviceAccess(ctx context.Context, deviceID string) error {
	return e.dist.RevokeDeviceAccess(ctx, deviceID)
}

// StartMigration begins a bulk algorithm migration.
func (e *Engine) StartMigration(ctx context.Context, opts migration.StartOptions) (*migration.Job, error) {
	return e.orch.StartMigration(ctx, opts)
}

// CancelMigration stops a running migration at its next batch boundary.
func (e *Engine) CancelMigration(ctx context.Context, jobID, reason string) error {
	return e.orch.CancelMigration(ctx, jobID, reason)
}

// GetMigrationStatus returns a job's current record.
func (e *Engine) GetMigrationStatus(ctx context.Context, jobID string) (*migration.Job, error) {
	return e.orch.GetMigrationStatus(ctx, jobID)
}

// AssessMigrationReadiness surveys the population without mutating it.
func (e *Engine) AssessMigrationReadiness(ctx context.Context) (*migration.Readiness, error) {
	return e.orch.AssessMigrationReadiness(ctx)
}

// CheckCompatibility reports device support for a target algorithm.
func (e *Engine) CheckCompatibility(ctx context.Context, target algorithm.ID) (*migration.Compatibility, error) {
	return e.orch.CheckCompatibility(ctx, target)
}

// WaitForMigrations blocks until all running migration workers finish.
func (e *Engine) WaitForMigrations() { e.orch.Wait() }

// ResetBreaker forces the quantum provider circuit closed.
func (e *Engine) ResetBreaker() { e.breaker.Reset() }

// BreakerOpen reports whether the quantum provider circuit is rejecting
// calls.
func (e *Engine) BreakerOpen() bool { return e.breaker.Open() }

// negotiateFor negotiates between two devices' directory capabilities. A
// device missing from the directory contributes no capabilities, which
// degrades negotiation to the baseline rather than failing.
func (e *Engine) negotiateFor(ctx context.Context, deviceIDs ...string) (algorithm.ID, error) {
	capabilities := make([][]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		dev, err := e.dir.Get(ctx, id)
		if err != nil {
			if qerrors.Is(err, qerrors.ErrNotFound) {
				continue
			}
			return algorithm.Unknown, err
		}
		capabilities = append(capabilities, dev.Capabilities)
	}
	return algorithm.Negotiate(capabilities, e.prefs), nil
}

// strongestQuantum picks the highest-priority quantum algorithm among the
// advertised capabilities, or Unknown for classical-only devices.
func strongestQuantum(capabilities []string) algorithm.ID {
	best := algorithm.Unknown
	for _, token := range capabilities {
		id, ok := algorithm.Parse(token)
		if !ok || !id.UsesKEM() {
			continue
		}
		if best == algorithm.Unknown || higherPriority(id, best) {
			best = id
		}
	}
	return best
}

func higherPriority(a, b algorithm.ID) bool {
	for _, id := range algorithm.All() {
		if id == a {
			return true
		}
		if id == b {
			return false
		}
	}
	return false
}
