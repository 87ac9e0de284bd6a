package multidevice

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/crypto"
	"github.com/ratchetmesh/ratchetmesh/pkg/directory"
	"github.com/ratchetmesh/ratchetmesh/pkg/keystore"
	"github.com/ratchetmesh/ratchetmesh/pkg/provider"
	"github.com/ratchetmesh/ratchetmesh/pkg/store"
)

const casAttempts = 5

// Distributor creates and rotates per-device conversation keys and
// mediates device-to-device key shares.
type Distributor struct {
	kv     store.KV
	dir    directory.Directory
	keys   *keystore.Store
	kem    provider.KEM
	prefs  *algorithm.Preferences
	logger *zap.Logger
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithKEM routes KEM operations through the given provider.
func WithKEM(kem provider.KEM) Option {
	return func(d *Distributor) { d.kem = kem }
}

// WithPreferences sets the negotiation preference applied at setup.
func WithPreferences(prefs *algorithm.Preferences) Option {
	return func(d *Distributor) { d.prefs = prefs }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// New creates a Distributor over the given store, directory and keystore.
func New(kv store.KV, dir directory.Directory, keys *keystore.Store, opts ...Option) *Distributor {
	d := &Distributor{
		kv:     kv,
		dir:    dir,
		keys:   keys,
		kem:    provider.NewLocal(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func conversationKey(conversationID string) string {
	return "multidevice/conversation/" + conversationID
}

func encryptionKeyKey(conversationID, deviceID string, version uint32) string {
	return fmt.Sprintf("multidevice/key/%s/%s/v%08d", conversationID, deviceID, version)
}

func deviceKeyPrefix(conversationID, deviceID string) string {
	return fmt.Sprintf("multidevice/key/%s/%s/", conversationID, deviceID)
}

func shareKey(shareID string) string {
	return "multidevice/share/" + shareID
}

// SetupConversationEncryption negotiates one algorithm across the devices'
// capability sets and creates one wrapped EncryptionKey per trusted device.
// A single device's failure lands in FailedKeys and does not abort the
// others.
func (d *Distributor) SetupConversationEncryption(ctx context.Context, conversationID string, deviceIDs []string, initiatingDevice string) (*SetupResult, error) {
	initiator, err := d.dir.Get(ctx, initiatingDevice)
	if err != nil {
		return nil, err
	}
	if !initiator.Trusted {
		return nil, qerrors.ErrSourceDeviceNotTrusted
	}

	devices, failures := d.resolveDevices(ctx, deviceIDs)

	capabilities := make([][]string, 0, len(devices))
	for _, dev := range devices {
		capabilities = append(capabilities, dev.Capabilities)
	}
	alg := algorithm.Negotiate(capabilities, d.prefs)

	state, err := d.advanceVersion(ctx, conversationID, alg)
	if err != nil {
		return nil, err
	}

	contentKey, err := crypto.SecureRandomBytes(constants.AEADKeySize)
	if err != nil {
		return nil, err
	}

	result := &SetupResult{
		Algorithm:  alg,
		Version:    state.KeyVersion,
		FailedKeys: failures,
		ContentKey: contentKey,
	}
	for _, dev := range devices {
		key, err := d.createDeviceKey(ctx, conversationID, dev.ID, state.KeyVersion, alg, contentKey)
		if err != nil {
			d.logger.Warn("device key creation failed",
				zap.String("conversation", conversationID),
				zap.String("device", dev.ID),
				zap.Error(err))
			result.FailedKeys = append(result.FailedKeys, KeyFailure{DeviceID: dev.ID, Reason: err.Error()})
			continue
		}
		result.CreatedKeys = append(result.CreatedKeys, key)
	}

	d.logger.Info("conversation encryption set up",
		zap.String("conversation", conversationID),
		zap.String("algorithm", alg.String()),
		zap.Uint32("version", state.KeyVersion),
		zap.Int("created", len(result.CreatedKeys)),
		zap.Int("failed", len(result.FailedKeys)))
	return result, nil
}

// RotateConversationKey bumps the conversation key version and re-runs
// setup. Each device's new-version key is created before its prior versions
// are deactivated, so no device is ever left without an active key by the
// rotation itself.
func (d *Distributor) RotateConversationKey(ctx context.Context, conversationID string, deviceIDs []string, initiatingDevice string) (*SetupResult, error) {
	if _, _, err := d.conversationState(ctx, conversationID); err != nil {
		return nil, err
	}
	return d.SetupConversationEncryption(ctx, conversationID, deviceIDs, initiatingDevice)
}

// InitiateKeyShare wraps contentKey for toDevice and records a pending
// share. Only trusted devices may originate shares.
func (d *Distributor) InitiateKeyShare(ctx context.Context, conversationID, fromDevice, toDevice string, contentKey []byte) (*DeviceKeyShare, error) {
	from, err := d.dir.Get(ctx, fromDevice)
	if err != nil {
		return nil, err
	}
	if !from.Trusted {
		return nil, qerrors.ErrSourceDeviceNotTrusted
	}
	if _, err := d.dir.Get(ctx, toDevice); err != nil {
		return nil, err
	}

	state, _, err := d.conversationState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ident, err := d.keys.GetIdentity(ctx, toDevice)
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapContentKey(ctx, d.kem, ident, state.Algorithm, contentKey, conversationID)
	if err != nil {
		return nil, err
	}

	share := &DeviceKeyShare{
		ID:             newShareID(),
		ConversationID: conversationID,
		FromDevice:     fromDevice,
		ToDevice:       toDevice,
		Algorithm:      state.Algorithm,
		WrappedKey:     wrapped,
		Status:         SharePending,
		CreatedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(share)
	if err != nil {
		return nil, err
	}
	if _, err := d.kv.CompareAndSwap(ctx, shareKey(share.ID), raw, 0); err != nil {
		return nil, err
	}

	d.logger.Info("key share initiated",
		zap.String("share", share.ID),
		zap.String("from", fromDevice),
		zap.String("to", toDevice))
	return share, nil
}

// GetKeyShare returns a share by id.
func (d *Distributor) GetKeyShare(ctx context.Context, shareID string) (*DeviceKeyShare, error) {
	share, _, err := d.loadShare(ctx, shareID)
	return share, err
}

// AcceptKeyShare marks a pending share accepted and activates an
// EncryptionKey for the accepting device. The accepting device supplies the
// content key it recovered from the share's wrapped blob.
func (d *Distributor) AcceptKeyShare(ctx context.Context, shareID, deviceID string, contentKey []byte) (*EncryptionKey, error) {
	share, rev, err := d.loadShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share.ToDevice != deviceID {
		return nil, qerrors.ErrOwnershipMismatch
	}
	if share.Status != SharePending {
		return nil, qerrors.ErrInvalidState
	}

	state, _, err := d.conversationState(ctx, share.ConversationID)
	if err != nil {
		return nil, err
	}

	// The device key is created before the share is consumed, so a failed
	// wrap leaves the share pending and the accept retryable.
	key, err := d.createDeviceKey(ctx, share.ConversationID, deviceID, state.KeyVersion, state.Algorithm, contentKey)
	if err != nil {
		return nil, err
	}

	share.Status = ShareAccepted
	share.AcceptedAt = time.Now().UTC()
	raw, err := json.Marshal(share)
	if err != nil {
		return nil, err
	}
	if _, err := d.kv.CompareAndSwap(ctx, shareKey(shareID), raw, rev); err != nil {
		return nil, err
	}

	d.logger.Info("key share accepted",
		zap.String("share", shareID),
		zap.String("device", deviceID))
	return key, nil
}

// UnwrapKeyShare recovers the content key from a share using the accepting
// device's private key material.
func (d *Distributor) UnwrapKeyShare(ctx context.Context, share *DeviceKeyShare, ident *keystore.IdentityKey) ([]byte, error) {
	return unwrapContentKey(ctx, d.kem, ident, share.Algorithm, share.WrappedKey, share.ConversationID)
}

// RevokeDeviceAccess deactivates every EncryptionKey held by the device
// across all conversations. Revoking a device with no keys is not an error.
func (d *Distributor) RevokeDeviceAccess(ctx context.Context, deviceID string) error {
	entries, err := d.kv.List(ctx, "multidevice/key/")
	if err != nil {
		return err
	}
	revoked := 0
	for _, entry := range entries {
		parts := strings.Split(entry.Key, "/")
		if len(parts) != 5 || parts[3] != deviceID {
			continue
		}
		var key EncryptionKey
		if err := json.Unmarshal(entry.Value, &key); err != nil {
			return err
		}
		if !key.Active {
			continue
		}
		key.Active = false
		raw, err := json.Marshal(&key)
		if err != nil {
			return err
		}
		if _, err := d.kv.CompareAndSwap(ctx, entry.Key, raw, entry.Revision); err != nil {
			if qerrors.Is(err, qerrors.ErrConflict) {
				// Lost a race with a concurrent rotation; the entry will be
				// re-read on the next revoke attempt.
				continue
			}
			return err
		}
		revoked++
	}
	d.logger.Info("device access revoked",
		zap.String("device", deviceID),
		zap.Int("keys", revoked))
	return nil
}

// ActiveKey returns the device's current active key for a conversation, or
// ErrNotFound.
func (d *Distributor) ActiveKey(ctx context.Context, conversationID, deviceID string) (*EncryptionKey, error) {
	entries, err := d.kv.List(ctx, deviceKeyPrefix(conversationID, deviceID))
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key > entries[j].Key })
	for _, entry := range entries {
		var key EncryptionKey
		if err := json.Unmarshal(entry.Value, &key); err != nil {
			return nil, err
		}
		if key.Active {
			return &key, nil
		}
	}
	return nil, qerrors.ErrNotFound
}

// Conversation returns the conversation's negotiated algorithm and key
// version, or ErrNotFound before first setup.
func (d *Distributor) Conversation(ctx context.Context, conversationID string) (*ConversationState, error) {
	state, _, err := d.conversationState(ctx, conversationID)
	return state, err
}

func (d *Distributor) conversationState(ctx context.Context, conversationID string) (*ConversationState, int64, error) {
	raw, rev, err := d.kv.Get(ctx, conversationKey(conversationID))
	if err != nil {
		return nil, 0, err
	}
	var state ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, 0, err
	}
	return &state, rev, nil
}

// advanceVersion claims the next key version for the conversation via
// compare-and-swap, creating the state record on first setup.
func (d *Distributor) advanceVersion(ctx context.Context, conversationID string, alg algorithm.ID) (*ConversationState, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, rev, err := d.conversationState(ctx, conversationID)
		switch {
		case qerrors.Is(err, qerrors.ErrNotFound):
			state = &ConversationState{ConversationID: conversationID}
			rev = 0
		case err != nil:
			return nil, err
		}

		state.Algorithm = alg
		state.KeyVersion++
		state.UpdatedAt = time.Now().UTC()

		raw, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		_, err = d.kv.CompareAndSwap(ctx, conversationKey(conversationID), raw, rev)
		if qerrors.Is(err, qerrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return state, nil
	}
	return nil, qerrors.ErrConflict
}

// createDeviceKey wraps the content key for one device, stores the
// new-version record, then deactivates that device's prior versions.
func (d *Distributor) createDeviceKey(ctx context.Context, conversationID, deviceID string, version uint32, alg algorithm.ID, contentKey []byte) (*EncryptionKey, error) {
	ident, err := d.keys.GetIdentity(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapContentKey(ctx, d.kem, ident, alg, contentKey, conversationID)
	if err != nil {
		return nil, err
	}

	key := &EncryptionKey{
		ConversationID: conversationID,
		DeviceID:       deviceID,
		Version:        version,
		Algorithm:      alg,
		WrappedKey:     wrapped,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	if _, err := d.kv.CompareAndSwap(ctx, encryptionKeyKey(conversationID, deviceID, version), raw, 0); err != nil {
		return nil, err
	}

	if err := d.deactivatePriorVersions(ctx, conversationID, deviceID, version); err != nil {
		return nil, err
	}
	return key, nil
}

func (d *Distributor) deactivatePriorVersions(ctx context.Context, conversationID, deviceID string, current uint32) error {
	entries, err := d.kv.List(ctx, deviceKeyPrefix(conversationID, deviceID))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var key EncryptionKey
		if err := json.Unmarshal(entry.Value, &key); err != nil {
			return err
		}
		if key.Version >= current || !key.Active {
			continue
		}
		key.Active = false
		raw, err := json.Marshal(&key)
		if err != nil {
			return err
		}
		if _, err := d.kv.CompareAndSwap(ctx, entry.Key, raw, entry.Revision); err != nil {
			if qerrors.Is(err, qerrors.ErrConflict) {
				continue
			}
			return err
		}
	}
	return nil
}

func (d *Distributor) resolveDevices(ctx context.Context, deviceIDs []string) ([]*directory.Device, []KeyFailure) {
	var devices []*directory.Device
	var failures []KeyFailure
	for _, id := range deviceIDs {
		dev, err := d.dir.Get(ctx, id)
		if err != nil {
			failures = append(failures, KeyFailure{DeviceID: id, Reason: err.Error()})
			continue
		}
		if !dev.Trusted {
			failures = append(failures, KeyFailure{DeviceID: id, Reason: "device not trusted"})
			continue
		}
		devices = append(devices, dev)
	}
	return devices, failures
}

func (d *Distributor) loadShare(ctx context.Context, shareID string) (*DeviceKeyShare, int64, error) {
	raw, rev, err := d.kv.Get(ctx, shareKey(shareID))
	if qerrors.Is(err, qerrors.ErrNotFound) {
		return nil, 0, qerrors.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	var share DeviceKeyShare
	if err := json.Unmarshal(raw, &share); err != nil {
		return nil, 0, err
	}
	return &share, rev, nil
}

func newShareID() string {
	return hex.EncodeToString(crypto.MustSecureRandomBytes(constants.SessionIDSize))
}
