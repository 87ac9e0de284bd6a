package multidevice

import (
	"bytes"
	"context"
	"testing"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/directory"
	"github.com/ratchetmesh/ratchetmesh/pkg/keystore"
	"github.com/ratchetmesh/ratchetmesh/pkg/store"
)

type testEnv struct {
	kv   store.KV
	dir  directory.Directory
	keys *keystore.Store
	dist *Distributor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	kv := store.NewMemory()
	dir := directory.NewMemory()
	keys := keystore.New(kv)
	return &testEnv{kv: kv, dir: dir, keys: keys, dist: New(kv, dir, keys)}
}

// addDevice registers a device in both the directory and the keystore.
func (e *testEnv) addDevice(t *testing.T, id string, trusted bool, quantum algorithm.ID, caps ...string) {
	t.Helper()
	ctx := context.Background()
	if err := e.dir.Register(ctx, &directory.Device{
		ID:           id,
		UserID:       "user-1",
		Trusted:      trusted,
		Capabilities: caps,
	}); err != nil {
		t.Fatalf("register device %s: %v", id, err)
	}
	if _, err := e.keys.RegisterIdentity(ctx, "user-1", id, quantum); err != nil {
		t.Fatalf("register identity %s: %v", id, err)
	}
}

func TestSetupConversationEncryption(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.MLKEM768, "ML-KEM-768", "ML-KEM-512", "RSA-4096-OAEP")
	env.addDevice(t, "dev-b", true, algorithm.MLKEM768, "ML-KEM-768", "RSA-4096-OAEP")
	env.addDevice(t, "dev-c", true, algorithm.MLKEM768, "ML-KEM-1024", "ML-KEM-768", "RSA-4096-OAEP")

	result, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-a", "dev-b", "dev-c"}, "dev-a")
	if err != nil {
		t.Fatalf("SetupConversationEncryption: %v", err)
	}
	if result.Algorithm != algorithm.MLKEM768 {
		t.Errorf("algorithm = %v, want ML-KEM-768", result.Algorithm)
	}
	if len(result.CreatedKeys) != 3 || len(result.FailedKeys) != 0 {
		t.Fatalf("created %d, failed %d", len(result.CreatedKeys), len(result.FailedKeys))
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}

	// Every device can recover the same content key from its wrapped copy.
	for _, key := range result.CreatedKeys {
		ident, err := env.keys.GetIdentity(ctx, key.DeviceID)
		if err != nil {
			t.Fatalf("GetIdentity(%s): %v", key.DeviceID, err)
		}
		recovered, err := unwrapContentKey(ctx, env.dist.kem, ident, key.Algorithm, key.WrappedKey, "conv-1")
		if err != nil {
			t.Fatalf("unwrap for %s: %v", key.DeviceID, err)
		}
		if !bytes.Equal(recovered, result.ContentKey) {
			t.Errorf("device %s recovered a different content key", key.DeviceID)
		}
	}
}

func TestSetupClassicalFallback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.MLKEM768, "ML-KEM-768", "RSA-4096-OAEP")
	env.addDevice(t, "dev-b", true, algorithm.Unknown, "RSA-4096-OAEP")

	result, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-a", "dev-b"}, "dev-a")
	if err != nil {
		t.Fatalf("SetupConversationEncryption: %v", err)
	}
	if result.Algorithm != algorithm.RSA4096OAEP {
		t.Errorf("algorithm = %v, want baseline", result.Algorithm)
	}
	ident, err := env.keys.GetIdentity(ctx, "dev-b")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	recovered, err := unwrapContentKey(ctx, env.dist.kem, ident, result.Algorithm, result.CreatedKeys[1].WrappedKey, "conv-1")
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(recovered, result.ContentKey) {
		t.Error("classical unwrap mismatch")
	}
}

func TestSetupPartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.MLKEM512, "ML-KEM-512", "RSA-4096-OAEP")
	env.addDevice(t, "dev-b", true, algorithm.MLKEM512, "ML-KEM-512", "RSA-4096-OAEP")

	// In the directory but never registered in the keystore.
	if err := env.dir.Register(ctx, &directory.Device{
		ID: "dev-ghost", UserID: "user-1", Trusted: true,
		Capabilities: []string{"ML-KEM-512", "RSA-4096-OAEP"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-a", "dev-ghost", "dev-b"}, "dev-a")
	if err != nil {
		t.Fatalf("SetupConversationEncryption: %v", err)
	}
	if len(result.CreatedKeys) != 2 {
		t.Errorf("created %d keys, want 2", len(result.CreatedKeys))
	}
	if len(result.FailedKeys) != 1 || result.FailedKeys[0].DeviceID != "dev-ghost" {
		t.Errorf("failed keys = %+v, want dev-ghost only", result.FailedKeys)
	}
}

func TestSetupExcludesUntrustedDevices(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.Unknown, "RSA-4096-OAEP")
	env.addDevice(t, "dev-shady", false, algorithm.Unknown, "RSA-4096-OAEP")

	result, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-a", "dev-shady"}, "dev-a")
	if err != nil {
		t.Fatalf("SetupConversationEncryption: %v", err)
	}
	if len(result.CreatedKeys) != 1 || result.CreatedKeys[0].DeviceID != "dev-a" {
		t.Errorf("created keys = %+v, want dev-a only", result.CreatedKeys)
	}
	if len(result.FailedKeys) != 1 || result.FailedKeys[0].DeviceID != "dev-shady" {
		t.Errorf("failed keys = %+v, want dev-shady", result.FailedKeys)
	}
}

func TestSetupRejectsUntrustedInitiator(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-shady", false, algorithm.Unknown, "RSA-4096-OAEP")

	_, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-shady"}, "dev-shady")
	if !qerrors.Is(err, qerrors.ErrSourceDeviceNotTrusted) {
		t.Errorf("got %v, want ErrSourceDeviceNotTrusted", err)
	}
}

func TestRotateConversationKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.MLKEM512, "ML-KEM-512", "RSA-4096-OAEP")
	env.addDevice(t, "dev-b", true, algorithm.MLKEM512, "ML-KEM-512", "RSA-4096-OAEP")

	devices := []string{"dev-a", "dev-b"}
	if _, err := env.dist.SetupConversationEncryption(ctx, "conv-1", devices, "dev-a"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	rotated, err := env.dist.RotateConversationKey(ctx, "conv-1", devices, "dev-a")
	if err != nil {
		t.Fatalf("RotateConversationKey: %v", err)
	}
	if rotated.Version != 2 {
		t.Errorf("rotated version = %d, want 2", rotated.Version)
	}

	for _, dev := range devices {
		key, err := env.dist.ActiveKey(ctx, "conv-1", dev)
		if err != nil {
			t.Fatalf("ActiveKey(%s): %v", dev, err)
		}
		if key.Version != 2 {
			t.Errorf("device %s active version = %d, want 2", dev, key.Version)
		}
	}

	// Prior versions are deactivated, not deleted.
	entries, err := env.kv.List(ctx, deviceKeyPrefix("conv-1", "dev-a"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("dev-a has %d key records, want 2", len(entries))
	}
}

func TestRotateBeforeSetupFails(t *testing.T) {
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.Unknown, "RSA-4096-OAEP")
	_, err := env.dist.RotateConversationKey(context.Background(), "conv-none", []string{"dev-a"}, "dev-a")
	if !qerrors.Is(err, qerrors.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestKeyShareLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.MLKEM768, "ML-KEM-768", "RSA-4096-OAEP")
	env.addDevice(t, "dev-new", false, algorithm.MLKEM768, "ML-KEM-768", "RSA-4096-OAEP")

	setup, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-a"}, "dev-a")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	share, err := env.dist.InitiateKeyShare(ctx, "conv-1", "dev-a", "dev-new", setup.ContentKey)
	if err != nil {
		t.Fatalf("InitiateKeyShare: %v", err)
	}
	if share.Status != SharePending {
		t.Errorf("status = %v, want pending", share.Status)
	}

	// The target device recovers the content key from the wrapped blob.
	ident, err := env.keys.GetIdentity(ctx, "dev-new")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	recovered, err := env.dist.UnwrapKeyShare(ctx, share, ident)
	if err != nil {
		t.Fatalf("UnwrapKeyShare: %v", err)
	}
	if !bytes.Equal(recovered, setup.ContentKey) {
		t.Fatal("share unwrap mismatch")
	}

	// Only the target device may accept.
	if _, err := env.dist.AcceptKeyShare(ctx, share.ID, "dev-a", recovered); !qerrors.Is(err, qerrors.ErrOwnershipMismatch) {
		t.Errorf("foreign accept: got %v, want ErrOwnershipMismatch", err)
	}

	key, err := env.dist.AcceptKeyShare(ctx, share.ID, "dev-new", recovered)
	if err != nil {
		t.Fatalf("AcceptKeyShare: %v", err)
	}
	if !key.Active || key.DeviceID != "dev-new" {
		t.Errorf("activated key = %+v", key)
	}

	// The pending to accepted transition happens once.
	if _, err := env.dist.AcceptKeyShare(ctx, share.ID, "dev-new", recovered); !qerrors.Is(err, qerrors.ErrInvalidState) {
		t.Errorf("second accept: got %v, want ErrInvalidState", err)
	}

	stored, err := env.dist.GetKeyShare(ctx, share.ID)
	if err != nil {
		t.Fatalf("GetKeyShare: %v", err)
	}
	if stored.Status != ShareAccepted || stored.AcceptedAt.IsZero() {
		t.Errorf("stored share = %+v", stored)
	}
}

// unavailableKEM fails every operation, standing in for a provider outage.
type unavailableKEM struct{}

func (unavailableKEM) GenerateKeyPair(context.Context, algorithm.ID) ([]byte, []byte, error) {
	return nil, nil, qerrors.ErrProviderTimeout
}

func (unavailableKEM) Encapsulate(context.Context, algorithm.ID, []byte) ([]byte, []byte, error) {
	return nil, nil, qerrors.ErrProviderTimeout
}

func (unavailableKEM) Decapsulate(context.Context, algorithm.ID, []byte, []byte) ([]byte, error) {
	return nil, qerrors.ErrProviderTimeout
}

func TestAcceptKeyShareFailedWrapLeavesSharePending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.MLKEM768, "ML-KEM-768", "RSA-4096-OAEP")
	env.addDevice(t, "dev-new", false, algorithm.MLKEM768, "ML-KEM-768", "RSA-4096-OAEP")

	setup, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-a"}, "dev-a")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	share, err := env.dist.InitiateKeyShare(ctx, "conv-1", "dev-a", "dev-new", setup.ContentKey)
	if err != nil {
		t.Fatalf("InitiateKeyShare: %v", err)
	}

	// The accepting device's wrap fails while the provider is down. The
	// share must not be consumed by the failed attempt.
	broken := New(env.kv, env.dir, env.keys, WithKEM(unavailableKEM{}))
	if _, err := broken.AcceptKeyShare(ctx, share.ID, "dev-new", setup.ContentKey); !qerrors.Is(err, qerrors.ErrProviderTimeout) {
		t.Fatalf("accept during outage: got %v, want ErrProviderTimeout", err)
	}
	stored, err := env.dist.GetKeyShare(ctx, share.ID)
	if err != nil {
		t.Fatalf("GetKeyShare: %v", err)
	}
	if stored.Status != SharePending {
		t.Fatalf("share status after failed accept = %v, want pending", stored.Status)
	}

	// The same share is accepted once the provider recovers.
	key, err := env.dist.AcceptKeyShare(ctx, share.ID, "dev-new", setup.ContentKey)
	if err != nil {
		t.Fatalf("retry accept: %v", err)
	}
	if !key.Active {
		t.Error("retried accept did not activate the key")
	}
}

func TestInitiateKeyShareRequiresTrust(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.Unknown, "RSA-4096-OAEP")
	env.addDevice(t, "dev-shady", false, algorithm.Unknown, "RSA-4096-OAEP")

	setup, err := env.dist.SetupConversationEncryption(ctx, "conv-1", []string{"dev-a"}, "dev-a")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err = env.dist.InitiateKeyShare(ctx, "conv-1", "dev-shady", "dev-a", setup.ContentKey)
	if !qerrors.Is(err, qerrors.ErrSourceDeviceNotTrusted) {
		t.Errorf("got %v, want ErrSourceDeviceNotTrusted", err)
	}
}

func TestRevokeDeviceAccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addDevice(t, "dev-a", true, algorithm.MLKEM512, "ML-KEM-512", "RSA-4096-OAEP")
	env.addDevice(t, "dev-b", true, algorithm.MLKEM512, "ML-KEM-512", "RSA-4096-OAEP")

	devices := []string{"dev-a", "dev-b"}
	for _, conv := range []string{"conv-1", "conv-2"} {
		if _, err := env.dist.SetupConversationEncryption(ctx, conv, devices, "dev-a"); err != nil {
			t.Fatalf("setup %s: %v", conv, err)
		}
	}

	if err := env.dist.RevokeDeviceAccess(ctx, "dev-b"); err != nil {
		t.Fatalf("RevokeDeviceAccess: %v", err)
	}
	for _, conv := range []string{"conv-1", "conv-2"} {
		if _, err := env.dist.ActiveKey(ctx, conv, "dev-b"); !qerrors.Is(err, qerrors.ErrNotFound) {
			t.Errorf("%s: revoked device still has an active key (%v)", conv, err)
		}
		if _, err := env.dist.ActiveKey(ctx, conv, "dev-a"); err != nil {
			t.Errorf("%s: unrelated device lost its key: %v", conv, err)
		}
	}

	// Revocation is idempotent.
	if err := env.dist.RevokeDeviceAccess(ctx, "dev-b"); err != nil {
		t.Errorf("second revoke: %v", err)
	}
	if err := env.dist.RevokeDeviceAccess(ctx, "dev-unknown"); err != nil {
		t.Errorf("revoking unknown device: %v", err)
	}
}
