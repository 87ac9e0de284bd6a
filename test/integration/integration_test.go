// Package integration provides end-to-end tests for the RatchetMesh engine.
//
// These tests exercise the complete flow: device registration, prekey
// bundles, handshakes, ratcheted messaging, multi-device key distribution,
// and algorithm migration, all through the public engine facade.
package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/engine"
	"github.com/ratchetmesh/ratchetmesh/pkg/migration"
	"github.com/ratchetmesh/ratchetmesh/pkg/ratchet"
)

var quantumCaps = []string{"ML-KEM-768", "ML-KEM-512", "RSA-4096-OAEP"}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(engine.Config{})
}

func register(t *testing.T, eng *engine.Engine, userID, deviceID string, caps []string) {
	t.Helper()
	if _, err := eng.RegisterDevice(context.Background(), userID, deviceID, true, caps); err != nil {
		t.Fatalf("RegisterDevice(%s): %v", deviceID, err)
	}
}

func establish(t *testing.T, eng *engine.Engine, conversationID, initiator, responder string) (*ratchet.Session, *ratchet.Session) {
	t.Helper()
	ctx := context.Background()

	b, err := eng.IssuePrekeyBundle(ctx, responder, initiator)
	if err != nil {
		t.Fatalf("IssuePrekeyBundle: %v", err)
	}
	initSession, hs, err := eng.EstablishSession(ctx, conversationID, initiator, b)
	if err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}
	respSession, err := eng.AcceptSession(ctx, conversationID, responder, hs)
	if err != nil {
		t.Fatalf("AcceptSession: %v", err)
	}
	return initSession, respSession
}

// TestFullHandshakeAndMessaging verifies registration through ratcheted
// message exchange in both directions across several chain steps.
func TestFullHandshakeAndMessaging(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	register(t, eng, "alice", "alice-phone", quantumCaps)
	register(t, eng, "bob", "bob-phone", quantumCaps)

	alice, bob := establish(t, eng, "conv-1", "alice-phone", "bob-phone")

	if got := alice.Algorithm(); got != algorithm.MLKEM768 {
		t.Fatalf("negotiated %v, want %v", got, algorithm.MLKEM768)
	}

	// Several rounds so both sides ratchet forward.
	messages := [][]byte{
		[]byte("hello bob"),
		[]byte("hello alice"),
		[]byte("how is the migration going"),
		[]byte("still on classical, ask me next week"),
	}
	for i, msg := range messages {
		sender, receiver := alice, bob
		if i%2 == 1 {
			sender, receiver = bob, alice
		}
		envelope, err := eng.Encrypt(ctx, sender, msg)
		if err != nil {
			t.Fatalf("Encrypt round %d: %v", i, err)
		}
		plaintext, err := eng.Decrypt(ctx, receiver, envelope)
		if err != nil {
			t.Fatalf("Decrypt round %d: %v", i, err)
		}
		if !bytes.Equal(plaintext, msg) {
			t.Fatalf("round %d: got %q, want %q", i, plaintext, msg)
		}
	}
}

// TestSessionSurvivesPersistence saves a live session mid-conversation and
// resumes it from the store.
func TestSessionSurvivesPersistence(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	register(t, eng, "alice", "alice-phone", quantumCaps)
	register(t, eng, "bob", "bob-phone", quantumCaps)
	alice, bob := establish(t, eng, "conv-1", "alice-phone", "bob-phone")

	envelope, err := eng.Encrypt(ctx, alice, []byte("before save"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := eng.Decrypt(ctx, bob, envelope); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if err := eng.SaveSession(ctx, bob); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	restored, err := eng.LoadSession(ctx, bob.ID())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	envelope, err = eng.Encrypt(ctx, alice, []byte("after restore"))
	if err != nil {
		t.Fatalf("Encrypt after restore: %v", err)
	}
	plaintext, err := eng.Decrypt(ctx, restored, envelope)
	if err != nil {
		t.Fatalf("Decrypt on restored session: %v", err)
	}
	if string(plaintext) != "after restore" {
		t.Fatalf("got %q, want %q", plaintext, "after restore")
	}
}

// TestMultiDeviceKeyDistribution sets up a conversation key across three
// devices and extends it to a fourth through a key share.
func TestMultiDeviceKeyDistribution(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	devices := []string{"alice-phone", "alice-laptop", "alice-tablet"}
	for _, d := range devices {
		register(t, eng, "alice", d, quantumCaps)
	}

	result, err := eng.SetupConversationEncryption(ctx, "conv-md", devices, "alice-phone")
	if err != nil {
		t.Fatalf("SetupConversationEncryption: %v", err)
	}
	if result.Algorithm != algorithm.MLKEM768 {
		t.Fatalf("negotiated %v, want %v", result.Algorithm, algorithm.MLKEM768)
	}
	if len(result.CreatedKeys) != len(devices) {
		t.Fatalf("created %d keys, want %d", len(result.CreatedKeys), len(devices))
	}
	if len(result.FailedKeys) != 0 {
		t.Fatalf("unexpected failures: %+v", result.FailedKeys)
	}

	// A new device joins the conversation via a key share.
	register(t, eng, "alice", "alice-watch", quantumCaps)
	share, err := eng.InitiateKeyShare(ctx, "conv-md", "alice-phone", "alice-watch", result.ContentKey)
	if err != nil {
		t.Fatalf("InitiateKeyShare: %v", err)
	}
	key, err := eng.AcceptKeyShare(ctx, share.ID, "alice-watch", result.ContentKey)
	if err != nil {
		t.Fatalf("AcceptKeyShare: %v", err)
	}
	if !key.Active {
		t.Fatal("accepted key should be active")
	}

	// Rotation bumps every device to a fresh version.
	rotated, err := eng.RotateConversationKey(ctx, "conv-md", devices, "alice-phone")
	if err != nil {
		t.Fatalf("RotateConversationKey: %v", err)
	}
	if rotated.Version != result.Version+1 {
		t.Fatalf("rotated to version %d, want %d", rotated.Version, result.Version+1)
	}
	if bytes.Equal(rotated.ContentKey, result.ContentKey) {
		t.Fatal("rotation must produce a fresh content key")
	}
}

// TestMigrationEndToEnd assesses readiness, migrates classical conversations
// to ML-KEM-768 with key rotation, and checks the resulting state.
func TestMigrationEndToEnd(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	classical := []string{"RSA-4096-OAEP"}
	devices := []string{"carol-phone", "carol-laptop"}
	for _, d := range devices {
		register(t, eng, "carol", d, classical)
	}

	if _, err := eng.SetupConversationEncryption(ctx, "conv-legacy", devices, "carol-phone"); err != nil {
		t.Fatalf("SetupConversationEncryption: %v", err)
	}

	// Devices roll out quantum support.
	for _, d := range devices {
		if err := eng.Directory().UpdateCapabilities(ctx, d, quantumCaps); err != nil {
			t.Fatalf("UpdateCapabilities(%s): %v", d, err)
		}
	}

	readiness, err := eng.AssessMigrationReadiness(ctx)
	if err != nil {
		t.Fatalf("AssessMigrationReadiness: %v", err)
	}
	if readiness.QuantumCapable != len(devices) {
		t.Fatalf("quantum capable %d, want %d", readiness.QuantumCapable, len(devices))
	}
	if readiness.ByAlgorithm["RSA-4096-OAEP"] != 1 {
		t.Fatalf("expected one classical conversation, got %+v", readiness.ByAlgorithm)
	}

	job, err := eng.StartMigration(ctx, migration.StartOptions{
		Strategy:        migration.StrategyImmediate,
		TargetAlgorithm: algorithm.MLKEM768,
		RotateKeys:      true,
	})
	if err != nil {
		t.Fatalf("StartMigration: %v", err)
	}

	eng.WaitForMigrations()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err = eng.GetMigrationStatus(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetMigrationStatus: %v", err)
		}
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if job.Status != migration.StatusCompleted {
		t.Fatalf("job status %s, want %s (errors: %v)", job.Status, migration.StatusCompleted, job.Results.Errors)
	}
	if job.Results.Migrated != 1 || job.Results.Failed != 0 {
		t.Fatalf("migrated %d failed %d, want 1/0", job.Results.Migrated, job.Results.Failed)
	}

	compat, err := eng.CheckCompatibility(ctx, algorithm.MLKEM768)
	if err != nil {
		t.Fatalf("CheckCompatibility: %v", err)
	}
	if compat.Fraction != 1 {
		t.Fatalf("compatibility fraction %v, want 1", compat.Fraction)
	}
}

// TestClassicalOnlyDeviceDegradesSession pins the whole path to the
// baseline when one side never advertises quantum support.
func TestClassicalOnlyDeviceDegradesSession(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	register(t, eng, "alice", "alice-phone", quantumCaps)
	register(t, eng, "dave", "dave-flip", []string{"RSA-4096-OAEP"})

	alice, dave := establish(t, eng, "conv-deg", "alice-phone", "dave-flip")
	if got := alice.Algorithm(); got != algorithm.RSA4096OAEP {
		t.Fatalf("negotiated %v, want baseline", got)
	}

	envelope, err := eng.Encrypt(ctx, alice, []byte("plain old crypto"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := eng.Decrypt(ctx, dave, envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "plain old crypto" {
		t.Fatalf("got %q", plaintext)
	}
}
