// Package ratchetmesh provides end-to-end encrypted messaging sessions that
// combine X3DH classical key agreement with ML-KEM post-quantum key
// encapsulation.
//
// RatchetMesh negotiates the strongest algorithm a set of devices shares,
// runs a KEM-augmented double ratchet over the result, distributes wrapped
// conversation keys across a user's devices, and migrates whole populations
// from classical to quantum-resistant algorithms without breaking live
// conversations.
//
// # Quick Start
//
// The engine facade wires every subsystem together:
//
//	import "github.com/ratchetmesh/ratchetmesh/pkg/engine"
//
//	eng := engine.New(engine.Config{})
//	eng.RegisterDevice(ctx, "alice", "alice-phone", true, []string{"ML-KEM-768", "RSA-4096-OAEP"})
//	eng.RegisterDevice(ctx, "bob", "bob-phone", true, []string{"ML-KEM-768", "RSA-4096-OAEP"})
//
//	b, _ := eng.IssuePrekeyBundle(ctx, "bob-phone", "alice-phone")
//	alice, hs, _ := eng.EstablishSession(ctx, "conv-1", "alice-phone", b)
//	bob, _ := eng.AcceptSession(ctx, "conv-1", "bob-phone", hs)
//
//	envelope, _ := eng.Encrypt(ctx, alice, []byte("hello"))
//	plaintext, _ := eng.Decrypt(ctx, bob, envelope)
//
// For direct ratchet sessions without the facade, see pkg/ratchet; for
// algorithm negotiation alone, see pkg/algorithm.
//
// # Package Structure
//
// The library is organized into several packages:
//
//   - pkg/engine: Facade wiring negotiation, sessions, key distribution and migration
//   - pkg/ratchet: KEM-augmented double ratchet sessions and envelope codec
//   - pkg/bundle: Prekey bundle issue and X3DH plus KEM handshakes
//   - pkg/keystore: Identity keys, signed prekeys and one-time prekey pools
//   - pkg/algorithm: Algorithm registry and capability negotiation
//   - pkg/multidevice: Per-device key wrapping, rotation and key shares
//   - pkg/migration: Staged classical-to-quantum migration orchestration
//   - pkg/provider: KEM providers and the circuit breaker around them
//   - pkg/directory: Device registry (in-memory and MongoDB)
//   - pkg/store: Revisioned key-value state (in-memory and Redis)
//   - pkg/crypto: Low-level primitives (X25519, ML-KEM, HKDF, AEAD, RSA-OAEP)
//   - internal/constants: Protocol parameters and domain separators
//   - internal/errors: Shared error values for the whole module
//
// # Security Properties
//
// A RatchetMesh session provides:
//
//   - Post-quantum confidentiality: ML-KEM-512/768/1024 (NIST FIPS 203)
//   - Classical security: X25519 ECDH with Ed25519-signed prekeys
//   - Hybrid guarantee: hybrid mode is secure if EITHER algorithm is secure
//   - Forward secrecy: per-chain ratchet steps with fresh DH and KEM keys
//   - Post-compromise security: forced key rotation folds new entropy into the root chain
//   - Replay protection: per-chain counters with a bounded skipped-key buffer
//
// # Testing
//
// The module includes unit, integration, fuzz and benchmark tests:
//
//	go test ./...                                     # All tests
//	go test -fuzz=FuzzUnmarshalEnvelope ./test/fuzz   # Envelope fuzzing
//	go test -bench=. ./test/benchmark                 # Benchmarks
//
// # References
//
//   - NIST FIPS 203: Module-Lattice-Based Key-Encapsulation Mechanism Standard
//   - RFC 7748: Elliptic Curves for Security
//   - RFC 5869: HMAC-based Extract-and-Expand Key Derivation Function
package ratchetmesh
