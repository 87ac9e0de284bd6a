// Package algorithm defines the closed set of encryption algorithms the
// engine can negotiate and the capability table describing each one.
//
// Algorithms form a closed tagged enum rather than an open interface:
// introducing a new algorithm means adding a table entry, and every other
// component (envelope codec, prekey bundles, key wrapping, migration
// planning) keys off the table instead of type-switching. The table is the
// single place where key sizes, KEM parameter sets and hybrid composition are
// recorded.
package algorithm

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// ID identifies an encryption algorithm. The numeric value is the wire code
// carried in envelope headers and stored key records; it never changes once
// assigned.
type ID uint8

const (
	// Unknown is the zero value; it is never negotiated and never valid on
	// the wire.
	Unknown ID = 0

	// RSA4096OAEP is the mandatory classical baseline. Every device supports
	// it, so negotiation can always resolve.
	RSA4096OAEP ID = 1

	// MLKEM512 is ML-KEM-512 (NIST security category 1).
	MLKEM512 ID = 2

	// MLKEM768 is ML-KEM-768 (NIST security category 3).
	MLKEM768 ID = 3

	// MLKEM1024 is ML-KEM-1024 (NIST security category 5).
	MLKEM1024 ID = 4

	// HybridRSA4096MLKEM768 combines RSA-4096-OAEP and ML-KEM-768; the
	// session is secure if either component is.
	HybridRSA4096MLKEM768 ID = 5
)

// capability describes one algorithm's static properties.
type capability struct {
	token         string
	scheme        func() kem.Scheme // nil for purely classical algorithms
	hybrid        bool
	securityLevel int // NIST PQC security category, 0 for classical-only
	priority      int // negotiation rank, higher wins
}

// The priority ranks implement the fixed order
// ML-KEM-1024 > ML-KEM-768 > HYBRID-RSA4096-MLKEM768 > ML-KEM-512 > RSA-4096-OAEP.
var capabilities = map[ID]capability{
	RSA4096OAEP: {
		token:    "RSA-4096-OAEP",
		priority: 10,
	},
	MLKEM512: {
		token:         "ML-KEM-512",
		scheme:        mlkem512.Scheme,
		securityLevel: 1,
		priority:      20,
	},
	HybridRSA4096MLKEM768: {
		token:         "HYBRID-RSA4096-MLKEM768",
		scheme:        mlkem768.Scheme,
		hybrid:        true,
		securityLevel: 3,
		priority:      30,
	},
	MLKEM768: {
		token:         "ML-KEM-768",
		scheme:        mlkem768.Scheme,
		securityLevel: 3,
		priority:      40,
	},
	MLKEM1024: {
		token:         "ML-KEM-1024",
		scheme:        mlkem1024.Scheme,
		securityLevel: 5,
		priority:      50,
	},
}

// Baseline is the algorithm negotiation falls back to when device
// capabilities share no common member.
const Baseline = RSA4096OAEP

// All lists every defined algorithm in negotiation priority order, highest
// first.
func All() []ID {
	return []ID{MLKEM1024, MLKEM768, HybridRSA4096MLKEM768, MLKEM512, RSA4096OAEP}
}

// Parse maps a capability token to its ID. Unknown tokens return (Unknown,
// false); callers discard them rather than failing.
func Parse(token string) (ID, bool) {
	for id, c := range capabilities {
		if c.token == token {
			return id, true
		}
	}
	return Unknown, false
}

// Valid reports whether id is a defined algorithm.
func (id ID) Valid() bool {
	_, ok := capabilities[id]
	return ok
}

// String returns the canonical capability token.
func (id ID) String() string {
	if c, ok := capabilities[id]; ok {
		return c.token
	}
	return "UNKNOWN"
}

// Scheme returns the circl KEM scheme backing id, or nil for purely
// classical algorithms.
func (id ID) Scheme() kem.Scheme {
	c, ok := capabilities[id]
	if !ok || c.scheme == nil {
		return nil
	}
	return c.scheme()
}

// UsesKEM reports whether sessions under id carry ML-KEM key material.
func (id ID) UsesKEM() bool {
	c, ok := capabilities[id]
	return ok && c.scheme != nil
}

// IsHybrid reports whether id composes a classical and a post-quantum
// component.
func (id ID) IsHybrid() bool {
	c, ok := capabilities[id]
	return ok && c.hybrid
}

// IsQuantumResistant reports whether id resists a cryptographically relevant
// quantum adversary.
func (id ID) IsQuantumResistant() bool {
	c, ok := capabilities[id]
	return ok && c.securityLevel > 0
}

// SecurityLevel returns the NIST PQC security category (1, 3 or 5), or 0 for
// classical-only algorithms.
func (id ID) SecurityLevel() int {
	return capabilities[id].securityLevel
}

func (id ID) priority() int {
	return capabilities[id].priority
}
