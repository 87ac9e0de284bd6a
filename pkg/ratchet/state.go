package ratchet

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

// VerificationStatus tracks out-of-band identity verification. It moves only
// unverified -> verified, and anything -> compromised; compromised is
// terminal.
type VerificationStatus string

const (
	Unverified  VerificationStatus = "unverified"
	Verified    VerificationStatus = "verified"
	Compromised VerificationStatus = "compromised"
)

// skippedKeyRef orders the skipped-key buffer for oldest-first eviction.
type skippedKeyRef struct {
	ChainKey string `json:"chain"`
	Counter  uint32 `json:"counter"`
}

// State is the full persisted double-ratchet state of one session between a
// local and a remote device.
type State struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	LocalDevice    string `json:"local_device"`
	RemoteDevice   string `json:"remote_device"`

	Algorithm algorithm.ID `json:"algorithm"`

	RootKey []byte `json:"root_key"`

	// Local ratchet Diffie-Hellman pair, replaced on every ratchet step.
	DHPrivate []byte `json:"dh_private"`
	DHPublic  []byte `json:"dh_public"`

	// RemoteDHPublic is the peer's last advertised ratchet key; nil until
	// the first message is received (responder before first contact).
	RemoteDHPublic []byte `json:"remote_dh_public,omitempty"`

	// Local ratchet KEM pair and the peer's advertised KEM key. Empty for
	// classical sessions.
	KEMPrivate      []byte `json:"kem_private,omitempty"`
	KEMPublic       []byte `json:"kem_public,omitempty"`
	RemoteKEMPublic []byte `json:"remote_kem_public,omitempty"`

	// PendingKEMCiphertext is the encapsulation produced at the local
	// ratchet step, repeated in every envelope of the current sending chain
	// so at least one copy reaches the peer.
	PendingKEMCiphertext []byte `json:"pending_kem_ciphertext,omitempty"`

	SendingChainKey   []byte `json:"sending_chain_key,omitempty"`
	ReceivingChainKey []byte `json:"receiving_chain_key,omitempty"`

	SendCounter     uint32 `json:"send_counter"`
	RecvCounter     uint32 `json:"recv_counter"`
	PrevSendCounter uint32 `json:"prev_send_counter"`

	// NeedSendStep is set when the peer presented a new ratchet key; the
	// next Encrypt performs the local ratchet step before sealing. Deferring
	// the step keeps the root chain linear even across forced rotations.
	NeedSendStep bool `json:"need_send_step,omitempty"`

	// SkippedKeys holds message keys derived for out-of-order delivery,
	// keyed by hex(ratchet key) and counter. SkippedOrder drives
	// oldest-first eviction at the buffer bound.
	SkippedKeys  map[string][]byte `json:"skipped_keys,omitempty"`
	SkippedOrder []skippedKeyRef   `json:"skipped_order,omitempty"`

	// RetiredChains remembers the final length of exhausted receiving
	// chains, distinguishing replays from irrecoverably dropped keys.
	RetiredChains map[string]uint32 `json:"retired_chains,omitempty"`

	// EvictedFloor records, per chain, the first counter above every skipped
	// key evicted from the buffer. Counters below the floor are reported
	// undecryptable rather than replayed.
	EvictedFloor map[string]uint32 `json:"evicted_floor,omitempty"`

	// RemoteFingerprint is the fingerprint of the remote identity captured
	// at session establishment, compared during verification.
	RemoteFingerprint []byte `json:"remote_fingerprint,omitempty"`

	Verification     VerificationStatus `json:"verification"`
	Active           bool               `json:"active"`
	KeyRotationCount int                `json:"key_rotation_count"`
	LastRotation     time.Time          `json:"last_rotation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Quantum reports whether the session mixes KEM secrets into its ratchet.
func (s *State) Quantum() bool {
	return s.Algorithm.UsesKEM()
}

// SecurityScore summarizes the session's posture on a 0-100 scale: the
// negotiated algorithm dominates, verification and recent rotation add the
// rest.
func (s *State) SecurityScore() int {
	if s.Verification == Compromised {
		return 0
	}
	score := 30
	switch s.Algorithm.SecurityLevel() {
	case 5:
		score += 40
	case 3:
		score += 35
	case 1:
		score += 25
	}
	if s.Algorithm.IsHybrid() {
		score += 5
	}
	if s.Verification == Verified {
		score += 20
	}
	if s.KeyRotationCount > 0 && time.Since(s.LastRotation) < 30*24*time.Hour {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

func skippedKeyID(chainPublic []byte, counter uint32) string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(chainPublic), counter)
}

// stashSkippedKey buffers a derived-but-unconsumed message key, evicting the
// oldest entry past the buffer bound.
func (s *State) stashSkippedKey(chainPublic []byte, counter uint32, messageKey []byte) {
	if s.SkippedKeys == nil {
		s.SkippedKeys = make(map[string][]byte)
	}
	chain := hex.EncodeToString(chainPublic)
	s.SkippedKeys[skippedKeyID(chainPublic, counter)] = messageKey
	s.SkippedOrder = append(s.SkippedOrder, skippedKeyRef{ChainKey: chain, Counter: counter})

	for len(s.SkippedOrder) > constants.MaxSkippedKeys {
		oldest := s.SkippedOrder[0]
		s.SkippedOrder = s.SkippedOrder[1:]
		id := fmt.Sprintf("%s:%d", oldest.ChainKey, oldest.Counter)
		if key, ok := s.SkippedKeys[id]; ok {
			for i := range key {
				key[i] = 0
			}
			delete(s.SkippedKeys, id)
		}
		if s.EvictedFloor == nil {
			s.EvictedFloor = make(map[string]uint32)
		}
		if floor := s.EvictedFloor[oldest.ChainKey]; oldest.Counter+1 > floor {
			s.EvictedFloor[oldest.ChainKey] = oldest.Counter + 1
		}
	}
}

// evicted reports whether a skipped key for this counter was dropped from
// the buffer.
func (s *State) evicted(chainPublic []byte, counter uint32) bool {
	return counter < s.EvictedFloor[hex.EncodeToString(chainPublic)]
}

// takeSkippedKey consumes a buffered message key if present.
func (s *State) takeSkippedKey(chainPublic []byte, counter uint32) ([]byte, bool) {
	id := skippedKeyID(chainPublic, counter)
	key, ok := s.SkippedKeys[id]
	if !ok {
		return nil, false
	}
	delete(s.SkippedKeys, id)
	chain := hex.EncodeToString(chainPublic)
	for i, ref := range s.SkippedOrder {
		if ref.ChainKey == chain && ref.Counter == counter {
			s.SkippedOrder = append(s.SkippedOrder[:i], s.SkippedOrder[i+1:]...)
			break
		}
	}
	return key, true
}

// retireChain records the final length of a receiving chain whose key is
// being replaced, bounded to the most recent chains.
func (s *State) retireChain(chainPublic []byte, length uint32) {
	if len(chainPublic) == 0 {
		return
	}
	if s.RetiredChains == nil {
		s.RetiredChains = make(map[string]uint32)
	}
	if len(s.RetiredChains) >= constants.MaxRetiredChains {
		// Evict an arbitrary entry; older chains degrade from "replay
		// detected" to "undecryptable", which is safe.
		for k := range s.RetiredChains {
			delete(s.RetiredChains, k)
			delete(s.EvictedFloor, k)
			break
		}
	}
	s.RetiredChains[hex.EncodeToString(chainPublic)] = length
}

func (s *State) retiredChainLength(chainPublic []byte) (uint32, bool) {
	length, ok := s.RetiredChains[hex.EncodeToString(chainPublic)]
	return length, ok
}
