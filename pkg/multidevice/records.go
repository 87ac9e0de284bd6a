// Package multidevice fans conversation content keys out to every trusted
// device of the participants and processes device-to-device key-share
// handoffs for devices joining an existing conversation.
package multidevice

import (
	"time"

	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

// EncryptionKey is one device's wrapped copy of a conversation content key.
// At most one version is active per (conversation, device); rotation
// activates the new version before deactivating the old ones.
type EncryptionKey struct {
	ConversationID string       `json:"conversation_id"`
	DeviceID       string       `json:"device_id"`
	Version        uint32       `json:"version"`
	Algorithm      algorithm.ID `json:"algorithm"`

	// WrappedKey is the content key sealed under the device's public
	// material; the layout depends on the algorithm family.
	WrappedKey []byte `json:"wrapped_key"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ShareStatus tracks a key share's single pending to accepted transition.
type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareAccepted ShareStatus = "accepted"
)

// DeviceKeyShare is an in-flight handoff of a conversation content key from
// a trusted device to another device, sealed under the target's public
// material. The status moves pending to accepted exactly once.
type DeviceKeyShare struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	FromDevice     string       `json:"from_device"`
	ToDevice       string       `json:"to_device"`
	Algorithm      algorithm.ID `json:"algorithm"`

	WrappedKey []byte `json:"wrapped_key"`

	Status     ShareStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	AcceptedAt time.Time   `json:"accepted_at,omitempty"`
}

// ConversationState records the negotiated algorithm and current key
// version of a conversation. Version bumps go through compare-and-swap so
// concurrent rotations cannot both claim the same version.
type ConversationState struct {
	ConversationID string       `json:"conversation_id"`
	Algorithm      algorithm.ID `json:"algorithm"`
	KeyVersion     uint32       `json:"key_version"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// KeyFailure records one device whose key could not be created. The
// operation continues for the remaining devices; the caller retries the
// listed ones.
type KeyFailure struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

// SetupResult is the outcome of conversation key setup or rotation.
type SetupResult struct {
	Algorithm   algorithm.ID     `json:"algorithm"`
	Version     uint32           `json:"version"`
	CreatedKeys []*EncryptionKey `json:"created_keys"`
	FailedKeys  []KeyFailure     `json:"failed_keys,omitempty"`

	// ContentKey is the plaintext conversation key, returned to the
	// initiating device only and never persisted.
	ContentKey []byte `json:"-"`
}
