// Package directory tracks the devices participating in encrypted
// conversations: which user each device belongs to, whether it is trusted to
// hand keys to other devices, and which encryption algorithms it supports.
//
// The directory is an external collaborator from the protocol's point of
// view. The engine only reads it for capability negotiation and trust
// checks, and updates capabilities when a device gains post-quantum support.
package directory

import (
	"context"
	"time"
)

// Device is one registered device of a user.
type Device struct {
	ID     string `bson:"_id" json:"id"`
	UserID string `bson:"user_id" json:"user_id"`
	Name   string `bson:"name" json:"name"`

	// Trusted devices may initiate key shares to other devices of the same
	// user. A freshly registered device is untrusted until verified.
	Trusted bool `bson:"trusted" json:"trusted"`

	// Capabilities is the device's advertised algorithm token list, fed
	// into negotiation as-is. Unknown tokens are preserved here and
	// discarded at negotiation time.
	Capabilities []string `bson:"capabilities" json:"capabilities"`

	// RegistrationID disambiguates reinstalls of the same device.
	RegistrationID uint32 `bson:"registration_id" json:"registration_id"`

	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	LastSeenAt time.Time `bson:"last_seen_at" json:"last_seen_at"`
}

// Directory is the device registry the engine consults.
type Directory interface {
	// Register inserts or replaces a device record.
	Register(ctx context.Context, device *Device) error

	// Get returns one device, or ErrNotFound.
	Get(ctx context.Context, deviceID string) (*Device, error)

	// ListByUser returns all devices of a user.
	ListByUser(ctx context.Context, userID string) ([]*Device, error)

	// ListAll returns every registered device. Migration assessment scans
	// the whole population.
	ListAll(ctx context.Context) ([]*Device, error)

	// SetTrusted flips the trust flag of a device.
	SetTrusted(ctx context.Context, deviceID string, trusted bool) error

	// UpdateCapabilities replaces the advertised algorithm tokens, typically
	// after a device gains post-quantum key material during migration.
	UpdateCapabilities(ctx context.Context, deviceID string, capabilities []string) error

	// Remove deletes a device record. Removing an absent device is not an
	// error.
	Remove(ctx context.Context, deviceID string) error
}
