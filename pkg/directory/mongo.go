package directory

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// Mongo is a Directory backed by a MongoDB collection, for deployments where
// the device registry is shared with the surrounding messaging system.
type Mongo struct {
	collection *mongo.Collection
}

// NewMongo wraps the "devices" collection of db.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{collection: db.Collection("devices")}
}

// Register implements Directory.
func (m *Mongo) Register(ctx context.Context, device *Device) error {
	opts := options.Replace().SetUpsert(true)
	_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": device.ID}, device, opts)
	if err != nil {
		return fmt.Errorf("directory: register %s: %w", device.ID, err)
	}
	return nil
}

// Get implements Directory.
func (m *Mongo) Get(ctx context.Context, deviceID string) (*Device, error) {
	var device Device
	err := m.collection.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&device)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, qerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get %s: %w", deviceID, err)
	}
	return &device, nil
}

// ListByUser implements Directory.
func (m *Mongo) ListByUser(ctx context.Context, userID string) ([]*Device, error) {
	cursor, err := m.collection.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("directory: list user %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var devices []*Device
	if err := cursor.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("directory: list user %s: %w", userID, err)
	}
	return devices, nil
}

// ListAll implements Directory.
func (m *Mongo) ListAll(ctx context.Context) ([]*Device, error) {
	cursor, err := m.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("directory: list all: %w", err)
	}
	defer cursor.Close(ctx)

	var devices []*Device
	if err := cursor.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("directory: list all: %w", err)
	}
	return devices, nil
}

// SetTrusted implements Directory.
func (m *Mongo) SetTrusted(ctx context.Context, deviceID string, trusted bool) error {
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{"trusted": trusted}},
	)
	if err != nil {
		return fmt.Errorf("directory: set trusted %s: %w", deviceID, err)
	}
	if res.MatchedCount == 0 {
		return qerrors.ErrNotFound
	}
	return nil
}

// UpdateCapabilities implements Directory.
func (m *Mongo) UpdateCapabilities(ctx context.Context, deviceID string, capabilities []string) error {
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{"capabilities": capabilities}},
	)
	if err != nil {
		return fmt.Errorf("directory: update capabilities %s: %w", deviceID, err)
	}
	if res.MatchedCount == 0 {
		return qerrors.ErrNotFound
	}
	return nil
}

// Remove implements Directory.
func (m *Mongo) Remove(ctx context.Context, deviceID string) error {
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": deviceID}); err != nil {
		return fmt.Errorf("directory: remove %s: %w", deviceID, err)
	}
	return nil
}
