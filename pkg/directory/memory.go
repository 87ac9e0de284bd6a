package directory

import (
	"context"
	"sync"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

// Memory is an in-process Directory for tests and single-node use.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{devices: make(map[string]*Device)}
}

// Register implements Directory.
func (m *Memory) Register(ctx context.Context, device *Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *device
	copied.Capabilities = append([]string(nil), device.Capabilities...)
	m.devices[device.ID] = &copied
	return nil
}

// Get implements Directory.
func (m *Memory) Get(ctx context.Context, deviceID string) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, qerrors.ErrNotFound
	}
	copied := *d
	copied.Capabilities = append([]string(nil), d.Capabilities...)
	return &copied, nil
}

// ListByUser implements Directory.
func (m *Memory) ListByUser(ctx context.Context, userID string) ([]*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Device
	for _, d := range m.devices {
		if d.UserID == userID {
			copied := *d
			copied.Capabilities = append([]string(nil), d.Capabilities...)
			out = append(out, &copied)
		}
	}
	return out, nil
}

// ListAll implements Directory.
func (m *Memory) ListAll(ctx context.Context) ([]*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		copied := *d
		copied.Capabilities = append([]string(nil), d.Capabilities...)
		out = append(out, &copied)
	}
	return out, nil
}

// SetTrusted implements Directory.
func (m *Memory) SetTrusted(ctx context.Context, deviceID string, trusted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return qerrors.ErrNotFound
	}
	d.Trusted = trusted
	return nil
}

// UpdateCapabilities implements Directory.
func (m *Memory) UpdateCapabilities(ctx context.Context, deviceID string, capabilities []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return qerrors.ErrNotFound
	}
	d.Capabilities = append([]string(nil), capabilities...)
	return nil
}

// Remove implements Directory.
func (m *Memory) Remove(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
	return nil
}
