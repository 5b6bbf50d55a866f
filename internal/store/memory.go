package store

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// MemoryStore is an in-memory InstanceStore for tests and single-process
// deployments without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	instances  map[string]fedtypes.Instance
	byEndpoint map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[string]fedtypes.Instance),
		byEndpoint: make(map[string]string),
	}
}

func (m *MemoryStore) Save(ctx context.Context, instance fedtypes.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[instance.ID] = instance.Clone()
	m.byEndpoint[instance.Endpoint] = instance.ID
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (fedtypes.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, ok := m.instances[id]
	if !ok {
		return fedtypes.Instance{}, fedtypes.ErrNotFound
	}
	return instance.Clone(), nil
}

func (m *MemoryStore) FindByEndpoint(ctx context.Context, endpoint string) (fedtypes.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEndpoint[endpoint]
	if !ok {
		return fedtypes.Instance{}, fedtypes.ErrNotFound
	}
	return m.instances[id].Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context) ([]fedtypes.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]fedtypes.Instance, 0, len(m.instances))
	for _, instance := range m.instances {
		out = append(out, instance.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance, ok := m.instances[id]
	if !ok {
		return fedtypes.ErrNotFound
	}
	delete(m.instances, id)
	delete(m.byEndpoint, instance.Endpoint)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, update fedtypes.InstanceUpdate) (fedtypes.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.instances[id]
	if !ok {
		return fedtypes.Instance{}, fedtypes.ErrNotFound
	}
	merged := applyUpdate(existing, update)
	merged.UpdatedAt = time.Now()
	m.instances[id] = merged
	return merged.Clone(), nil
}

func (m *MemoryStore) FindByRegion(ctx context.Context, region string) ([]fedtypes.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []fedtypes.Instance
	for _, instance := range m.instances {
		if instance.Region == region {
			out = append(out, instance.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) FindByCapability(ctx context.Context, capability string) ([]fedtypes.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []fedtypes.Instance
	for _, instance := range m.instances {
		if instance.HasCapability(capability) {
			out = append(out, instance.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) GetHealthy(ctx context.Context) ([]fedtypes.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []fedtypes.Instance
	for _, instance := range m.instances {
		if instance.IsCandidate() {
			out = append(out, instance.Clone())
		}
	}
	return out, nil
}
