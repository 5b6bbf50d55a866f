package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// FileStore wraps a MemoryStore with a JSON snapshot written atomically to
// disk, for single-node deployments that want restarts to survive without
// standing up Postgres.
type FileStore struct {
	mem  *MemoryStore
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore rooted at path, loading any existing
// snapshot found there.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{mem: NewMemoryStore(), path: path}
	if err := fs.restore(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) restore() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var instances []fedtypes.Instance
	if err := json.Unmarshal(data, &instances); err != nil {
		return err
	}
	for _, instance := range instances {
		if err := f.mem.Save(context.Background(), instance); err != nil {
			return err
		}
	}
	return nil
}

// persist writes the current snapshot to a temp file and renames it over
// path, so a crash mid-write never leaves a truncated snapshot.
func (f *FileStore) persist(ctx context.Context) error {
	instances, err := f.mem.List(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(instances, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, f.path)
}

func (f *FileStore) Save(ctx context.Context, instance fedtypes.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Save(ctx, instance); err != nil {
		return err
	}
	return f.persist(ctx)
}

func (f *FileStore) FindByID(ctx context.Context, id string) (fedtypes.Instance, error) {
	return f.mem.FindByID(ctx, id)
}

func (f *FileStore) FindByEndpoint(ctx context.Context, endpoint string) (fedtypes.Instance, error) {
	return f.mem.FindByEndpoint(ctx, endpoint)
}

func (f *FileStore) List(ctx context.Context) ([]fedtypes.Instance, error) {
	return f.mem.List(ctx)
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Delete(ctx, id); err != nil {
		return err
	}
	return f.persist(ctx)
}

func (f *FileStore) Update(ctx context.Context, id string, update fedtypes.InstanceUpdate) (fedtypes.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged, err := f.mem.Update(ctx, id, update)
	if err != nil {
		return fedtypes.Instance{}, err
	}
	if err := f.persist(ctx); err != nil {
		return fedtypes.Instance{}, err
	}
	return merged, nil
}

func (f *FileStore) FindByRegion(ctx context.Context, region string) ([]fedtypes.Instance, error) {
	return f.mem.FindByRegion(ctx, region)
}

func (f *FileStore) FindByCapability(ctx context.Context, capability string) ([]fedtypes.Instance, error) {
	return f.mem.FindByCapability(ctx, capability)
}

func (f *FileStore) GetHealthy(ctx context.Context) ([]fedtypes.Instance, error) {
	return f.mem.GetHealthy(ctx)
}
