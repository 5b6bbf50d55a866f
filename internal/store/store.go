// Package store persists Instance records. InstanceStore is the single
// contract the registry depends on; MemoryStore, FileStore and
// PostgresStore are the three backends provided here.
package store

import (
	"context"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// InstanceStore is the persistent-store contract the registry write-throughs
// to. Implementations return fedtypes.ErrNotFound (or a wrapping error) when
// a lookup has no match.
type InstanceStore interface {
	Save(ctx context.Context, instance fedtypes.Instance) error
	FindByID(ctx context.Context, id string) (fedtypes.Instance, error)
	FindByEndpoint(ctx context.Context, endpoint string) (fedtypes.Instance, error)
	List(ctx context.Context) ([]fedtypes.Instance, error)
	Delete(ctx context.Context, id string) error
	Update(ctx context.Context, id string, update fedtypes.InstanceUpdate) (fedtypes.Instance, error)
	FindByRegion(ctx context.Context, region string) ([]fedtypes.Instance, error)
	FindByCapability(ctx context.Context, capability string) ([]fedtypes.Instance, error)
	GetHealthy(ctx context.Context) ([]fedtypes.Instance, error)
}

// applyUpdate merges the non-nil fields of update onto a copy of instance,
// shared by every InstanceStore implementation's Update method.
func applyUpdate(instance fedtypes.Instance, update fedtypes.InstanceUpdate) fedtypes.Instance {
	if update.Region != nil {
		instance.Region = *update.Region
	}
	if update.Zone != nil {
		instance.Zone = *update.Zone
	}
	if update.Version != nil {
		instance.Version = *update.Version
	}
	if update.Capabilities != nil {
		instance.Capabilities = append([]string{}, update.Capabilities...)
	}
	if update.HealthStatus != nil {
		instance.HealthStatus = *update.HealthStatus
	}
	if update.CurrentSessions != nil {
		instance.CurrentSessions = *update.CurrentSessions
	}
	if update.MaxSessions != nil {
		instance.MaxSessions = *update.MaxSessions
	}
	if update.CPUPercent != nil {
		instance.CPUPercent = update.CPUPercent
	}
	if update.MemoryPercent != nil {
		instance.MemoryPercent = update.MemoryPercent
	}
	if update.RoutingWeight != nil {
		instance.RoutingWeight = *update.RoutingWeight
	}
	if update.IsActive != nil {
		instance.IsActive = *update.IsActive
	}
	if update.LastHealthCheck != nil {
		instance.LastHealthCheck = *update.LastHealthCheck
	}
	return instance
}
