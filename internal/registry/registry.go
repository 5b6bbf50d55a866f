// Package registry implements the federation's authoritative instance
// index: a write-through cache in front of an InstanceStore, kept
// consistent with the store on every mutation and published to the rest of
// the control plane through internal/events.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/federation/internal/events"
	"github.com/haasonsaas/federation/internal/fedtypes"
	"github.com/haasonsaas/federation/internal/observability"
	"github.com/haasonsaas/federation/internal/store"
)

// Registry is the shared mutable instance index. The in-memory index is
// always consistent with the last successfully acknowledged store write:
// mutations update the store first and only touch the index after the
// store write succeeds.
type Registry struct {
	mu     sync.RWMutex
	index  map[string]fedtypes.Instance
	byAddr map[string]string

	store   store.InstanceStore
	bus     *events.Bus
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

// SetMetrics attaches a Metrics collector. Safe to call once before the
// Registry is shared across goroutines; nil disables metrics recording.
func (r *Registry) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// NewRegistry constructs a Registry backed by the given store and loads its
// existing records into the index. A nil logger falls back to
// observability.NewLogger's defaults (info level, JSON, stdout).
func NewRegistry(ctx context.Context, backing store.InstanceStore, bus *events.Bus, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	r := &Registry{
		index:  make(map[string]fedtypes.Instance),
		byAddr: make(map[string]string),
		store:  backing,
		bus:    bus,
		logger: logger,
		clock:  time.Now,
	}

	instances, err := backing.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: loading instances from store: %w", err)
	}
	for _, instance := range instances {
		r.index[instance.ID] = instance
		r.byAddr[instance.Endpoint] = instance.ID
	}

	r.logger.Info(ctx, "registry loaded from store", "instance_count", len(instances))
	return r, nil
}

// RegisterInput carries the caller-supplied fields for a new instance.
// ID, CreatedAt, and UpdatedAt are assigned by Register.
type RegisterInput struct {
	Endpoint      string
	Region        string
	Zone          string
	Version       string
	Capabilities  []string
	MaxSessions   int
	RoutingWeight float64
}

// Register validates endpoint uniqueness, persists the new instance, and
// emits instance.registered. It fails with InstanceRegistrationError on a
// duplicate endpoint or store error.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (fedtypes.Instance, error) {
	r.mu.Lock()
	if _, exists := r.byAddr[input.Endpoint]; exists {
		r.mu.Unlock()
		return fedtypes.Instance{}, &fedtypes.InstanceRegistrationError{
			Message: fmt.Sprintf("endpoint already registered: %s", input.Endpoint),
		}
	}
	r.mu.Unlock()

	now := r.clock()
	weight := input.RoutingWeight
	if weight <= 0 {
		weight = 1.0
	}

	instance := fedtypes.Instance{
		ID:              uuid.NewString(),
		Endpoint:        input.Endpoint,
		Region:          input.Region,
		Zone:            input.Zone,
		Version:         input.Version,
		Capabilities:    append([]string(nil), input.Capabilities...),
		HealthStatus:    fedtypes.HealthUnknown,
		CurrentSessions: 0,
		MaxSessions:     input.MaxSessions,
		RoutingWeight:   weight,
		IsActive:        true,
		LastHealthCheck: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := r.store.Save(ctx, instance); err != nil {
		r.recordOperation("register", "error")
		return fedtypes.Instance{}, (&fedtypes.InstanceRegistrationError{
			Message: fmt.Sprintf("persisting instance %s", instance.ID),
		}).WithCause(err)
	}

	r.mu.Lock()
	r.index[instance.ID] = instance
	r.byAddr[instance.Endpoint] = instance.ID
	r.mu.Unlock()

	r.logger.Info(ctx, "instance registered", "instance_id", instance.ID, "endpoint", instance.Endpoint, "region", instance.Region)
	r.publish(fedtypes.TopicInstanceRegistered, fedtypes.InstanceRegisteredPayload{Instance: instance.Clone(), Timestamp: now})
	r.recordOperation("register", "success")
	r.refreshInstanceGauge()

	return instance.Clone(), nil
}

// Unregister removes id from the index and store and emits
// instance.unregistered. It does not touch router affinity itself; the
// Router clears affinity for id when it receives that event.
// Returns false if id was not found.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	instance, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := r.store.Delete(ctx, id); err != nil {
		if fedtypes.IsNotFound(err) {
			r.mu.Lock()
			delete(r.index, id)
			delete(r.byAddr, instance.Endpoint)
			r.mu.Unlock()
			r.refreshInstanceGauge()
			return false, nil
		}
		r.recordOperation("unregister", "error")
		return false, fmt.Errorf("registry: deleting instance %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.index, id)
	delete(r.byAddr, instance.Endpoint)
	r.mu.Unlock()

	r.logger.Info(ctx, "instance unregistered", "instance_id", id)
	r.publish(fedtypes.TopicInstanceUnregistered, fedtypes.InstanceUnregisteredPayload{InstanceID: id, Timestamp: r.clock()})
	r.recordOperation("unregister", "success")
	r.refreshInstanceGauge()

	return true, nil
}

// Update merges the permitted fields in update onto the stored instance,
// bumps updatedAt, persists, and emits instance.updated (plus
// instance.health_changed if healthStatus transitioned).
func (r *Registry) Update(ctx context.Context, id string, update fedtypes.InstanceUpdate) (fedtypes.Instance, error) {
	r.mu.RLock()
	previous, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return fedtypes.Instance{}, &fedtypes.InstanceNotFoundError{InstanceID: id}
	}

	merged, err := r.store.Update(ctx, id, update)
	if err != nil {
		r.recordOperation("update", "error")
		return fedtypes.Instance{}, fmt.Errorf("registry: updating instance %s: %w", id, err)
	}

	r.mu.Lock()
	r.index[id] = merged
	r.mu.Unlock()

	r.publish(fedtypes.TopicInstanceUpdated, fedtypes.InstanceUpdatedPayload{
		Instance:  merged.Clone(),
		Changes:   changedFields(update),
		Timestamp: merged.UpdatedAt,
	})

	if previous.HealthStatus != merged.HealthStatus {
		r.publish(fedtypes.TopicInstanceHealthChanged, fedtypes.InstanceHealthChangedPayload{
			Instance:       merged.Clone(),
			PreviousStatus: previous.HealthStatus,
			NewStatus:      merged.HealthStatus,
			Timestamp:      merged.UpdatedAt,
		})
	}

	r.recordOperation("update", "success")
	r.refreshInstanceGauge()

	return merged.Clone(), nil
}

// Get returns the instance with id, or ok=false if it is not registered.
func (r *Registry) Get(ctx context.Context, id string) (fedtypes.Instance, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.index[id]
	if !ok {
		return fedtypes.Instance{}, false, nil
	}
	return instance.Clone(), true, nil
}

// GetByEndpoint returns the instance registered at endpoint, or ok=false.
func (r *Registry) GetByEndpoint(ctx context.Context, endpoint string) (fedtypes.Instance, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[endpoint]
	if !ok {
		return fedtypes.Instance{}, false, nil
	}
	return r.index[id].Clone(), true, nil
}

// GetAllInstances returns every registered instance.
func (r *Registry) GetAllInstances(ctx context.Context) ([]fedtypes.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fedtypes.Instance, 0, len(r.index))
	for _, instance := range r.index {
		out = append(out, instance.Clone())
	}
	return out, nil
}

// GetHealthyInstances returns instances that are active and either healthy
// or degraded — the candidate pool the Router selects from.
func (r *Registry) GetHealthyInstances(ctx context.Context) ([]fedtypes.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fedtypes.Instance, 0, len(r.index))
	for _, instance := range r.index {
		if instance.IsCandidate() {
			out = append(out, instance.Clone())
		}
	}
	return out, nil
}

// GetCapacityReport aggregates session utilization across all active
// instances, broken down by region.
func (r *Registry) GetCapacityReport(ctx context.Context) (fedtypes.CapacityReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byRegion := make(map[string]*fedtypes.RegionCapacity)
	var totalInstances, activeInstances, healthyInstances, totalSessions, totalCapacity int

	for _, instance := range r.index {
		totalInstances++
		if !instance.IsActive {
			continue
		}
		activeInstances++
		if instance.IsCandidate() {
			healthyInstances++
		}

		region, ok := byRegion[instance.Region]
		if !ok {
			region = &fedtypes.RegionCapacity{Region: instance.Region}
			byRegion[instance.Region] = region
		}
		region.InstanceCount++
		region.CurrentSessions += instance.CurrentSessions
		region.MaxSessions += instance.MaxSessions
		totalSessions += instance.CurrentSessions
		totalCapacity += instance.MaxSessions
	}

	report := fedtypes.CapacityReport{
		TotalInstances:   totalInstances,
		ActiveInstances:  activeInstances,
		HealthyInstances: healthyInstances,
		TotalSessions:    totalSessions,
		TotalCapacity:    totalCapacity,
		GeneratedAt:      r.clock(),
	}
	if totalCapacity > 0 {
		report.Utilization = float64(totalSessions) / float64(totalCapacity)
	} else {
		report.Utilization = 1.0
	}
	for _, region := range byRegion {
		report.ByRegion = append(report.ByRegion, *region)
	}

	return report, nil
}

func changedFields(update fedtypes.InstanceUpdate) []string {
	var fields []string
	if update.Region != nil {
		fields = append(fields, "region")
	}
	if update.Zone != nil {
		fields = append(fields, "zone")
	}
	if update.Version != nil {
		fields = append(fields, "version")
	}
	if update.Capabilities != nil {
		fields = append(fields, "capabilities")
	}
	if update.HealthStatus != nil {
		fields = append(fields, "healthStatus")
	}
	if update.CurrentSessions != nil {
		fields = append(fields, "currentSessions")
	}
	if update.MaxSessions != nil {
		fields = append(fields, "maxSessions")
	}
	if update.CPUPercent != nil {
		fields = append(fields, "cpuPercent")
	}
	if update.MemoryPercent != nil {
		fields = append(fields, "memoryPercent")
	}
	if update.RoutingWeight != nil {
		fields = append(fields, "routingWeight")
	}
	if update.IsActive != nil {
		fields = append(fields, "isActive")
	}
	if update.LastHealthCheck != nil {
		fields = append(fields, "lastHealthCheck")
	}
	return fields
}

func (r *Registry) publish(topic fedtypes.Topic, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(fedtypes.Event{ID: uuid.NewString(), Topic: topic, Payload: payload, Timestamp: r.clock()})
}

func (r *Registry) recordOperation(operation, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RegistryOperations.WithLabelValues(operation, status).Inc()
}

// refreshInstanceGauge recomputes InstancesTotal from the current index. It
// resets the vector first so a health_status/region combination that no
// longer has any instances doesn't linger at a stale nonzero value.
func (r *Registry) refreshInstanceGauge() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	counts := make(map[[2]string]int, len(r.index))
	for _, instance := range r.index {
		counts[[2]string{string(instance.HealthStatus), instance.Region}]++
	}
	r.mu.RUnlock()

	r.metrics.InstancesTotal.Reset()
	for key, count := range counts {
		r.metrics.InstancesTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
}
