package registry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/federation/internal/events"
	"github.com/haasonsaas/federation/internal/fedtypes"
	"github.com/haasonsaas/federation/internal/observability"
	"github.com/haasonsaas/federation/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus(nil)
	reg, err := NewRegistry(context.Background(), store.NewMemoryStore(), bus, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg, bus
}

func TestRegisterThenUnregisterRoundTrips(t *testing.T) {
	ctx := context.Background()
	reg, bus := newTestRegistry(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	instance, err := reg.Register(ctx, RegisterInput{Endpoint: "http://a.local", Region: "us-east-1", MaxSessions: 10})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if instance.ID == "" {
		t.Fatal("expected Register to assign an ID")
	}
	if instance.HealthStatus != fedtypes.HealthUnknown {
		t.Errorf("HealthStatus = %v, want unknown", instance.HealthStatus)
	}

	if evt := <-sub.C; evt.Topic != fedtypes.TopicInstanceRegistered {
		t.Errorf("expected instance.registered, got %v", evt.Topic)
	}

	removed, err := reg.Unregister(ctx, instance.ID)
	if err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if !removed {
		t.Error("expected Unregister to report removal")
	}
	if evt := <-sub.C; evt.Topic != fedtypes.TopicInstanceUnregistered {
		t.Errorf("expected instance.unregistered, got %v", evt.Topic)
	}

	if _, found, _ := reg.Get(ctx, instance.ID); found {
		t.Error("expected instance to be gone after Unregister")
	}
}

func TestRegisterDuplicateEndpointFails(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	if _, err := reg.Register(ctx, RegisterInput{Endpoint: "http://a.local"}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	_, err := reg.Register(ctx, RegisterInput{Endpoint: "http://a.local"})
	if err == nil {
		t.Fatal("expected duplicate endpoint registration to fail")
	}
	var regErr *fedtypes.InstanceRegistrationError
	if !isRegistrationError(err, &regErr) {
		t.Errorf("expected InstanceRegistrationError, got %T: %v", err, err)
	}
}

func TestUnregisterUnknownIDReturnsFalse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	removed, err := reg.Unregister(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if removed {
		t.Error("expected Unregister on unknown id to return false")
	}
}

func TestUpdateEmitsHealthChangedOnTransition(t *testing.T) {
	ctx := context.Background()
	reg, bus := newTestRegistry(t)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	instance, _ := reg.Register(ctx, RegisterInput{Endpoint: "http://a.local", MaxSessions: 10})
	<-sub.C // drain instance.registered

	newStatus := fedtypes.HealthHealthy
	updated, err := reg.Update(ctx, instance.ID, fedtypes.InstanceUpdate{HealthStatus: &newStatus})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.HealthStatus != fedtypes.HealthHealthy {
		t.Errorf("HealthStatus = %v, want healthy", updated.HealthStatus)
	}

	if evt := <-sub.C; evt.Topic != fedtypes.TopicInstanceUpdated {
		t.Errorf("expected instance.updated first, got %v", evt.Topic)
	}
	if evt := <-sub.C; evt.Topic != fedtypes.TopicInstanceHealthChanged {
		t.Errorf("expected instance.health_changed, got %v", evt.Topic)
	}
}

func TestUpdateUnknownIDReturnsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Update(context.Background(), "missing", fedtypes.InstanceUpdate{})
	if !fedtypes.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestGetHealthyInstancesFiltersByCandidacy(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	healthy, _ := reg.Register(ctx, RegisterInput{Endpoint: "http://healthy.local", MaxSessions: 10})
	degraded, _ := reg.Register(ctx, RegisterInput{Endpoint: "http://degraded.local", MaxSessions: 10})
	unhealthy, _ := reg.Register(ctx, RegisterInput{Endpoint: "http://unhealthy.local", MaxSessions: 10})

	h := fedtypes.HealthHealthy
	d := fedtypes.HealthDegraded
	u := fedtypes.HealthUnhealthy
	mustUpdate(t, reg, ctx, healthy.ID, fedtypes.InstanceUpdate{HealthStatus: &h})
	mustUpdate(t, reg, ctx, degraded.ID, fedtypes.InstanceUpdate{HealthStatus: &d})
	mustUpdate(t, reg, ctx, unhealthy.ID, fedtypes.InstanceUpdate{HealthStatus: &u})

	candidates, err := reg.GetHealthyInstances(ctx)
	if err != nil {
		t.Fatalf("GetHealthyInstances() error = %v", err)
	}
	if len(candidates) != 2 {
		t.Errorf("GetHealthyInstances() returned %d instances, want 2", len(candidates))
	}
}

func TestGetCapacityReportAggregatesByRegion(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	a, _ := reg.Register(ctx, RegisterInput{Endpoint: "http://a.local", Region: "us-east-1", MaxSessions: 10})
	b, _ := reg.Register(ctx, RegisterInput{Endpoint: "http://b.local", Region: "us-east-1", MaxSessions: 10})

	sessionsA := 5
	sessionsB := 2
	mustUpdate(t, reg, ctx, a.ID, fedtypes.InstanceUpdate{CurrentSessions: &sessionsA})
	mustUpdate(t, reg, ctx, b.ID, fedtypes.InstanceUpdate{CurrentSessions: &sessionsB})

	report, err := reg.GetCapacityReport(ctx)
	if err != nil {
		t.Fatalf("GetCapacityReport() error = %v", err)
	}
	if report.TotalSessions != 7 || report.TotalCapacity != 20 {
		t.Errorf("report = %+v, want sessions=7 capacity=20", report)
	}
	if len(report.ByRegion) != 1 || report.ByRegion[0].Region != "us-east-1" {
		t.Errorf("unexpected region breakdown: %+v", report.ByRegion)
	}
}

func TestNewRegistryLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	_ = backing.Save(ctx, fedtypes.Instance{ID: "i1", Endpoint: "http://a.local", MaxSessions: 10})

	reg, err := NewRegistry(ctx, backing, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, found, _ := reg.Get(ctx, "i1"); !found {
		t.Error("expected NewRegistry to load existing store records into the index")
	}
}

func mustUpdate(t *testing.T, reg *Registry, ctx context.Context, id string, update fedtypes.InstanceUpdate) {
	t.Helper()
	if _, err := reg.Update(ctx, id, update); err != nil {
		t.Fatalf("Update(%s) error = %v", id, err)
	}
}

func isRegistrationError(err error, target **fedtypes.InstanceRegistrationError) bool {
	re, ok := err.(*fedtypes.InstanceRegistrationError)
	if ok {
		*target = re
	}
	return ok
}

func TestMetricsTrackRegistrationsAndInstanceGauge(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	metrics := observability.NewMetrics()
	reg.SetMetrics(metrics)

	instance, err := reg.Register(ctx, RegisterInput{Endpoint: "http://a.local", Region: "us-east-1", MaxSessions: 10})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.RegistryOperations.WithLabelValues("register", "success")); got != 1 {
		t.Errorf("RegistryOperations(register, success) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.InstancesTotal.WithLabelValues(string(fedtypes.HealthUnknown), "us-east-1")); got != 1 {
		t.Errorf("InstancesTotal(unknown, us-east-1) = %v, want 1", got)
	}

	healthy := fedtypes.HealthHealthy
	mustUpdate(t, reg, ctx, instance.ID, fedtypes.InstanceUpdate{HealthStatus: &healthy})

	if got := testutil.ToFloat64(metrics.RegistryOperations.WithLabelValues("update", "success")); got != 1 {
		t.Errorf("RegistryOperations(update, success) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.InstancesTotal.WithLabelValues(string(fedtypes.HealthUnknown), "us-east-1")); got != 0 {
		t.Errorf("InstancesTotal(unknown, us-east-1) after transition = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.InstancesTotal.WithLabelValues(string(fedtypes.HealthHealthy), "us-east-1")); got != 1 {
		t.Errorf("InstancesTotal(healthy, us-east-1) = %v, want 1", got)
	}

	if _, err := reg.Unregister(ctx, instance.ID); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.RegistryOperations.WithLabelValues("unregister", "success")); got != 1 {
		t.Errorf("RegistryOperations(unregister, success) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.InstancesTotal.WithLabelValues(string(fedtypes.HealthHealthy), "us-east-1")); got != 0 {
		t.Errorf("InstancesTotal(healthy, us-east-1) after unregister = %v, want 0", got)
	}
}
