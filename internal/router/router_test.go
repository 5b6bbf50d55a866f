package router

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/federation/internal/events"
	"github.com/haasonsaas/federation/internal/fedtypes"
)

// fakeSource is a fixed, mutable snapshot satisfying instanceSource without
// a registry or store.
type fakeSource struct {
	instances []fedtypes.Instance
}

func (f *fakeSource) GetHealthyInstances(ctx context.Context) ([]fedtypes.Instance, error) {
	var out []fedtypes.Instance
	for _, i := range f.instances {
		if i.IsCandidate() {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeSource) GetCapacityReport(ctx context.Context) (fedtypes.CapacityReport, error) {
	var sessions, capacity int
	for _, i := range f.instances {
		sessions += i.CurrentSessions
		capacity += i.MaxSessions
	}
	util := 0.0
	if capacity > 0 {
		util = float64(sessions) / float64(capacity)
	}
	return fedtypes.CapacityReport{TotalSessions: sessions, TotalCapacity: capacity, Utilization: util}, nil
}

func newTestRouter(instances ...fedtypes.Instance) (*Router, *fakeSource) {
	src := &fakeSource{instances: instances}
	return NewRouter(src, nil, nil, Config{}), src
}

func instance(id, region string, current, max int, health fedtypes.HealthStatus, caps ...string) fedtypes.Instance {
	return fedtypes.Instance{
		ID:              id,
		Region:          region,
		CurrentSessions: current,
		MaxSessions:     max,
		HealthStatus:    health,
		Capabilities:    caps,
		RoutingWeight:   1,
		IsActive:        true,
	}
}

func TestLeastLoadedPicksLeastUtilized(t *testing.T) {
	a := instance("a", "us-east-1", 1, 10, fedtypes.HealthHealthy)
	b := instance("b", "us-east-1", 5, 10, fedtypes.HealthHealthy)
	r, _ := newTestRouter(a, b)

	sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{Strategy: fedtypes.StrategyLeastLoaded})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if sel.Instance.ID != "a" {
		t.Errorf("Instance.ID = %q, want a", sel.Instance.ID)
	}
	if !strings.Contains(sel.Reason, "load") {
		t.Errorf("Reason = %q, want it to mention load", sel.Reason)
	}
}

func TestRegionIsASoftPreference(t *testing.T) {
	a := instance("a", "us-east-1", 0, 10, fedtypes.HealthHealthy)
	b := instance("b", "eu-west-1", 0, 10, fedtypes.HealthHealthy)
	r, _ := newTestRouter(a, b)

	sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{Strategy: fedtypes.StrategyLeastLoaded, PreferredRegion: "us-east-1"})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if sel.Instance.ID != "a" {
		t.Errorf("Instance.ID = %q, want a (preferred region present)", sel.Instance.ID)
	}

	sel, err = r.SelectInstance(context.Background(), fedtypes.RoutingContext{Strategy: fedtypes.StrategyLeastLoaded, PreferredRegion: "ap-south-1"})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if sel.Instance.ID != "a" && sel.Instance.ID != "b" {
		t.Fatalf("unexpected instance %q", sel.Instance.ID)
	}
}

func TestAffinitySurvivesRepeatCallAndInvalidatesOnRemoval(t *testing.T) {
	a := instance("a", "us-east-1", 0, 10, fedtypes.HealthHealthy)
	b := instance("b", "us-east-1", 0, 10, fedtypes.HealthHealthy)
	r, src := newTestRouter(a, b)

	ctx := fedtypes.RoutingContext{SessionAffinity: "s1", Strategy: fedtypes.StrategySessionAffinity}

	first, err := r.SelectInstance(context.Background(), ctx)
	if err != nil {
		t.Fatalf("first SelectInstance() error = %v", err)
	}

	second, err := r.SelectInstance(context.Background(), ctx)
	if err != nil {
		t.Fatalf("second SelectInstance() error = %v", err)
	}
	if second.Instance.ID != first.Instance.ID {
		t.Fatalf("expected repeat call to stick to %q, got %q", first.Instance.ID, second.Instance.ID)
	}

	for i := range src.instances {
		if src.instances[i].ID == first.Instance.ID {
			src.instances[i].IsActive = false
		}
	}

	third, err := r.SelectInstance(context.Background(), ctx)
	if err != nil {
		t.Fatalf("third SelectInstance() error = %v", err)
	}
	if third.Instance.ID == first.Instance.ID {
		t.Fatalf("expected fallback away from deactivated instance %q", first.Instance.ID)
	}

	if got, ok := r.affinity.lookup("s1"); !ok || got != third.Instance.ID {
		t.Errorf("affinity for s1 = %q, want %q", got, third.Instance.ID)
	}
}

func TestCapabilityFilterIsStrict(t *testing.T) {
	a := instance("a", "us-east-1", 0, 10, fedtypes.HealthHealthy, "gpu")
	b := instance("b", "us-east-1", 0, 10, fedtypes.HealthHealthy, "gpu", "vision")
	r, _ := newTestRouter(a, b)

	sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{
		Strategy:             fedtypes.StrategyCapabilityMatch,
		RequiredCapabilities: []string{"gpu", "vision"},
	})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if sel.Instance.ID != "b" {
		t.Errorf("Instance.ID = %q, want b", sel.Instance.ID)
	}

	_, err = r.SelectInstance(context.Background(), fedtypes.RoutingContext{
		Strategy:             fedtypes.StrategyCapabilityMatch,
		RequiredCapabilities: []string{"tpu"},
	})
	if !fedtypes.IsNoAvailableInstance(err) {
		t.Errorf("expected NoAvailableInstanceError, got %v", err)
	}
}

func TestBackpressureRejectsAtHighUtilization(t *testing.T) {
	a := instance("a", "us-east-1", 49, 50, fedtypes.HealthHealthy)
	b := instance("b", "us-east-1", 49, 50, fedtypes.HealthHealthy)
	r, _ := newTestRouter(a, b)

	_, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{})
	if !fedtypes.IsCapacityError(err) {
		t.Fatalf("expected FederationCapacityError, got %v", err)
	}
	var capErr *fedtypes.FederationCapacityError
	if !asCapacityError(err, &capErr) {
		t.Fatalf("expected *FederationCapacityError, got %T", err)
	}
	if capErr.Threshold != 0.95 {
		t.Errorf("Threshold = %v, want 0.95", capErr.Threshold)
	}
}

func TestNoCandidatesReturnsNoAvailableInstanceError(t *testing.T) {
	r, _ := newTestRouter()
	_, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{})
	if !fedtypes.IsNoAvailableInstance(err) {
		t.Fatalf("expected NoAvailableInstanceError, got %v", err)
	}
}

func TestExcludedInstanceIsNeverSelected(t *testing.T) {
	a := instance("a", "us-east-1", 0, 10, fedtypes.HealthHealthy)
	b := instance("b", "us-east-1", 5, 10, fedtypes.HealthHealthy)
	r, _ := newTestRouter(a, b)

	sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{ExcludeInstances: []string{"a"}})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if sel.Instance.ID != "b" {
		t.Errorf("Instance.ID = %q, want b (a excluded)", sel.Instance.ID)
	}
}

func TestMaxSessionsZeroNeverWinsLeastLoaded(t *testing.T) {
	a := instance("a", "us-east-1", 0, 0, fedtypes.HealthHealthy)
	b := instance("b", "us-east-1", 3, 10, fedtypes.HealthHealthy)
	r, _ := newTestRouter(a, b)

	sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{Strategy: fedtypes.StrategyLeastLoaded})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if sel.Instance.ID != "b" {
		t.Errorf("Instance.ID = %q, want b (a has zero capacity)", sel.Instance.ID)
	}
}

func TestUnknownStrategyFallsBackToLeastLoaded(t *testing.T) {
	a := instance("a", "us-east-1", 1, 10, fedtypes.HealthHealthy)
	b := instance("b", "us-east-1", 5, 10, fedtypes.HealthHealthy)
	r, _ := newTestRouter(a, b)

	sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{Strategy: fedtypes.RoutingStrategy("bogus")})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if sel.Instance.ID != "a" {
		t.Errorf("Instance.ID = %q, want a", sel.Instance.ID)
	}
}

func TestSelectInstanceDoesNotMutateSource(t *testing.T) {
	a := instance("a", "us-east-1", 1, 10, fedtypes.HealthHealthy)
	r, src := newTestRouter(a)

	_, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if !reflect.DeepEqual(src.instances[0], a) {
		t.Errorf("source instance mutated: got %+v, want %+v", src.instances[0], a)
	}
}

func TestAlternativesCappedAtThree(t *testing.T) {
	instances := []fedtypes.Instance{
		instance("a", "us-east-1", 0, 10, fedtypes.HealthHealthy),
		instance("b", "us-east-1", 1, 10, fedtypes.HealthHealthy),
		instance("c", "us-east-1", 2, 10, fedtypes.HealthHealthy),
		instance("d", "us-east-1", 3, 10, fedtypes.HealthHealthy),
		instance("e", "us-east-1", 4, 10, fedtypes.HealthHealthy),
	}
	r, _ := newTestRouter(instances...)

	sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{Strategy: fedtypes.StrategyLeastLoaded})
	if err != nil {
		t.Fatalf("SelectInstance() error = %v", err)
	}
	if len(sel.Alternatives) != 3 {
		t.Errorf("len(Alternatives) = %d, want 3", len(sel.Alternatives))
	}
	for _, alt := range sel.Alternatives {
		if alt.ID == sel.Instance.ID {
			t.Errorf("alternative %q duplicates chosen instance", alt.ID)
		}
	}
}

func TestRoundRobinDistributesAcrossCandidates(t *testing.T) {
	a := instance("a", "us-east-1", 0, 10, fedtypes.HealthHealthy)
	b := instance("b", "us-east-1", 0, 10, fedtypes.HealthHealthy)
	r, _ := newTestRouter(a, b)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		sel, err := r.SelectInstance(context.Background(), fedtypes.RoutingContext{Strategy: fedtypes.StrategyRoundRobin})
		if err != nil {
			t.Fatalf("SelectInstance() error = %v", err)
		}
		seen[sel.Instance.ID] = true
	}
	if len(seen) != 2 {
		t.Errorf("round-robin visited %d distinct instances over 4 calls, want 2", len(seen))
	}
}

func TestSubscribeAffinityCleanupClearsOnUnregisterEvent(t *testing.T) {
	bus := events.NewBus(nil)
	a := instance("a", "us-east-1", 0, 10, fedtypes.HealthHealthy)
	r := NewRouter(&fakeSource{instances: []fedtypes.Instance{a}}, bus, nil, Config{})

	sub := r.SubscribeAffinityCleanup()
	defer sub.Unsubscribe()

	r.affinity.recordAffinity("s1", "a")
	bus.Publish(fedtypes.Event{Topic: fedtypes.TopicInstanceUnregistered, Payload: fedtypes.InstanceUnregisteredPayload{InstanceID: "a"}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.affinity.lookup("s1"); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected affinity for s1 to be cleared after instance.unregistered event")
}

func asCapacityError(err error, target **fedtypes.FederationCapacityError) bool {
	ce, ok := err.(*fedtypes.FederationCapacityError)
	if ok {
		*target = ce
	}
	return ok
}
