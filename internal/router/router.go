// Package router implements stateless-per-call instance selection over the
// Registry's snapshot: candidate filtering, a closed set of selection
// strategies, session-affinity stickiness, and federation-wide
// backpressure.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/federation/internal/events"
	"github.com/haasonsaas/federation/internal/fedtypes"
	"github.com/haasonsaas/federation/internal/observability"
)

// instanceSource is the subset of *registry.Registry the Router depends on.
// Kept as an interface so tests can substitute a fake snapshot without
// spinning up a full registry/store pair.
type instanceSource interface {
	GetHealthyInstances(ctx context.Context) ([]fedtypes.Instance, error)
	GetCapacityReport(ctx context.Context) (fedtypes.CapacityReport, error)
}

// Config tunes the Router's defaults. Zero values fall back to
// SPEC_FULL.md's defaults.
type Config struct {
	DefaultStrategy    fedtypes.RoutingStrategy
	AffinityTTL        time.Duration
	BackpressureWarn   float64
	BackpressureReject float64
}

// Router selects a candidate instance for one call at a time. It holds no
// per-call state across calls except the affinity table and the cached
// backpressure status, both internally synchronized.
type Router struct {
	source  instanceSource
	bus     *events.Bus
	logger  *observability.Logger
	metrics *observability.Metrics

	defaultStrategy fedtypes.RoutingStrategy
	affinity        *affinityTable
	backpressure    *backpressureController
	rrCounter       atomic.Uint64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRouter constructs a Router over source. A nil bus disables event
// publication; a nil logger falls back to observability.NewLogger's
// defaults (info level, JSON, stdout).
func NewRouter(source instanceSource, bus *events.Bus, logger *observability.Logger, cfg Config) *Router {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	defaultStrategy := cfg.DefaultStrategy
	if defaultStrategy == "" {
		defaultStrategy = fedtypes.StrategyLeastLoaded
	}
	ttl := cfg.AffinityTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Router{
		source:          source,
		bus:             bus,
		logger:          logger,
		defaultStrategy: defaultStrategy,
		affinity:        newAffinityTable(ttl),
		backpressure:    newBackpressureController(cfg.BackpressureWarn, cfg.BackpressureReject),
	}
}

// SetMetrics attaches a Metrics collector. Optional; SelectInstance works
// without one.
func (r *Router) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// StartAffinitySweep runs a periodic eviction of stale affinity entries
// every interval until StopAffinitySweep is called. Calling it twice
// without an intervening stop is a no-op.
func (r *Router) StartAffinitySweep(interval time.Duration) {
	if r.sweepStop != nil {
		return
	}
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.affinity.sweep()
			case <-r.sweepStop:
				return
			}
		}
	}()
}

// StopAffinitySweep halts the sweep goroutine started by
// StartAffinitySweep and waits for it to exit. Safe to call when no sweep
// is running.
func (r *Router) StopAffinitySweep() {
	if r.sweepStop == nil {
		return
	}
	close(r.sweepStop)
	<-r.sweepDone
	r.sweepStop = nil
	r.sweepDone = nil
}

// ReleaseInstance drops every affinity entry pinned to instanceID. Callers
// invoke this when an instance is unregistered.
func (r *Router) ReleaseInstance(instanceID string) {
	r.affinity.clearInstanceAffinities(instanceID)
}

// SubscribeAffinityCleanup subscribes to the Router's event bus and clears
// affinity for any instance the Registry reports as unregistered. This is
// how the Router learns about removals without holding a back-pointer into
// the Registry. The returned subscription should be unsubscribed on
// shutdown; a nil bus makes this a no-op that returns nil.
func (r *Router) SubscribeAffinityCleanup() *events.Subscription {
	if r.bus == nil {
		return nil
	}
	sub := r.bus.Subscribe()
	go func() {
		for event := range sub.C {
			if event.Topic != fedtypes.TopicInstanceUnregistered {
				continue
			}
			if payload, ok := event.Payload.(fedtypes.InstanceUnregisteredPayload); ok {
				r.ReleaseInstance(payload.InstanceID)
			}
		}
	}()
	return sub
}

// SelectInstance picks one candidate instance for routingCtx. It is a pure
// function of the Registry's snapshot and the Router's own affinity and
// backpressure state at call time.
func (r *Router) SelectInstance(ctx context.Context, routingCtx fedtypes.RoutingContext) (fedtypes.InstanceSelection, error) {
	start := time.Now()
	strategyTag := routingCtx.Strategy
	if strategyTag == "" {
		strategyTag = r.defaultStrategy
	}

	report, err := r.source.GetCapacityReport(ctx)
	if err != nil {
		return fedtypes.InstanceSelection{}, err
	}
	status, enteredReject, leftReject := r.backpressure.evaluate(report.Utilization)
	r.emitBackpressureTransition(status, enteredReject, leftReject)

	if status.ShouldReject {
		r.recordSelectionError(strategyTag, "backpressure")
		if r.metrics != nil {
			r.metrics.BackpressureRejections.WithLabelValues(string(strategyTag)).Inc()
		}
		return fedtypes.InstanceSelection{}, &fedtypes.FederationCapacityError{
			Utilization: status.CurrentUtilization,
			Threshold:   status.Threshold,
		}
	}

	pool, err := r.source.GetHealthyInstances(ctx)
	if err != nil {
		return fedtypes.InstanceSelection{}, err
	}

	candidates := filterCandidates(pool, routingCtx)
	if len(candidates) == 0 {
		r.recordSelectionError(strategyTag, "no_candidates")
		return fedtypes.InstanceSelection{}, &fedtypes.NoAvailableInstanceError{Context: routingCtx}
	}

	chosen, reason, err := r.strategyFor(strategyTag).pick(candidates, routingCtx)
	if err != nil {
		r.recordSelectionError(strategyTag, "strategy_error")
		return fedtypes.InstanceSelection{}, err
	}

	if routingCtx.SessionAffinity != "" {
		r.affinity.recordAffinity(routingCtx.SessionAffinity, chosen.ID)
	}

	selection := fedtypes.InstanceSelection{
		Instance:          chosen,
		Reason:            reason,
		Alternatives:      alternatives(candidates, chosen.ID),
		Strategy:          strategyTag,
		DecisionLatencyMs: time.Since(start).Milliseconds(),
	}

	if r.metrics != nil {
		r.metrics.SelectionsTotal.WithLabelValues(string(strategyTag)).Inc()
		r.metrics.SelectionDuration.WithLabelValues(string(strategyTag)).Observe(time.Since(start).Seconds())
	}

	return selection, nil
}

// filterCandidates applies SPEC_FULL.md §4.2 step 2 in order: required
// capabilities, soft region preference, exclusions, minimum capacity.
func filterCandidates(pool []fedtypes.Instance, ctx fedtypes.RoutingContext) []fedtypes.Instance {
	candidates := pool

	if len(ctx.RequiredCapabilities) > 0 {
		candidates = filter(candidates, func(i fedtypes.Instance) bool {
			return i.HasAllCapabilities(ctx.RequiredCapabilities)
		})
	}

	if ctx.PreferredRegion != "" {
		regional := filter(candidates, func(i fedtypes.Instance) bool {
			return i.Region == ctx.PreferredRegion
		})
		if len(regional) > 0 {
			candidates = regional
		}
	}

	if len(ctx.ExcludeInstances) > 0 {
		excludeSet := make(map[string]struct{}, len(ctx.ExcludeInstances))
		for _, id := range ctx.ExcludeInstances {
			excludeSet[id] = struct{}{}
		}
		candidates = filter(candidates, func(i fedtypes.Instance) bool {
			_, excluded := excludeSet[i.ID]
			return !excluded
		})
	}

	if ctx.MinCapacity > 0 {
		candidates = filter(candidates, func(i fedtypes.Instance) bool {
			return i.MaxSessions-i.CurrentSessions >= ctx.MinCapacity
		})
	}

	return candidates
}

func filter(instances []fedtypes.Instance, keep func(fedtypes.Instance) bool) []fedtypes.Instance {
	out := make([]fedtypes.Instance, 0, len(instances))
	for _, i := range instances {
		if keep(i) {
			out = append(out, i)
		}
	}
	return out
}

// alternatives returns up to 3 other candidates besides chosenID, in
// iteration order.
func alternatives(candidates []fedtypes.Instance, chosenID string) []fedtypes.Instance {
	var out []fedtypes.Instance
	for _, c := range candidates {
		if c.ID == chosenID {
			continue
		}
		out = append(out, c)
		if len(out) == 3 {
			break
		}
	}
	return out
}

func (r *Router) emitBackpressureTransition(status fedtypes.BackpressureStatus, enteredReject, leftReject bool) {
	if r.metrics != nil {
		r.metrics.BackpressureUtilization.Set(status.CurrentUtilization)
	}

	switch {
	case enteredReject:
		r.logger.Warn(context.Background(), "backpressure activated", "utilization", status.CurrentUtilization, "threshold", status.Threshold)
		r.publish(fedtypes.TopicBackpressureActivated, fedtypes.BackpressurePayload{
			Utilization: status.CurrentUtilization,
			Threshold:   status.Threshold,
			Timestamp:   time.Now(),
		})
	case leftReject:
		r.logger.Info(context.Background(), "backpressure relieved", "utilization", status.CurrentUtilization, "threshold", status.Threshold)
		r.publish(fedtypes.TopicBackpressureRelieved, fedtypes.BackpressurePayload{
			Utilization: status.CurrentUtilization,
			Threshold:   status.Threshold,
			Timestamp:   time.Now(),
		})
	}
}

func (r *Router) recordSelectionError(strategyTag fedtypes.RoutingStrategy, reason string) {
	if r.metrics != nil {
		r.metrics.SelectionErrors.WithLabelValues(string(strategyTag), reason).Inc()
	}
}

func (r *Router) publish(topic fedtypes.Topic, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(fedtypes.Event{ID: uuid.NewString(), Topic: topic, Payload: payload, Timestamp: time.Now()})
}
