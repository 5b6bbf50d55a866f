// Package health implements the federation's periodic instance probe loop:
// concurrent HTTP health checks, hysteresis over consecutive failures, a
// bounded per-instance history, and idempotent start/stop, in the idiom of
// the teacher's heartbeat runner.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/federation/internal/events"
	"github.com/haasonsaas/federation/internal/fedtypes"
	"github.com/haasonsaas/federation/internal/observability"
)

// registryView is the subset of *registry.Registry the Monitor depends on.
type registryView interface {
	GetAllInstances(ctx context.Context) ([]fedtypes.Instance, error)
	Update(ctx context.Context, id string, update fedtypes.InstanceUpdate) (fedtypes.Instance, error)
	Unregister(ctx context.Context, id string) (bool, error)
}

// Config tunes the probe loop. Zero values fall back to SPEC_FULL.md's
// defaults.
type Config struct {
	CheckInterval   time.Duration
	CheckTimeout    time.Duration
	AutoRemoveAfter time.Duration // 0 disables auto-removal
}

// Monitor runs a ticking probe loop over every active instance in the
// registry. It owns its per-instance history and hysteresis counters; no
// other component reaches into that state.
type Monitor struct {
	registry registryView
	bus      *events.Bus
	logger   *observability.Logger
	metrics  *observability.Metrics
	client   *http.Client

	interval        time.Duration
	timeout         time.Duration
	autoRemoveAfter time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	histMu  sync.Mutex
	history map[string]*fedtypes.HealthCheckHistory
}

// NewMonitor constructs a Monitor over registry. A nil bus disables event
// publication; a nil logger falls back to observability.NewLogger's
// defaults (info level, JSON, stdout).
func NewMonitor(reg registryView, bus *events.Bus, logger *observability.Logger, cfg Config) *Monitor {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Monitor{
		registry:        reg,
		bus:             bus,
		logger:          logger,
		client:          &http.Client{Timeout: timeout},
		interval:        interval,
		timeout:         timeout,
		autoRemoveAfter: cfg.AutoRemoveAfter,
		history:         make(map[string]*fedtypes.HealthCheckHistory),
	}
}

// SetMetrics attaches a Metrics collector. Optional; the probe loop works
// without one.
func (m *Monitor) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// Start begins the tick loop. Calling Start while already running logs a
// warning and no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn(ctx, "health monitor already running, ignoring Start")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the tick loop and blocks until the run loop has exited.
// Calling Stop when not running is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether the tick loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		close(m.doneCh)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// runCycle snapshots active instances and probes all of them concurrently,
// then publishes an aggregate cycle.completed event.
func (m *Monitor) runCycle(ctx context.Context) {
	instances, err := m.registry.GetAllInstances(ctx)
	if err != nil {
		m.logger.Error(ctx, "health monitor failed to list instances", "error", err)
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var checked, healthy, degraded, unhealthy int

	for _, instance := range instances {
		if !instance.IsActive {
			continue
		}
		wg.Add(1)
		go func(instance fedtypes.Instance) {
			defer wg.Done()
			result, err := m.CheckInstance(ctx, instance)
			if err != nil {
				m.logger.Error(ctx, "probe failed", "instance_id", instance.ID, "error", err)
				return
			}

			mu.Lock()
			checked++
			switch result.Status {
			case fedtypes.HealthHealthy:
				healthy++
			case fedtypes.HealthDegraded:
				degraded++
			case fedtypes.HealthUnhealthy:
				unhealthy++
			}
			mu.Unlock()

			m.applyResult(ctx, instance, result)
		}(instance)
	}
	wg.Wait()

	if m.metrics != nil {
		m.metrics.CyclesCompleted.Inc()
	}
	m.publish(fedtypes.TopicCycleCompleted, fedtypes.CycleCompletedPayload{
		Checked:      checked,
		Healthy:      healthy,
		Degraded:     degraded,
		Unhealthy:    unhealthy,
		TotalLatency: time.Since(start),
		Timestamp:    time.Now(),
	})
}

// CheckInstance performs one probe of instance, usable on demand outside
// the tick loop.
func (m *Monitor) CheckInstance(ctx context.Context, instance fedtypes.Instance) (fedtypes.HealthCheckResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	status, details, probeErr := m.probe(probeCtx, instance.Endpoint)
	latency := time.Since(start)

	result := fedtypes.HealthCheckResult{
		InstanceID: instance.ID,
		Status:     status,
		LatencyMs:  latency.Milliseconds(),
		Details:    details,
		Timestamp:  time.Now(),
	}
	if probeErr != nil {
		result.Error = probeErr.Error()
	}

	if m.metrics != nil {
		m.metrics.HealthCheckDuration.WithLabelValues(instance.ID).Observe(latency.Seconds())
	}
	m.publish(fedtypes.TopicHealthChecked, fedtypes.HealthCheckedPayload{
		InstanceID: instance.ID,
		Status:     status,
		LatencyMs:  result.LatencyMs,
		Timestamp:  result.Timestamp,
	})

	return result, nil
}

// probe issues the GET {endpoint}/health request and classifies the
// response per SPEC_FULL.md §4.3. Transport failure, timeout, or a
// non-2xx status is always unhealthy.
func (m *Monitor) probe(ctx context.Context, endpoint string) (fedtypes.HealthStatus, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return fedtypes.HealthUnhealthy, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fedtypes.HealthUnhealthy, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fedtypes.HealthUnhealthy, nil, nil
	}

	body := decodeProbeBody(resp.Body)
	return classifyProbeBody(body), body, nil
}

// applyResult folds one probe result into the instance's history, applies
// hysteresis, unregisters the instance once its unhealthy duration reaches
// autoRemoveAfter, and otherwise writes back a transition if the status
// changed.
func (m *Monitor) applyResult(ctx context.Context, instance fedtypes.Instance, result fedtypes.HealthCheckResult) {
	m.histMu.Lock()
	hist, ok := m.history[instance.ID]
	if !ok {
		hist = &fedtypes.HealthCheckHistory{InstanceID: instance.ID}
		m.history[instance.ID] = hist
	}
	previousStatus := instance.HealthStatus

	switch result.Status {
	case fedtypes.HealthUnhealthy:
		hist.ConsecutiveFailures++
	case fedtypes.HealthHealthy:
		hist.ConsecutiveFailures = 0
	}
	hist.Append(result)
	consecutiveFailures := hist.ConsecutiveFailures
	m.histMu.Unlock()

	if m.autoRemoveAfter > 0 && result.Status == fedtypes.HealthUnhealthy {
		unhealthyFor := time.Duration(consecutiveFailures) * m.interval
		if unhealthyFor >= m.autoRemoveAfter {
			if _, err := m.registry.Unregister(ctx, instance.ID); err != nil {
				m.logger.Error(ctx, "health monitor failed to auto-remove instance", "instance_id", instance.ID, "error", err)
			}
			return
		}
	}

	if result.Status == previousStatus {
		return
	}

	newStatus := result.Status
	_, err := m.registry.Update(ctx, instance.ID, fedtypes.InstanceUpdate{
		HealthStatus:    &newStatus,
		LastHealthCheck: timePtr(result.Timestamp),
	})
	if err != nil {
		m.logger.Error(ctx, "health monitor failed to write back transition", "instance_id", instance.ID, "error", err)
		return
	}

	if m.metrics != nil {
		m.metrics.HealthTransitions.WithLabelValues(string(previousStatus), string(newStatus)).Inc()
	}

	payload := fedtypes.HealthTransitionPayload{
		InstanceID:          instance.ID,
		PreviousStatus:      previousStatus,
		NewStatus:           newStatus,
		ConsecutiveFailures: consecutiveFailures,
		Timestamp:           result.Timestamp,
	}
	switch newStatus {
	case fedtypes.HealthHealthy:
		m.publish(fedtypes.TopicHealthRecovered, payload)
	case fedtypes.HealthDegraded:
		m.publish(fedtypes.TopicHealthDegraded, payload)
	case fedtypes.HealthUnhealthy:
		m.publish(fedtypes.TopicHealthUnhealthy, payload)
	}
}

// GetHistory returns the retained probe history for id.
func (m *Monitor) GetHistory(id string) (fedtypes.HealthCheckHistory, bool) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	hist, ok := m.history[id]
	if !ok {
		return fedtypes.HealthCheckHistory{}, false
	}
	return *hist, true
}

// GetFailureCount returns the current consecutiveFailures counter for id.
func (m *Monitor) GetFailureCount(id string) (int, bool) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	hist, ok := m.history[id]
	if !ok {
		return 0, false
	}
	return hist.ConsecutiveFailures, true
}

// ClearHistory discards the retained history for id.
func (m *Monitor) ClearHistory(id string) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	delete(m.history, id)
}

func (m *Monitor) publish(topic fedtypes.Topic, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(fedtypes.Event{ID: uuid.NewString(), Topic: topic, Payload: payload, Timestamp: time.Now()})
}

func timePtr(t time.Time) *time.Time {
	return &t
}
