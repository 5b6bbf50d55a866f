package router

import (
	"sync"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// backpressureController derives a BackpressureStatus from a CapacityReport
// on every call and remembers the last one so the Router can detect
// threshold crossings. It holds no TTL and is not part of affinity state.
type backpressureController struct {
	mu       sync.Mutex
	warn     float64
	reject   float64
	previous *fedtypes.BackpressureStatus
}

func newBackpressureController(warn, reject float64) *backpressureController {
	if warn <= 0 {
		warn = 0.90
	}
	if reject <= 0 {
		reject = 0.95
	}
	return &backpressureController{warn: warn, reject: reject}
}

// evaluate computes the current status for utilization and reports whether
// this call crossed into or out of the reject threshold relative to the
// previous call.
func (b *backpressureController) evaluate(utilization float64) (status fedtypes.BackpressureStatus, enteredReject, leftReject bool) {
	status = fedtypes.BackpressureStatus{
		CurrentUtilization: utilization,
		Threshold:          b.reject,
	}

	switch {
	case utilization >= b.reject:
		status.ShouldReject = true
		status.RecommendedAction = fedtypes.ActionScale
		status.Message = "federation utilization at or above reject threshold"
	case utilization >= b.warn:
		status.ShouldReject = false
		status.RecommendedAction = fedtypes.ActionQueue
		wait := estimatedWaitSeconds(utilization, b.warn, b.reject)
		status.EstimatedWaitSeconds = &wait
		status.Message = "federation utilization above warning threshold"
	default:
		status.ShouldReject = false
		status.RecommendedAction = fedtypes.ActionOK
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	wasReject := b.previous != nil && b.previous.ShouldReject
	enteredReject = status.ShouldReject && !wasReject
	leftReject = !status.ShouldReject && wasReject
	b.previous = &status

	return status, enteredReject, leftReject
}

// estimatedWaitSeconds steps 0/30/60 across the warn-reject band.
func estimatedWaitSeconds(utilization, warn, reject float64) int {
	span := reject - warn
	if span <= 0 {
		return 60
	}
	position := (utilization - warn) / span
	switch {
	case position < 1.0/3.0:
		return 0
	case position < 2.0/3.0:
		return 30
	default:
		return 60
	}
}
