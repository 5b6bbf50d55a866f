package router

import (
	"testing"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

func TestBackpressureBelowWarnIsOK(t *testing.T) {
	b := newBackpressureController(0.90, 0.95)
	status, _, _ := b.evaluate(0.5)
	if status.ShouldReject {
		t.Error("expected ShouldReject = false")
	}
	if status.RecommendedAction != fedtypes.ActionOK {
		t.Errorf("RecommendedAction = %v, want ok", status.RecommendedAction)
	}
}

func TestBackpressureWarnBandQueues(t *testing.T) {
	b := newBackpressureController(0.90, 0.95)
	status, _, _ := b.evaluate(0.92)
	if status.ShouldReject {
		t.Error("expected ShouldReject = false in warn band")
	}
	if status.RecommendedAction != fedtypes.ActionQueue {
		t.Errorf("RecommendedAction = %v, want queue", status.RecommendedAction)
	}
	if status.EstimatedWaitSeconds == nil {
		t.Fatal("expected EstimatedWaitSeconds to be set")
	}
}

func TestBackpressureRejectsAtOrAboveThreshold(t *testing.T) {
	b := newBackpressureController(0.90, 0.95)
	status, _, _ := b.evaluate(0.95)
	if !status.ShouldReject {
		t.Error("expected ShouldReject = true at exact threshold")
	}
	if status.RecommendedAction != fedtypes.ActionScale {
		t.Errorf("RecommendedAction = %v, want scale", status.RecommendedAction)
	}
}

func TestBackpressureEmitsTransitionOnlyOnCrossing(t *testing.T) {
	b := newBackpressureController(0.90, 0.95)

	_, entered, left := b.evaluate(0.5)
	if entered || left {
		t.Fatal("expected no transition from initial low utilization")
	}

	_, entered, left = b.evaluate(0.97)
	if !entered || left {
		t.Fatalf("expected entered=true left=false crossing into reject, got entered=%v left=%v", entered, left)
	}

	_, entered, left = b.evaluate(0.98)
	if entered || left {
		t.Fatalf("expected no further transition while staying in reject, got entered=%v left=%v", entered, left)
	}

	_, entered, left = b.evaluate(0.5)
	if entered || !left {
		t.Fatalf("expected entered=false left=true leaving reject, got entered=%v left=%v", entered, left)
	}
}

func TestBackpressureDefaultsWhenUnset(t *testing.T) {
	b := newBackpressureController(0, 0)
	if b.warn != 0.90 || b.reject != 0.95 {
		t.Errorf("defaults = (%v, %v), want (0.90, 0.95)", b.warn, b.reject)
	}
}
