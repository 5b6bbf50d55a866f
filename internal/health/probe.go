package health

import (
	"encoding/json"
	"io"

	"github.com/haasonsaas/federation/internal/fedtypes"
)

// decodeProbeBody best-effort parses the probe response body as a JSON
// object. A non-object body, or no body at all, yields a nil map rather
// than an error: response fields are advisory.
func decodeProbeBody(body io.Reader) map[string]any {
	var parsed map[string]any
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil
	}
	return parsed
}

// classifyProbeBody applies SPEC_FULL.md's body-derived classification to
// an already-2xx response. A missing or unparsable body is healthy.
func classifyProbeBody(body map[string]any) fedtypes.HealthStatus {
	if body == nil {
		return fedtypes.HealthHealthy
	}

	if status, ok := body["status"].(string); ok {
		switch status {
		case "degraded":
			return fedtypes.HealthDegraded
		case "unhealthy":
			return fedtypes.HealthUnhealthy
		}
	}

	if pct, ok := numericField(body, "cpuPercent"); ok && pct > 90 {
		return fedtypes.HealthDegraded
	}
	if pct, ok := numericField(body, "memoryPercent"); ok && pct > 90 {
		return fedtypes.HealthDegraded
	}

	return fedtypes.HealthHealthy
}

// numericField reads a field that may have been decoded as any JSON number
// type (json.Decode always produces float64 for plain numbers, but this
// guards against callers constructing the map by hand in tests).
func numericField(body map[string]any, key string) (float64, bool) {
	v, ok := body[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
