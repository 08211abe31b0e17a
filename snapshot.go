package keel

import "time"

// ComponentHealth is one component's entry in a health snapshot.
type ComponentHealth struct {
	Status        Status    `json:"status"`
	Type          string    `json:"type"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
}

// HealthSnapshot is a point-in-time aggregate of every component's health,
// shaped for JSON consumption by an HTTP layer.
type HealthSnapshot struct {
	OverallStatus Status                     `json:"overallStatus"`
	Components    map[string]ComponentHealth `json:"components"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// Snapshot reports the current health of every registered component.
// Overall status is healthy only when every component is healthy; an empty
// registry is healthy. Safe for concurrent callers.
func (o *Orchestrator) Snapshot() HealthSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := HealthSnapshot{
		OverallStatus: StatusHealthy,
		Components:    make(map[string]ComponentHealth, len(o.components)),
		Timestamp:     time.Now().UTC(),
	}
	for name, c := range o.components {
		snap.Components[name] = ComponentHealth{
			Status:        c.status,
			Type:          c.kind.String(),
			LastCheckedAt: c.lastCheckedAt,
			ErrorCount:    c.errorCount,
			LastError:     c.lastError,
		}
		if c.status != StatusHealthy {
			snap.OverallStatus = StatusUnhealthy
		}
	}
	return snap
}
