// Package health exposes an orchestrator's health over HTTP. The full
// handler serves the complete snapshot as JSON for dashboards and
// operators; the readiness and liveness handlers serve the minimal bodies
// load balancers and process supervisors expect.
package health

import (
	"encoding/json"
	"net/http"

	keel "github.com/keelmq/keel-go"
)

// Snapshotter supplies point-in-time health. *keel.Orchestrator satisfies
// it; tests can substitute a stub.
type Snapshotter interface {
	Snapshot() keel.HealthSnapshot
}

// Handler serves the full health snapshot as JSON. Status is 200 when every
// component is healthy and 503 otherwise, so the same endpoint works for
// both humans and probes.
type Handler struct {
	source Snapshotter
}

// NewHandler creates a health handler reading from source.
func NewHandler(source Snapshotter) *Handler {
	return &Handler{source: source}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := h.source.Snapshot()

	statusCode := http.StatusOK
	if snap.OverallStatus != keel.StatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		http.Error(w, "failed to encode health snapshot", http.StatusInternalServerError)
	}
}

// ReadinessHandler reports whether the orchestrator is ready to take
// traffic. Components that are still initializing count as not ready.
func ReadinessHandler(source Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if source.Snapshot().OverallStatus != keel.StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}

// LivenessHandler reports that the process is alive. It never consults
// component health; a wedged broker must not get the process restarted.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	}
}
