package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/keelmq/keel-go"
)

type stubSnapshotter struct {
	snap keel.HealthSnapshot
}

func (s *stubSnapshotter) Snapshot() keel.HealthSnapshot {
	return s.snap
}

func healthySnapshot() keel.HealthSnapshot {
	return keel.HealthSnapshot{
		OverallStatus: keel.StatusHealthy,
		Components: map[string]keel.ComponentHealth{
			"broker": {
				Status:        keel.StatusHealthy,
				Type:          "broker",
				LastCheckedAt: time.Now().UTC(),
			},
		},
		Timestamp: time.Now().UTC(),
	}
}

func unhealthySnapshot() keel.HealthSnapshot {
	return keel.HealthSnapshot{
		OverallStatus: keel.StatusUnhealthy,
		Components: map[string]keel.ComponentHealth{
			"broker": {
				Status:        keel.StatusUnhealthy,
				Type:          "broker",
				LastCheckedAt: time.Now().UTC(),
				ErrorCount:    3,
				LastError:     "connection refused",
			},
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestHandler(t *testing.T) {
	t.Run("healthy snapshot returns 200 with JSON body", func(t *testing.T) {
		handler := NewHandler(&stubSnapshotter{snap: healthySnapshot()})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var snap keel.HealthSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, keel.StatusHealthy, snap.OverallStatus)
		require.Contains(t, snap.Components, "broker")
		assert.Equal(t, keel.StatusHealthy, snap.Components["broker"].Status)
	})

	t.Run("unhealthy snapshot returns 503", func(t *testing.T) {
		handler := NewHandler(&stubSnapshotter{snap: unhealthySnapshot()})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var snap keel.HealthSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, keel.StatusUnhealthy, snap.OverallStatus)
		assert.Equal(t, "connection refused", snap.Components["broker"].LastError)
		assert.Equal(t, 3, snap.Components["broker"].ErrorCount)
	})

	t.Run("rejects non-GET methods", func(t *testing.T) {
		handler := NewHandler(&stubSnapshotter{snap: healthySnapshot()})

		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(method, "/healthz", nil))
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		}
	})

	t.Run("serves the live orchestrator snapshot", func(t *testing.T) {
		orch := keel.NewOrchestrator()
		handler := NewHandler(orch)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)

		var snap keel.HealthSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, keel.StatusHealthy, snap.OverallStatus)
		assert.Empty(t, snap.Components)
	})
}

func TestReadinessHandler(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		handler := ReadinessHandler(&stubSnapshotter{snap: healthySnapshot()})

		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())
	})

	t.Run("not ready", func(t *testing.T) {
		handler := ReadinessHandler(&stubSnapshotter{snap: unhealthySnapshot()})

		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())
	})
}

func TestLivenessHandler(t *testing.T) {
	t.Run("always alive", func(t *testing.T) {
		handler := LivenessHandler()

		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
