package integration

import (
	"net/http"
	"testing"
)

type warmKeyResponse struct {
	Success       bool              `json:"success"`
	Queued        int               `json:"queued"`
	Keys          []cacheKeyPayload `json:"keys"`
	JobID         string            `json:"job_id"`
	EstimatedTime int               `json:"estimated_time_ms"`
}

type locPartPayload struct {
	KT string `json:"kt"`
	LK string `json:"lk"`
}

type warmLocationResponse struct {
	Success       bool              `json:"success"`
	Queued        int               `json:"queued"`
	MatchedKeys   []cacheKeyPayload `json:"matched_keys"`
	JobID         string            `json:"job_id"`
	EstimatedTime int               `json:"estimated_time_ms"`
}

type warmStatusResponse struct {
	ActiveJobs    int  `json:"active_jobs"`
	QueuedTasks   int  `json:"queued_tasks"`
	EmergencyStop bool `json:"emergency_stop"`
}

type warmConfigResponse struct {
	Config struct {
		MaxOriginRPS    int    `json:"max_origin_rps"`
		DefaultStrategy string `json:"default_strategy"`
	} `json:"config"`
}

func TestWarmingEndpoints(t *testing.T) {
	requireService(t)

	t.Run("POST /warm/key", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/warm/key", map[string]any{
			"keys":     []cacheKeyPayload{{Kind: "user", PK: "1"}, {Kind: "user", PK: "2"}},
			"priority": 50,
			"strategy": "priority",
		})
		assertStatusIn(t, status, 200)

		var resp warmKeyResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
		if resp.JobID == "" {
			t.Fatalf("expected job_id to be set")
		}
	})

	t.Run("POST /warm/key - empty keys (expected error)", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/warm/key", map[string]any{"keys": []cacheKeyPayload{}})
		assertStatusIn(t, status, 400, 500)
	})

	t.Run("POST /warm/location", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/warm/location", map[string]any{
			"loc":      []locPartPayload{{KT: "user", LK: "1"}},
			"limit":    10,
			"priority": 50,
			"strategy": "priority",
		})
		assertStatusIn(t, status, 200)

		var resp warmLocationResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
		if resp.JobID == "" {
			t.Fatalf("expected job_id to be set")
		}
	})

	t.Run("GET /warm/status", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/warm/status", nil)
		assertStatusIn(t, status, 200)

		var resp warmStatusResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.ActiveJobs < 0 || resp.QueuedTasks < 0 {
			t.Fatalf("expected non-negative status counters")
		}
	})

	t.Run("POST /warm/trigger-predictive", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/warm/trigger-predictive", nil)
		assertStatusIn(t, status, 200)

		var resp warmKeyResponse
		mustUnmarshalJSON(t, body, &resp)
		// Success may be true with queued=0, depending on predictor.
		_ = resp.Success
	})

	t.Run("GET /warm/config", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/warm/config", nil)
		assertStatusIn(t, status, 200)

		var resp warmConfigResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Config.MaxOriginRPS <= 0 {
			t.Fatalf("expected max_origin_rps > 0")
		}
		if resp.Config.DefaultStrategy == "" {
			t.Fatalf("expected default_strategy to be set")
		}
	})

	t.Run("POST /warm/config", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/warm/config", map[string]any{"max_origin_rps": 200})
		assertStatusIn(t, status, 200)

		var resp warmConfigResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Config.MaxOriginRPS != 200 {
			t.Fatalf("expected max_origin_rps updated to 200, got %d", resp.Config.MaxOriginRPS)
		}
	})
}
