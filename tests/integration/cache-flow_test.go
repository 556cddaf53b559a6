package integration

import (
	"encoding/json"
	"net/http"
	"testing"
)

type cacheKeyPayload struct {
	Kind string `json:"kt"`
	PK   string `json:"pk"`
}

type cacheGetResponse struct {
	Item  json.RawMessage `json:"item"`
	Found bool            `json:"found"`
}

type cacheCreateResponse struct {
	Item json.RawMessage `json:"item"`
}

type cacheInvalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Success     bool `json:"success"`
}

type cacheMetricsResponse struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func TestCacheManagerEndpoints(t *testing.T) {
	requireService(t)

	t.Run("POST /api/cache/create", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/cache/create", map[string]any{
			"kind":    "user",
			"partial": map[string]any{"id": "123", "name": "John Doe", "age": 30},
		})
		assertStatusIn(t, status, 200)

		var resp cacheCreateResponse
		mustUnmarshalJSON(t, body, &resp)
		if len(resp.Item) == 0 {
			t.Fatalf("expected item to be present")
		}
	})

	t.Run("POST /api/cache/get", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/cache/get", map[string]any{
			"key": cacheKeyPayload{Kind: "user", PK: "123"},
		})
		assertStatusIn(t, status, 200)

		var resp cacheGetResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Found {
			t.Fatalf("expected found=true")
		}
		if len(resp.Item) == 0 {
			t.Fatalf("expected item to be present")
		}
	})

	t.Run("GET miss (expected miss, no error)", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/cache/get", map[string]any{
			"key": cacheKeyPayload{Kind: "user", PK: "does-not-exist"},
		})
		assertStatusIn(t, status, 200, 400, 404, 500)
		if status == 200 {
			var resp cacheGetResponse
			mustUnmarshalJSON(t, body, &resp)
			if resp.Found {
				t.Fatalf("expected found=false for missing key")
			}
		}
	})

	t.Run("POST /api/cache/invalidate", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/cache/invalidate", map[string]any{
			"kind": "user",
			"keys": []cacheKeyPayload{{Kind: "user", PK: "123"}},
		})
		assertStatusIn(t, status, 200)

		var resp cacheInvalidateResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
		if resp.Invalidated < 0 {
			t.Fatalf("expected invalidated >= 0")
		}
	})

	t.Run("GET /api/cache/metrics", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/api/cache/metrics", nil)
		assertStatusIn(t, status, 200)

		var resp cacheMetricsResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Hits < 0 || resp.Misses < 0 {
			t.Fatalf("expected non-negative hits/misses")
		}
	})
}
