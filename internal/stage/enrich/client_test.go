package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"conveyor/internal/stage"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(endpoint string) *Client {
	return NewClient(Config{
		Endpoint:        endpoint,
		Model:           "gpt-4o-mini",
		APIKey:          "test-key",
		CostPer1KTokens: 0.002,
	})
}

func TestEnrichParsesResponseAndCost(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o-mini", req["model"])

		content, _ := json.Marshal(map[string]interface{}{
			"summary": "a short summary",
			"body":    "expanded body",
			"tags":    []string{"go", "queues"},
		})
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": string(content)}},
			},
			"usage": map[string]int{"prompt_tokens": 300, "completion_tokens": 200, "total_tokens": 500},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	c := testClient(srv.URL)
	item := stage.RawItem{ItemID: "item-1", Title: "Title", Source: "rss", Body: "raw"}
	enriched, cost, err := c.Enrich(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, "item-1", enriched.ItemID)
	require.Equal(t, "a short summary", enriched.Summary)
	require.Equal(t, []string{"go", "queues"}, enriched.Tags)
	require.Equal(t, "gpt-4o-mini", enriched.Model)
	require.InDelta(t, 0.5*0.002, cost, 1e-9) // 500 tokens at $0.002/1k
}

func TestEnrichClassifiesHTTPStatus(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error retries", http.StatusInternalServerError, true},
		{"rate limit retries", http.StatusTooManyRequests, true},
		{"bad request dead-letters", http.StatusBadRequest, false},
		{"unauthorized dead-letters", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, _, err := testClient(srv.URL).Enrich(context.Background(), stage.RawItem{ItemID: "x"})
			require.Error(t, err)
			if tc.transient {
				require.True(t, stage.IsTransient(err), "want transient, got %v", err)
			} else {
				require.True(t, stage.IsPermanent(err), "want permanent, got %v", err)
			}
		})
	}
}

func TestEnrichReportsCostOnGarbageContent(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "not json at all"}},
			},
			"usage": map[string]int{"total_tokens": 1000},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	_, cost, err := testClient(srv.URL).Enrich(context.Background(), stage.RawItem{ItemID: "x"})
	require.Error(t, err)
	require.True(t, stage.IsTransient(err))
	require.InDelta(t, 0.002, cost, 1e-9, "cost must be reported even on failure")
}

func TestEnrichMisconfiguredClient(t *testing.T) {
	c := NewClient(Config{})
	_, _, err := c.Enrich(context.Background(), stage.RawItem{ItemID: "x"})
	require.True(t, stage.IsValidation(err))
}
