package reranker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbsync/internal/adapter/reranker"
	"kbsync/internal/remote"
	"kbsync/internal/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, CallTimeout: time.Second}
}

func rerankServer(t *testing.T, key string, check func(map[string]any)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rerank", r.URL.Path)
		assert.Equal(t, "Bearer "+key, r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(body)
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.8},
				{"index": 7, "relevance_score": 0.1},
			},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_Rerank_Jina(t *testing.T) {
	ts := rerankServer(t, "k1", func(body map[string]any) {
		assert.Equal(t, "jina-reranker-v1-base-en", body["model"])
		assert.Equal(t, "q", body["query"])
		assert.NotContains(t, body, "top_n")
	})

	client := reranker.NewClient(reranker.ProviderJina, "k1", testPolicy())
	client.SetBaseURL(ts.URL + "/v1/rerank")

	indices, err := client.Rerank(context.Background(), "q", []string{"d1", "d2"})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 0}, indices)
}

func TestClient_Rerank_Cohere(t *testing.T) {
	ts := rerankServer(t, "k2", func(body map[string]any) {
		assert.Equal(t, "rerank-english-v3.0", body["model"])
		assert.Equal(t, float64(2), body["top_n"])
		assert.Equal(t, false, body["return_documents"])
	})

	client := reranker.NewClient(reranker.ProviderCohere, "k2", testPolicy())
	client.SetBaseURL(ts.URL + "/v1/rerank")

	indices, err := client.Rerank(context.Background(), "q", []string{"d1", "d2"})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 0}, indices)
}

func TestClient_Rerank_None(t *testing.T) {
	client := reranker.NewClient(reranker.ProviderNone, "", testPolicy())

	indices, err := client.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices)
}

func TestClient_Rerank_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{{"index": 0}}})
	}))
	defer ts.Close()

	client := reranker.NewClient(reranker.ProviderJina, "k", testPolicy())
	client.SetBaseURL(ts.URL)

	indices, err := client.Rerank(context.Background(), "q", []string{"only"})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Rerank_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer ts.Close()

	client := reranker.NewClient(reranker.ProviderCohere, "bad", testPolicy())
	client.SetBaseURL(ts.URL)

	_, err := client.Rerank(context.Background(), "q", []string{"d"})
	require.Error(t, err)
	assert.True(t, remote.IsRejected(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestSupported(t *testing.T) {
	assert.True(t, reranker.Supported(""))
	assert.True(t, reranker.Supported("jina"))
	assert.True(t, reranker.Supported("cohere"))
	assert.False(t, reranker.Supported("voyage"))
}
