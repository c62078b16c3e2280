// Package reranker reorders search mirror hits with a hosted rerank API.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kbsync/internal/remote"
	"kbsync/internal/retry"
)

const (
	ProviderNone   = ""
	ProviderJina   = "jina"
	ProviderCohere = "cohere"
)

type provider struct {
	url   string
	model string
	// topN asks for every document back; Jina returns all by default.
	topN bool
}

var providers = map[string]provider{
	ProviderJina:   {url: "https://api.jina.ai/v1/rerank", model: "jina-reranker-v1-base-en"},
	ProviderCohere: {url: "https://api.cohere.ai/v1/rerank", model: "rerank-english-v3.0", topN: true},
}

type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
	policy   retry.Policy
}

// Supported reports whether name is a known provider. The empty name
// disables reranking.
func Supported(name string) bool {
	if name == ProviderNone {
		return true
	}
	_, ok := providers[name]
	return ok
}

func NewClient(provider, apiKey string, policy retry.Policy) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		policy:   policy,
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments *bool    `json:"return_documents,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank returns indices into docs, most relevant first. Without a
// configured provider the order is unchanged.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	p, ok := providers[c.provider]
	if !ok {
		indices := make([]int, len(docs))
		for i := range indices {
			indices[i] = i
		}
		return indices, nil
	}

	url := p.url
	if c.baseURL != "" {
		url = c.baseURL
	}
	reqBody := rerankRequest{Model: p.model, Query: query, Documents: docs}
	if p.topN {
		noDocs := false
		reqBody.TopN = len(docs)
		reqBody.ReturnDocuments = &noDocs
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	op := c.provider + " rerank"
	result, err := retry.DoValue(ctx, c.policy, op, func(ctx context.Context) (rerankResponse, error) {
		var out rerankResponse
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return out, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return out, remote.FromTransport(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return out, remote.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return out, fmt.Errorf("%s: decode response: %w", op, err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(docs))
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < len(docs) {
			indices = append(indices, r.Index)
		}
	}
	return indices, nil
}
