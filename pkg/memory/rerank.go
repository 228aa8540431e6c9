// Package memory implements two-stage contextual retrieval over a
// session's message history: rerank-based candidate selection followed
// by LLM knowledge extraction.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RerankResult scores one document against the query.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// Reranker scores documents by relevance to a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

// HTTPReranker talks to an external rerank service.
type HTTPReranker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPReranker creates a reranker client for baseURL.
func NewHTTPReranker(baseURL string) *HTTPReranker {
	return &HTTPReranker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank submits the documents and returns scored indexes, best first.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents, TopN: topN})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank api call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank api returned status %d: %s", resp.StatusCode, string(payload))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return decoded.Results, nil
}
