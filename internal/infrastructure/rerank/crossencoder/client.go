// Package crossencoder scores query-passage pairs against a hosted cross-encoder endpoint.
package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/infrastructure/resilience"
)

// Format selects the wire dialect of the rerank endpoint.
type Format string

const (
	// FormatCohere is POST {base}/v1/rerank with {model, query, documents, top_n}.
	FormatCohere Format = "cohere"
	// FormatTEI is the text-embeddings-inference POST {base}/rerank with {query, texts}.
	FormatTEI Format = "tei"
)

type Config struct {
	Name          string
	URL           string
	Model         string
	APIKey        string
	RequireAPIKey bool
	Format        Format
	Timeout       time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds a provider. executor may be nil.
func New(cfg Config, executor *resilience.Executor) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Name == "" {
		cfg.Name = "cross-encoder"
	}
	if cfg.Format == "" {
		cfg.Format = FormatCohere
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		executor:   executor,
	}
}

func (c *Client) Name() string { return c.cfg.Name }

type cohereRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type cohereResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type teiRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

type teiResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score returns one relevance score per passage, aligned with the input order.
func (c *Client) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	op := c.cfg.Name + " score"
	if c.cfg.URL == "" {
		return nil, domain.WrapError(domain.ErrRerankUnavailable, op, errors.New("endpoint is not configured"))
	}
	if c.cfg.RequireAPIKey && strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, domain.WrapError(domain.ErrRerankUnavailable, op, errors.New("missing api key"))
	}
	if len(passages) == 0 {
		return []float64{}, nil
	}

	call := func(ctx context.Context) ([]float64, error) {
		switch c.cfg.Format {
		case FormatTEI:
			return c.scoreTEI(ctx, query, passages)
		default:
			return c.scoreCohere(ctx, query, passages)
		}
	}

	var (
		scores []float64
		err    error
	)
	if c.executor == nil {
		scores, err = call(ctx)
	} else {
		scores, err = resilience.ExecuteValue(ctx, c.executor, "rerank."+c.cfg.Name, call, resilience.ClassifyHTTPError)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrRerankUnavailable, op, err)
	}
	return scores, nil
}

func (c *Client) scoreCohere(ctx context.Context, query string, passages []string) ([]float64, error) {
	var resp cohereResponse
	req := cohereRequest{Model: c.cfg.Model, Query: query, Documents: passages, TopN: len(passages)}
	if err := c.postJSON(ctx, "/v1/rerank", req, &resp); err != nil {
		return nil, err
	}
	pairs := make([]teiResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		pairs = append(pairs, teiResult{Index: r.Index, Score: r.RelevanceScore})
	}
	return align(pairs, len(passages))
}

func (c *Client) scoreTEI(ctx context.Context, query string, passages []string) ([]float64, error) {
	var resp []teiResult
	if err := c.postJSON(ctx, "/rerank", teiRequest{Query: query, Texts: passages, Truncate: true}, &resp); err != nil {
		return nil, err
	}
	return align(resp, len(passages))
}

// align maps index-addressed results back onto passage order. Every passage must be scored.
func align(results []teiResult, n int) ([]float64, error) {
	scores := make([]float64, n)
	seen := make([]bool, n)
	for _, r := range results {
		if r.Index < 0 || r.Index >= n {
			return nil, fmt.Errorf("invalid result index %d for %d passages", r.Index, n)
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("passage %d was not scored", i)
		}
	}
	return scores, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError(c.cfg.Name, "rerank", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rerank response: %w", err)
	}
	return nil
}
