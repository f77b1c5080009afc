package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
	"github.com/kirillkom/evidence-core/internal/infrastructure/resilience"
)

// Payload keys written by the ingestion side.
const (
	payloadChunkID      = "chunk_id"
	payloadDocumentID   = "doc_id"
	payloadText         = "text"
	payloadPropertyID   = "property_id"
	payloadPeriod       = "period"
	payloadDocumentType = "document_type"
	payloadPage         = "page"
	payloadLine         = "line"
	payloadBBox         = "bbox"
)

type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds a Qdrant REST client. executor may be nil.
func New(baseURL, collection string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		executor:   executor,
	}
}

type searchResponse struct {
	Result []struct {
		ID      json.RawMessage `json:"id"`
		Score   float64         `json:"score"`
		Payload map[string]any  `json:"payload"`
	} `json:"result"`
}

func (c *Client) Search(
	ctx context.Context,
	queryVector []float32,
	limit int,
	filters domain.Filters,
) ([]ports.VectorHit, error) {
	if len(queryVector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant search", fmt.Errorf("empty query vector"))
	}
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
	}
	if must := filterClauses(filters); len(must) > 0 {
		reqBody["filter"] = map[string]any{"must": must}
	}

	var searchResp searchResponse
	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	if err := c.do(ctx, http.MethodPost, url, reqBody, &searchResp, "search"); err != nil {
		return nil, err
	}

	out := make([]ports.VectorHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		chunk := chunkFromPayload(r.Payload)
		if chunk.ID == "" {
			chunk.ID = pointID(r.ID)
		}
		out = append(out, ports.VectorHit{
			ChunkID:    chunk.ID,
			Similarity: r.Score,
			Chunk:      chunk,
		})
	}
	return out, nil
}

// Health checks that the collection exists.
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	var out map[string]any
	return c.do(ctx, http.MethodGet, url, nil, &out, "collection_info")
}

func (c *Client) do(ctx context.Context, method, url string, payload any, out any, operation string) error {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = raw
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("qdrant", operation, resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	if c.executor == nil {
		return resilience.WrapTemporaryIfNeeded("qdrant "+operation, call(ctx))
	}
	err := c.executor.Execute(ctx, "qdrant."+operation, call, resilience.ClassifyHTTPError)
	return resilience.WrapTemporaryIfNeeded("qdrant "+operation, err)
}

func filterClauses(f domain.Filters) []map[string]any {
	var must []map[string]any
	add := func(key, value string) {
		if value == "" {
			return
		}
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	add(payloadPropertyID, f.PropertyID)
	add(payloadPeriod, f.Period)
	add(payloadDocumentType, f.DocumentType)
	return must
}

func chunkFromPayload(payload map[string]any) domain.Chunk {
	chunk := domain.Chunk{
		ID:           getStringPayload(payload, payloadChunkID),
		DocumentID:   getStringPayload(payload, payloadDocumentID),
		Text:         getStringPayload(payload, payloadText),
		PropertyID:   getStringPayload(payload, payloadPropertyID),
		Period:       getStringPayload(payload, payloadPeriod),
		DocumentType: getStringPayload(payload, payloadDocumentType),
	}
	page := getIntPayload(payload, payloadPage)
	line := getIntPayload(payload, payloadLine)
	var bbox []float64
	if raw, ok := payload[payloadBBox].([]any); ok && len(raw) == 4 {
		bbox = make([]float64, 0, 4)
		for _, v := range raw {
			f, ok := v.(float64)
			if !ok {
				bbox = nil
				break
			}
			bbox = append(bbox, f)
		}
	}
	if page > 0 || line > 0 || len(bbox) > 0 {
		chunk.Position = &domain.Position{Page: page, Line: line, BBox: bbox}
	}
	return chunk
}

func pointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatUint(n, 10)
	}
	return ""
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
