package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/resilience"
)

// Client talks to Qdrant over its REST API. Each knowledge domain maps to
// its own collection.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu sync.Mutex
	ensured  map[string]int
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string) *Client {
	return NewWithOptions(baseURL, Options{})
}

func NewWithOptions(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.ResilienceExecutor,
		ensured:    make(map[string]int),
	}
}

type statusError struct {
	operation  string
	statusCode int
	status     string
	body       string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.operation, e.status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.operation, e.status, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.statusCode == http.StatusNotFound
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload domain.Payload `json:"payload"`
}

func (c *Client) Upsert(ctx context.Context, collection string, records []domain.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	dim := len(records[0].Vector)
	points := make([]point, 0, len(records))
	for i, rec := range records {
		if len(rec.Vector) != dim || dim == 0 {
			return domain.WrapError(domain.ErrIndexWrite, "qdrant upsert", fmt.Errorf("record %d has dimension %d, expected %d", i, len(rec.Vector), dim))
		}
		if err := rec.Payload.Validate(domain.ChunkPayloadSchema); err != nil {
			return err
		}
		points = append(points, point{ID: rec.ChunkID, Vector: rec.Vector, Payload: rec.Payload})
	}

	if err := c.ensureCollection(ctx, collection, dim); err != nil {
		return domain.WrapError(domain.ErrIndexWrite, "qdrant ensure collection", err)
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	if err := c.do(ctx, "upsert", http.MethodPut, path, map[string]any{"points": points}, nil); err != nil {
		return domain.WrapError(domain.ErrIndexWrite, "qdrant upsert", err)
	}
	return nil
}

func (c *Client) DeleteByDocument(ctx context.Context, collection, domainName, hash string) error {
	body := map[string]any{"filter": buildFilter(domain.IndexFilter{
		domain.PayloadDomain:       domainName,
		domain.PayloadDocumentHash: hash,
	})}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	err := c.do(ctx, "delete", http.MethodPost, path, body, nil)
	if err != nil && !isNotFound(err) {
		return domain.WrapError(domain.ErrIndexWrite, "qdrant delete", err)
	}
	return nil
}

func (c *Client) Query(
	ctx context.Context,
	collection string,
	vector []float32,
	limit int,
	filter domain.IndexFilter,
) ([]domain.ScoredChunk, error) {
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if len(filter) > 0 {
		reqBody["filter"] = buildFilter(filter)
	}

	var searchResp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload domain.Payload `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", collection)
	if err := c.do(ctx, "search", http.MethodPost, path, reqBody, &searchResp); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]domain.ScoredChunk, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.ScoredChunk{
			ChunkID: fmt.Sprint(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return out, nil
}

func (c *Client) Count(ctx context.Context, collection string) (int, error) {
	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", collection)
	if err := c.do(ctx, "count", http.MethodPost, path, map[string]any{"exact": true}, &countResp); err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return countResp.Result.Count, nil
}

func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	c.ensureMu.Lock()
	if size, ok := c.ensured[collection]; ok && size == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.do(ctx, "ensure collection", http.MethodPut, "/collections/"+collection, reqBody, nil)
	// 409 when the collection already exists.
	var se *statusError
	if err != nil && !(errors.As(err, &se) && se.statusCode == http.StatusConflict) {
		return err
	}

	c.ensureMu.Lock()
	c.ensured[collection] = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return domain.WrapError(domain.ErrTemporary, "qdrant "+operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			serr := &statusError{
				operation:  operation,
				statusCode: resp.StatusCode,
				status:     resp.Status,
				body:       strings.TrimSpace(string(msg)),
			}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return domain.WrapError(domain.ErrTemporary, "qdrant "+operation, serr)
			}
			return serr
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	if c.executor == nil {
		return call(ctx)
	}
	return c.executor.Execute(ctx, "qdrant."+operation, call, classifyQdrantError)
}

func classifyQdrantError(err error) resilience.ErrorClassification {
	if isNotFound(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	var se *statusError
	if errors.As(err, &se) && se.statusCode == http.StatusConflict {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ClassifyTemporary(err)
}

func buildFilter(filter domain.IndexFilter) map[string]any {
	must := make([]map[string]any, 0, len(filter))
	for key, value := range filter {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	return map[string]any{"must": must}
}
