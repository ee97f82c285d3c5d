// Package remote provides an HTTP client for an external vector server.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/recall/internal/vector"
)

const defaultTimeout = 30 * time.Second

// Store talks to a vector server over HTTP. The server speaks a small JSON
// protocol: POST /vectors/upsert, POST /vectors/search, POST /vectors/delete,
// GET /vectors/stats, GET /healthz. Search responses carry distances; the
// client maps them onto the similarity scale.
type Store struct {
	client  *http.Client
	baseURL string
}

// Compile-time check that Store implements vector.Store.
var _ vector.Store = (*Store)(nil)

// NewStore creates a client for the server at baseURL.
func NewStore(baseURL string) (*Store, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote vector store: base URL is required")
	}
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (s *Store) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Store) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	return s.do(req, out)
}

func (s *Store) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector server %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector server %s: status %d: %s", req.URL.Path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// Upsert sends documents to the server.
func (s *Store) Upsert(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}
	payload := struct {
		Documents []vector.Document `json:"documents"`
	}{Documents: docs}
	return s.post(ctx, "/vectors/upsert", payload, nil)
}

// Search runs a k-NN query on the server. The server returns distances in
// ascending order; they are mapped through 1/(1+distance).
func (s *Store) Search(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	payload := struct {
		Filter          map[string]any `json:"filter,omitempty"`
		Vector          []float32      `json:"vector"`
		TopK            int            `json:"top_k"`
		IncludeMetadata bool           `json:"include_metadata"`
	}{Filter: opts.Filter, Vector: vec, TopK: opts.TopK, IncludeMetadata: opts.IncludeMetadata}

	var resp struct {
		Results []struct {
			Metadata map[string]any `json:"metadata,omitempty"`
			ID       string         `json:"id"`
			Distance float64        `json:"distance"`
		} `json:"results"`
	}
	if err := s.post(ctx, "/vectors/search", payload, &resp); err != nil {
		return nil, err
	}

	results := make([]vector.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		score := vector.ScoreFromDistance(r.Distance)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		res := vector.Result{ID: r.ID, Score: score}
		if opts.IncludeMetadata {
			res.Metadata = r.Metadata
		}
		results = append(results, res)
	}
	return results, nil
}

// Delete removes documents by id on the server.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return s.post(ctx, "/vectors/delete", payload, nil)
}

// Stats fetches the server's index statistics.
func (s *Store) Stats(ctx context.Context) (*vector.Stats, error) {
	var stats vector.Stats
	if err := s.get(ctx, "/vectors/stats", &stats); err != nil {
		return nil, err
	}
	if stats.IndexType == "" {
		stats.IndexType = "remote"
	}
	return &stats, nil
}

// Health probes the server's health endpoint.
func (s *Store) Health(ctx context.Context) error {
	return s.get(ctx, "/healthz", nil)
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
