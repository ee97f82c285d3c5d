package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/pkg/models"
)

const (
	OpenAIProviderName     = "openai"
	OpenAIDefaultBaseURL   = "https://api.openai.com/v1"
	OpenAIDefaultModel     = "text-embedding-3-small"
	OpenAIDefaultDimension = 1536
	OpenAIDefaultMaxTokens = 8191
	openAIHTTPTimeout      = 30 * time.Second
	openAIProbeText        = "health probe"
)

type openAIProvider struct {
	client     *http.Client
	codec      tokenizer.Codec
	baseURL    string
	apiKey     string
	modelName  string
	dimensions int
	maxTokens  int
}

// Compile-time check that openAIProvider implements Provider.
var _ Provider = (*openAIProvider)(nil)

type openAIEmbedRequest struct {
	Input          interface{} `json:"input"`
	Model          string      `json:"model"`
	EncodingFormat string      `json:"encoding_format"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func init() {
	RegisterProvider(ProviderMetadata{
		Name:        OpenAIProviderName,
		Description: "OpenAI-compatible embedding via REST API (supports LiteLLM proxy)",
	}, newOpenAIProvider)
}

func newOpenAIProvider(cfg config.EmbeddingConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding api_key is required for the openai provider")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = OpenAIDefaultBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = OpenAIDefaultModel
	}
	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = OpenAIDefaultDimension
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = OpenAIDefaultMaxTokens
	}

	// Token-accurate truncation when the encoder loads; the 4-chars-per-token
	// approximation covers the fallback path.
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		codec = nil
	}

	return &openAIProvider{
		client:     &http.Client{Timeout: openAIHTTPTimeout},
		codec:      codec,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		modelName:  modelName,
		dimensions: dimensions,
		maxTokens:  maxTokens,
	}, nil
}

func (p *openAIProvider) Name() string    { return OpenAIProviderName }
func (p *openAIProvider) Dimensions() int { return p.dimensions }
func (p *openAIProvider) Close() error    { return nil }

// truncate bounds input by token count, preferring the real tokenizer.
func (p *openAIProvider) truncate(text string) string {
	if p.codec == nil {
		return truncateByChars(text, p.maxTokens)
	}
	ids, _, err := p.codec.Encode(text)
	if err != nil || len(ids) <= p.maxTokens {
		return text
	}
	decoded, err := p.codec.Decode(ids[:p.maxTokens])
	if err != nil {
		return truncateByChars(text, p.maxTokens)
	}
	return decoded
}

// Embed generates an embedding for a single text.
func (p *openAIProvider) Embed(ctx context.Context, text string) (*Result, error) {
	if text == "" {
		return &Result{Vector: make([]float32, p.dimensions), Model: p.modelName, TimestampMs: nowMs()}, nil
	}
	vectors, err := p.embedRequest(ctx, p.truncate(text))
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, providerError(fmt.Errorf("embedding API returned no results for model %s", p.modelName), models.ErrProvider)
	}
	return &Result{Vector: vectors[0], Model: p.modelName, TimestampMs: nowMs()}, nil
}

// EmbedBatch generates embeddings for multiple texts in one call.
func (p *openAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = p.truncate(t)
	}

	vectors, err := p.embedRequest(ctx, truncated)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, providerError(fmt.Errorf("embedding API returned %d results for %d inputs (model=%s)",
			len(vectors), len(texts), p.modelName), models.ErrProvider)
	}

	ts := nowMs()
	results := make([]*Result, len(vectors))
	for i, vec := range vectors {
		results[i] = &Result{Vector: vec, Model: p.modelName, TimestampMs: ts}
	}
	return results, nil
}

// Health embeds a canned probe text; healthy iff a non-empty vector returns.
func (p *openAIProvider) Health(ctx context.Context) error {
	result, err := p.Embed(ctx, openAIProbeText)
	if err != nil {
		return err
	}
	if len(result.Vector) == 0 {
		return providerError(errors.New("empty probe vector"), models.ErrProvider)
	}
	return nil
}

func (p *openAIProvider) embedRequest(ctx context.Context, input interface{}) ([][]float32, error) {
	reqBody := openAIEmbedRequest{
		Input:          input,
		Model:          p.modelName,
		EncodingFormat: "float",
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, providerError(fmt.Errorf("marshal embedding request: %w", err), models.ErrProvider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, providerError(fmt.Errorf("create embedding request: %w", err), models.ErrProvider)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		code := models.ErrProvider
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = models.ErrTimeout
		}
		return nil, providerError(fmt.Errorf("send embedding request to %s: %w", p.baseURL, err), code)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, providerError(fmt.Errorf("embedding API rate limited (model=%s)", p.modelName), models.ErrRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, providerError(fmt.Errorf("embedding API error (model=%s, status=%d): %s",
			p.modelName, resp.StatusCode, strings.TrimSpace(string(bodySnippet))), models.ErrProvider)
	}

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, providerError(fmt.Errorf("decode embedding response from %s: %w", p.baseURL, err), models.ErrProvider)
	}

	// Sort by index to preserve order
	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	vectors := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
