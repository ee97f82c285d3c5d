package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/thebtf/recall/internal/config"
)

const (
	LocalProviderName      = "local"
	LocalDefaultDimension  = 384
	localModelName         = "feature-hash-v1"
	localTokenWindow       = 3 // character n-gram window hashed per token
	localDefaultMaxTokensL = 8192
)

// localProvider is a deterministic in-process embedder built on token and
// character n-gram feature hashing. It needs no network or model files,
// which makes it the default for tests and offline runs. Vectors are
// L2-normalized so cosine similarity behaves like the hosted models.
type localProvider struct {
	dimensions int
	maxTokens  int
}

// Compile-time check that localProvider implements Provider.
var _ Provider = (*localProvider)(nil)

func init() {
	RegisterProvider(ProviderMetadata{
		Name:        LocalProviderName,
		Description: "Deterministic feature-hash embedding, no external dependencies",
		Default:     true,
	}, newLocalProvider)
}

func newLocalProvider(cfg config.EmbeddingConfig) (Provider, error) {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = LocalDefaultDimension
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = localDefaultMaxTokensL
	}
	return &localProvider{dimensions: dims, maxTokens: maxTokens}, nil
}

func (p *localProvider) Name() string    { return LocalProviderName }
func (p *localProvider) Dimensions() int { return p.dimensions }
func (p *localProvider) Close() error    { return nil }

// Embed produces a deterministic vector for the text.
func (p *localProvider) Embed(ctx context.Context, text string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Vector:      p.vectorize(truncateByChars(text, p.maxTokens)),
		Model:       localModelName,
		TimestampMs: nowMs(),
	}, nil
}

// EmbedBatch vectorizes each text independently.
func (p *localProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	results := make([]*Result, len(texts))
	for i, t := range texts {
		r, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

// Health always succeeds: the provider has no external dependency.
func (p *localProvider) Health(ctx context.Context) error { return ctx.Err() }

// vectorize hashes word tokens and character trigrams into the vector,
// then L2-normalizes. Empty text yields the zero vector.
func (p *localProvider) vectorize(text string) []float32 {
	vec := make([]float32, p.dimensions)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return vec
	}

	for _, tok := range tokens {
		p.accumulate(vec, tok, 1.0)
		// Character trigrams give partial-word overlap some signal.
		for i := 0; i+localTokenWindow <= len(tok); i++ {
			p.accumulate(vec, tok[i:i+localTokenWindow], 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// accumulate adds a signed weight at the feature's hashed slot.
func (p *localProvider) accumulate(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(p.dimensions))
	// Second hash bit decides the sign, which keeps collisions unbiased.
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
