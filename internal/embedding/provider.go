// Package embedding provides text embedding generation with swappable providers.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/pkg/models"
)

// charsPerToken is the approximation used to truncate input when no
// tokenizer is available: roughly 4 characters per token for English text.
const charsPerToken = 4

// Result is one embedding with its provenance.
type Result struct {
	Vector      []float32 `json:"vector"`
	Model       string    `json:"model"`
	TimestampMs int64     `json:"timestamp_ms"`
}

// Provider generates embeddings. Implementations fail with TIMEOUT,
// RATE_LIMIT, or PROVIDER_ERROR coded errors.
type Provider interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, text string) (*Result, error)
	EmbedBatch(ctx context.Context, texts []string) ([]*Result, error)
	Health(ctx context.Context) error
	Close() error
}

// ProviderMetadata describes a registered provider.
type ProviderMetadata struct {
	Name        string
	Description string
	Default     bool
}

// Factory constructs a provider from configuration.
type Factory func(cfg config.EmbeddingConfig) (Provider, error)

type registration struct {
	meta    ProviderMetadata
	factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// RegisterProvider adds a provider factory to the registry. Called from
// provider init functions.
func RegisterProvider(meta ProviderMetadata, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[meta.Name] = registration{meta: meta, factory: factory}
}

// NewProvider constructs the provider named in cfg, falling back to the
// registered default when the name is empty.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	name := cfg.Provider
	if name == "" {
		for _, reg := range registry {
			if reg.meta.Default {
				name = reg.meta.Name
				break
			}
		}
	}

	reg, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q", name)
	}
	return reg.factory(cfg)
}

// AvailableProviders lists registered provider names, sorted.
func AvailableProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TextHash returns the cache key hash for an embedding input.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// truncateByChars bounds text by the 4-chars-per-token approximation.
func truncateByChars(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	maxChars := maxTokens * charsPerToken
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// providerError wraps err with an embedding error code, classifying
// context expiry as TIMEOUT.
func providerError(err error, code models.ErrorCode) error {
	if err == nil {
		return nil
	}
	if code == "" {
		code = models.ErrProvider
	}
	return models.WrapError(code, err)
}

// nowMs is the timestamp attached to results.
func nowMs() int64 { return time.Now().UnixMilli() }
