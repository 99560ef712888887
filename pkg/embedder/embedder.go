// Package embedder converts text to fixed-dimension unit vectors via an
// external HTTP embedding endpoint. The default endpoint shape matches
// Volcengine's Ark embedding API, but any endpoint returning a JSON body of
// {"data":[{"embedding":[...]}]} per input is compatible.
package embedder

import (
	"context"
)

// Client generates vector embeddings from text. Implementations may talk to
// a remote API or be a deterministic fake for tests.
type Client interface {
	// Embed returns vectors for texts, in the same order, same length.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne is a convenience wrapper around Embed for a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the configured output dimension.
	Dimension() int

	// ModelName returns the model identifier recorded alongside each vector.
	ModelName() string
}

// Config enumerates the options from spec.md §4.B.
type Config struct {
	// APIKey is the bearer credential for the embedding endpoint. Required.
	APIKey string

	// BaseURL is the HTTPS endpoint root.
	BaseURL string

	// ModelName is recorded alongside each vector.
	ModelName string

	// Dimension is the declared output dimension; must equal the vector-index
	// column width.
	Dimension int
}

const (
	// DefaultBaseURL is the default embedding endpoint root.
	DefaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

	// DefaultModelName is the default model label recorded with each vector.
	DefaultModelName = "doubao-embedding-text-240715"

	// DefaultDimension is the default declared output dimension.
	DefaultDimension = 1024
)

// WithDefaults fills zero-valued fields of cfg with the spec's documented
// defaults. BaseURL, ModelName, and Dimension default; APIKey never does.
func (c Config) WithDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ModelName == "" {
		c.ModelName = DefaultModelName
	}
	if c.Dimension == 0 {
		c.Dimension = DefaultDimension
	}
	return c
}
