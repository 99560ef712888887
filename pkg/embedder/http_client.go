package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
)

const (
	embedPath           = "/embeddings"
	defaultHTTPTimeout  = 30 * time.Second
	maxEmbedResponeSize = 32 * 1024 * 1024
)

// httpClient is the production Client implementation: an HTTP POST against
// an OpenAI/Ark-style "/embeddings" endpoint, one request per Embed call
// (the endpoint accepts a batch of inputs per request).
type httpClient struct {
	cfg        Config
	httpClient *http.Client
}

// New creates an embedding Client from cfg. Returns a ConfigMissing error if
// APIKey is empty.
func New(cfg Config) (Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.APIKey == "" {
		return nil, brokererr.NewConfigMissing("embedding api key is required", nil)
	}

	return &httpClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedDatum struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embedResponse struct {
	Data  []embedDatum `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed sends texts to the embedding endpoint and returns vectors in the
// same order. Every vector's length is validated against cfg.Dimension.
func (c *httpClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: c.cfg.ModelName, Input: texts})
	if err != nil {
		return nil, brokererr.NewInternal("failed to marshal embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+embedPath, bytes.NewReader(body))
	if err != nil {
		return nil, brokererr.NewInternal("failed to build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, brokererr.NewUpstream("embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxEmbedResponeSize))
	if err != nil {
		return nil, brokererr.NewUpstream("failed to read embedding response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, brokererr.NewUpstream(
			fmt.Sprintf("embedding endpoint returned status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, brokererr.NewUpstream("failed to decode embedding response", err)
	}
	if parsed.Error != nil {
		return nil, brokererr.NewUpstream("embedding endpoint reported an error: "+parsed.Error.Message, nil)
	}
	if len(parsed.Data) != len(texts) {
		return nil, brokererr.NewShape(
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data)), nil)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, brokererr.NewShape(fmt.Sprintf("embedding response index %d out of range", d.Index), nil)
		}
		if len(d.Embedding) != c.cfg.Dimension {
			return nil, brokererr.NewShape(
				fmt.Sprintf("expected dimension %d, got %d", c.cfg.Dimension, len(d.Embedding)), nil)
		}
		vectors[d.Index] = normalize(d.Embedding)
	}

	return vectors, nil
}

// EmbedOne embeds a single text.
func (c *httpClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimension returns the configured output dimension.
func (c *httpClient) Dimension() int { return c.cfg.Dimension }

// ModelName returns the configured model identifier.
func (c *httpClient) ModelName() string { return c.cfg.ModelName }
