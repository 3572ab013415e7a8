// Package embed wraps a langchaingo embedder behind a small client with an
// explicit warm-up phase. Construction never touches the network; WarmUp does
// the first round trip so callers control when the model gets pulled in.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Opts configures the embedding client.
type Opts struct {
	ServerURL string
	Model     string
	// Dim is the expected embedding dimension; WarmUp verifies it against
	// what the model actually returns.
	Dim    int
	Logger *slog.Logger
}

// Client produces embeddings through an Ollama-served model.
type Client struct {
	embedder embeddings.Embedder
	dim      int
	logger   *slog.Logger
	ready    atomic.Bool
}

// New builds the client without contacting the server.
func New(opts Opts) (*Client, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(opts.ServerURL),
		ollama.WithModel(opts.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("embed: client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("embed: embedder: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{embedder: embedder, dim: opts.Dim, logger: logger}, nil
}

// WarmUp embeds a probe string and checks the returned dimension. Until it
// succeeds the client reports not ready.
func (c *Client) WarmUp(ctx context.Context) error {
	vecs, err := c.embedder.EmbedDocuments(ctx, []string{"warmup"})
	if err != nil {
		return fmt.Errorf("embed: warmup: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embed: warmup: empty response")
	}
	if c.dim > 0 && len(vecs[0]) != c.dim {
		return fmt.Errorf("embed: warmup: model returned dimension %d, want %d", len(vecs[0]), c.dim)
	}
	c.ready.Store(true)
	c.logger.Info("embedding model warm", "dim", len(vecs[0]))
	return nil
}

// Ready reports whether WarmUp has succeeded.
func (c *Client) Ready() bool { return c.ready.Load() }

// Embed returns the embedding for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns embeddings for each text, in order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
