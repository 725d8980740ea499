// Package embedclient implements the embedding service contract client:
// same request shape, API-header handling, and read-body-then-parse error
// reporting as this codebase's other HTTP clients, but returning
// lumenerr.ErrEmbeddingUnavailable on any request or response failure so
// callers can defer the embedding rather than fail the whole turn. An empty
// input list is rejected with lumenerr.ErrInvalidInput.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lumen/internal/config"
	"lumen/internal/lumenerr"
)

// Client embeds text via an OpenAI-compatible embeddings endpoint.
type Client struct {
	cfg config.EmbeddingConfig
	hc  *http.Client
}

func New(cfg config.EmbeddingConfig) *Client {
	return &Client{cfg: cfg, hc: http.DefaultClient}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one unit-dimensioned embedding per input string, or
// ErrEmbeddingUnavailable wrapping the underlying cause. An empty inputs
// slice returns ErrInvalidInput without a request.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("embedclient: %w: no inputs", lumenerr.ErrInvalidInput)
	}
	reqBody, err := json.Marshal(embedReq{Model: c.cfg.Model, Input: inputs})
	if err != nil {
		return nil, unavailable(err)
	}
	timeout := time.Duration(c.cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, unavailable(err)
	}
	if c.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else if c.cfg.APIHeader != "" {
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, unavailable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, unavailable(fmt.Errorf("%s: %s", resp.Status, string(body)))
	}

	var er embedResp
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, unavailable(fmt.Errorf("parse response: %w", err))
	}
	if len(er.Data) != len(inputs) {
		return nil, unavailable(fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(inputs)))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// CheckReachability probes the embedding endpoint with a trivial request.
func (c *Client) CheckReachability(ctx context.Context) error {
	_, err := c.Embed(ctx, []string{"ping"})
	return err
}

func unavailable(err error) error {
	return fmt.Errorf("embedclient: %w: %v", lumenerr.ErrEmbeddingUnavailable, err)
}
