// Package genclient implements the inference server contract: the
// tokenize and generate_stream calls, as Go interfaces plus an HTTP
// implementation. The streaming reader decodes "token"/"done"
// Server-Sent Events from a response body with a line-scanning loop, and
// the tokenize call uses the same JSON-request and read-body-then-parse
// idiom as embedclient.
package genclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lumen/internal/config"
	"lumen/internal/lumenerr"
)

// TokenizedUnit is one element of a tokenize() response.
type TokenizedUnit struct {
	TokenID int    `json:"token_id"`
	Text    string `json:"text"`
}

// Tokenizer is the tokenize contract.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]TokenizedUnit, error)
}

// GenerationEvent is one event from a generate_stream response: either a
// token event (TokenID/Text/Attention populated) or the terminal Done
// event.
type GenerationEvent struct {
	Done      bool
	TokenID   int
	Text      string
	Attention []float32 // pre-aggregated per-position attention, if supplied
}

// GenerationParams configures a generate_stream call.
type GenerationParams struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Generator is the generate_stream contract.
type Generator interface {
	GenerateStream(ctx context.Context, inputIDs []int, params GenerationParams) (<-chan GenerationEvent, <-chan error)
}

// Client implements Tokenizer and Generator over HTTP, with the tokenizer
// call using its own short timeout distinct from the streaming generation
// call.
type Client struct {
	tokenizerCfg  config.TokenizerConfig
	generationCfg config.GenerationConfig
	hc            *http.Client
}

func New(tokenizerCfg config.TokenizerConfig, generationCfg config.GenerationConfig) *Client {
	return &Client{tokenizerCfg: tokenizerCfg, generationCfg: generationCfg, hc: http.DefaultClient}
}

type tokenizeReq struct {
	Text string `json:"text"`
}

type tokenizeResp struct {
	Tokens []TokenizedUnit `json:"tokens"`
}

// Tokenize calls the tokenizer contract with a short (~5s) timeout,
// surfacing ErrTokenizeTimeout on deadline exceeded and ErrTokenizeFailure
// on any other failure.
func (c *Client) Tokenize(ctx context.Context, text string) ([]TokenizedUnit, error) {
	timeout := time.Duration(c.tokenizerCfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(tokenizeReq{Text: text})
	if err != nil {
		return nil, fmt.Errorf("genclient: %w: %v", lumenerr.ErrTokenizeFailure, err)
	}
	url := c.tokenizerCfg.BaseURL + c.tokenizerCfg.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("genclient: %w: %v", lumenerr.ErrTokenizeFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if cctx.Err() != nil {
			return nil, fmt.Errorf("genclient: %w: %v", lumenerr.ErrTokenizeTimeout, err)
		}
		return nil, fmt.Errorf("genclient: %w: %v", lumenerr.ErrTokenizeFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("genclient: %w: %v", lumenerr.ErrTokenizeFailure, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("genclient: %w: %s: %s", lumenerr.ErrTokenizeFailure, resp.Status, string(respBody))
	}
	var tr tokenizeResp
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("genclient: %w: parse response: %v", lumenerr.ErrTokenizeFailure, err)
	}
	return tr.Tokens, nil
}

type generateReq struct {
	InputIDs []int             `json:"input_ids"`
	Params   GenerationParams  `json:"params"`
}

type sseTokenPayload struct {
	TokenID   int       `json:"token_id"`
	Text      string    `json:"text"`
	Attention []float32 `json:"attention"`
}

// GenerateStream issues a streaming generation call and decodes "token"/
// "done" Server-Sent Events into a channel of GenerationEvent, closing both
// channels when the stream ends. The caller's ctx cancellation aborts the
// stream, surfacing ErrStreamAborted.
func (c *Client) GenerateStream(ctx context.Context, inputIDs []int, params GenerationParams) (<-chan GenerationEvent, <-chan error) {
	events := make(chan GenerationEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		body, err := json.Marshal(generateReq{InputIDs: inputIDs, Params: params})
		if err != nil {
			errs <- err
			return
		}
		url := c.generationCfg.BaseURL + c.generationCfg.Path
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				errs <- fmt.Errorf("genclient: %w: %v", lumenerr.ErrStreamAborted, err)
				return
			}
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			b, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("generate_stream error: %s: %s", resp.Status, string(b))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		currentEvent := "message"
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if currentEvent == "done" {
					select {
					case events <- GenerationEvent{Done: true}:
					case <-ctx.Done():
						errs <- fmt.Errorf("genclient: %w", lumenerr.ErrStreamAborted)
						return
					}
					currentEvent = "message"
					continue
				}
				var payload sseTokenPayload
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					errs <- fmt.Errorf("genclient: parse event: %w", err)
					return
				}
				select {
				case events <- GenerationEvent{TokenID: payload.TokenID, Text: payload.Text, Attention: payload.Attention}:
				case <-ctx.Done():
					errs <- fmt.Errorf("genclient: %w", lumenerr.ErrStreamAborted)
					return
				}
				currentEvent = "message"
			case line == "":
				// blank line: SSE frame separator, no action needed
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				errs <- fmt.Errorf("genclient: %w: %v", lumenerr.ErrStreamAborted, err)
				return
			}
			errs <- err
		}
	}()

	return events, errs
}
