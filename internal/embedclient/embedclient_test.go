package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/config"
	"lumen/internal/lumenerr"
)

func TestClient_EmbedReturnsOneVectorPerInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResp{}
		for range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: []float32{0.1, 0.2}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/embed", Model: "test"})
	out, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []float32{0.1, 0.2}, out[0])
}

func TestClient_EmbedServerErrorIsEmbeddingUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/embed", Model: "test"})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lumenerr.ErrEmbeddingUnavailable)
}

func TestClient_EmbedEmptyInputIsInvalidInput(t *testing.T) {
	c := New(config.EmbeddingConfig{})
	_, err := c.Embed(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, lumenerr.ErrInvalidInput)
}

func TestClient_EmbedMismatchedCountIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResp{Data: nil})
	}))
	defer srv.Close()

	c := New(config.EmbeddingConfig{BaseURL: srv.URL, Path: "/embed"})
	_, err := c.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lumenerr.ErrEmbeddingUnavailable)
}
