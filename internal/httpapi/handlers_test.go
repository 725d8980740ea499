package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"lumen/internal/config"
	"lumen/internal/embedclient"
	"lumen/internal/genclient"
	"lumen/internal/semanticindex"
	"lumen/internal/session"
	"lumen/internal/tokenstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"embedding":[1,0]}]}`)
	}))
	t.Cleanup(embedSrv.Close)
	genSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokenize":
			fmt.Fprint(w, `{"tokens":[{"token_id":1,"text":"hi"}]}`)
		case "/generate_stream":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"token_id\":2,\"text\":\"hello\"}\n\n")
			fmt.Fprint(w, "event: done\ndata: {}\n\n")
		}
	}))
	t.Cleanup(genSrv.Close)

	store := tokenstore.NewMemoryStore()
	index := semanticindex.NewMemoryIndex()
	embed := embedclient.New(config.EmbeddingConfig{BaseURL: embedSrv.URL, Path: "/embed", Model: "test", Dimensions: 2})
	gen := genclient.New(
		config.TokenizerConfig{BaseURL: genSrv.URL, Path: "/tokenize"},
		config.GenerationConfig{BaseURL: genSrv.URL, Path: "/generate_stream"},
	)
	budget := config.BudgetConfig{MaxActiveTokens: 1000, GenerationReserve: 10, UserEstimate: 10, MinChunkTokens: 64}
	ctrl := session.New(store, index, embed, gen, budget)
	return NewServer(ctrl)
}

func TestSendUserMessageEndpoint(t *testing.T) {
	srv := newTestServer(t)

	body, err := json.Marshal(sendMessageRequest{Text: "hi there"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		GeneratedText string `json:"GeneratedText"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Equal(t, "hello", result.GeneratedText)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExportImportEndpoints(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/export", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/session/import", bytes.NewReader(rec.Body.Bytes()))
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}
