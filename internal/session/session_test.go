package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/config"
	"lumen/internal/embedclient"
	"lumen/internal/genclient"
	"lumen/internal/semanticindex"
	"lumen/internal/token"
	"lumen/internal/tokenstore"
)

func newTestController(t *testing.T, embedSrv, genSrv *httptest.Server) *Controller {
	t.Helper()
	store := tokenstore.NewMemoryStore()
	index := semanticindex.NewMemoryIndex()
	embed := embedclient.New(config.EmbeddingConfig{BaseURL: embedSrv.URL, Path: "/embed", Model: "test", Dimensions: 2})
	gen := genclient.New(
		config.TokenizerConfig{BaseURL: genSrv.URL, Path: "/tokenize"},
		config.GenerationConfig{BaseURL: genSrv.URL, Path: "/generate_stream"},
	)
	budget := config.BudgetConfig{MaxActiveTokens: 1000, GenerationReserve: 10, UserEstimate: 10, MinChunkTokens: 64}
	return New(store, index, embed, gen, budget)
}

func fakeServers() (*httptest.Server, *httptest.Server) {
	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}{}
		for range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: []float32{1, 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))

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

	return embedSrv, genSrv
}

func TestController_SendUserMessage_FullTurnAdvancesTurnAndReturnsToIdle(t *testing.T) {
	embedSrv, genSrv := fakeServers()
	defer embedSrv.Close()
	defer genSrv.Close()

	c := newTestController(t, embedSrv, genSrv)
	result, err := c.SendUserMessage(context.Background(), "hi there")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.GeneratedText)
	assert.Equal(t, 1, result.TokensGenerated)
	assert.Equal(t, StateIdle, c.State())

	live, err := c.store.GetAllLive(context.Background())
	require.NoError(t, err)
	assert.Len(t, live, 2) // 1 user token + 1 assistant token
}

func TestController_SendUserMessage_RejectsConcurrentCallWhileNotIdle(t *testing.T) {
	embedSrv, genSrv := fakeServers()
	defer embedSrv.Close()
	defer genSrv.Close()

	c := newTestController(t, embedSrv, genSrv)
	c.state = StateStreaming
	_, err := c.SendUserMessage(context.Background(), "hi")
	require.Error(t, err)
}

func TestController_ResurrectManualRestoresAtCapAndPins(t *testing.T) {
	embedSrv, genSrv := fakeServers()
	defer embedSrv.Close()
	defer genSrv.Close()
	c := newTestController(t, embedSrv, genSrv)
	ctx := context.Background()

	atDeletion := int64(42)
	require.NoError(t, c.store.Import(ctx, tokenstore.Snapshot{
		Dead: []token.Token{{Position: 1, TurnID: 1, SentenceID: 0, Role: token.RoleUser, Deleted: true, BrightnessAtDeletion: &atDeletion}},
	}))

	tuple := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	require.NoError(t, c.ResurrectManual(ctx, tuple))

	live, err := c.store.GetAllLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, int64(10000), live[0].Brightness)
	assert.True(t, live[0].Pinned)
}

func TestController_ExportImportRoundTrip(t *testing.T) {
	embedSrv, genSrv := fakeServers()
	defer embedSrv.Close()
	defer genSrv.Close()
	c := newTestController(t, embedSrv, genSrv)
	ctx := context.Background()

	require.NoError(t, c.store.AppendLive(ctx, token.Token{Position: 1, TurnID: 1, Role: token.RoleUser, Brightness: 100}))

	snap, err := c.Export(ctx)
	require.NoError(t, err)

	fresh := newTestController(t, embedSrv, genSrv)
	require.NoError(t, fresh.Import(ctx, snap))

	stats, err := fresh.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LiveCount)
}
