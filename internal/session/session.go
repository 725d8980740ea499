// Package session implements the SessionController state machine that
// orchestrates one user turn: resurrect relevant dead chunks, ingest the
// user message, stream generation while scoring brightness per token, then
// index new chunks and prune back under budget.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"lumen/internal/attention"
	"lumen/internal/brightness"
	"lumen/internal/chunking"
	"lumen/internal/config"
	"lumen/internal/embedclient"
	"lumen/internal/genclient"
	"lumen/internal/lumenerr"
	"lumen/internal/pruner"
	"lumen/internal/resurrector"
	"lumen/internal/semanticindex"
	"lumen/internal/telemetry"
	"lumen/internal/token"
	"lumen/internal/tokenstore"
)

// State names the SessionController's position in the per-turn state
// machine.
type State string

const (
	StateIdle       State = "idle"
	StateIngesting  State = "ingesting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
)

// TurnResult summarizes one completed send_user_message call.
type TurnResult struct {
	TurnID             int64
	ResurrectedTuples  []token.Tuple
	GeneratedText      string
	TokensGenerated    int
}

// Controller owns the live session state machine. One Controller serves one
// conversation; callers must not invoke send_user_message concurrently
// with itself (the state machine is single-threaded cooperative).
type Controller struct {
	mu sync.Mutex

	store   tokenstore.Store
	index   semanticindex.Index
	embed   *embedclient.Client
	gen     *genclient.Client
	chunker *chunking.Model
	resur   *resurrector.Resurrector
	budget  config.BudgetConfig
	metrics telemetry.Metrics

	state State
}

var tracer = otel.Tracer("lumen/session")

func New(store tokenstore.Store, index semanticindex.Index, embed *embedclient.Client, gen *genclient.Client, budget config.BudgetConfig) *Controller {
	return &Controller{
		store:   store,
		index:   index,
		embed:   embed,
		gen:     gen,
		chunker: chunking.NewModel(budget.MinChunkTokens),
		resur:   resurrector.New(store, index),
		budget:  budget,
		state:   StateIdle,
	}
}

// SetMetrics replaces the controller's metrics sink. Called once by the
// daemon entrypoint after construction to install either an OtelMetrics
// backed by the real meter provider or, with telemetry disabled, a
// MockMetrics.
func (c *Controller) SetMetrics(m telemetry.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendUserMessage runs one full turn: Idle -> Ingesting -> Streaming ->
// Finalizing -> Idle.
func (c *Controller) SendUserMessage(ctx context.Context, text string) (TurnResult, error) {
	ctx, span := tracer.Start(ctx, "session.SendUserMessage")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		err := fmt.Errorf("session: %w: send_user_message called while in state %q", lumenerr.ErrInvalidInput, c.state)
		span.RecordError(err)
		return TurnResult{}, err
	}

	if err := c.resurrectPhase(ctx, text); err != nil {
		span.RecordError(err)
		return TurnResult{}, err
	}

	result, err := c.ingestPhase(ctx, text)
	if err != nil {
		c.state = StateIdle
		span.RecordError(err)
		return TurnResult{}, err
	}

	streamErr := c.streamPhase(ctx, &result)
	// An aborted stream is a normal completion from the state machine's
	// perspective; any other error halts the turn before Finalizing runs
	// (StorageError must not be papered over).
	if streamErr != nil && !errors.Is(streamErr, lumenerr.ErrStreamAborted) {
		c.state = StateIdle
		span.RecordError(streamErr)
		return TurnResult{}, streamErr
	}

	if err := c.finalizePhase(ctx, result.TurnID); err != nil {
		c.state = StateIdle
		span.RecordError(err)
		return TurnResult{}, err
	}

	c.state = StateIdle
	return result, nil
}

func (c *Controller) resurrectPhase(ctx context.Context, userText string) error {
	live, err := c.store.GetAllLive(ctx)
	if err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}
	r := c.budget.MaxActiveTokens - len(live) - c.budget.UserEstimate - c.budget.GenerationReserve
	if r <= 0 {
		return nil
	}

	vecs, err := c.embed.Embed(ctx, []string{userText})
	if err != nil {
		// EmbeddingUnavailable: semantic operations degrade to no-op.
		log.Debug().Err(err).Msg("session: resurrection skipped, embedding unavailable")
		return nil
	}

	resurrected, err := c.resur.Run(ctx, vecs[0], r)
	if err == nil && c.metrics != nil {
		for range resurrected {
			c.metrics.IncCounter(telemetry.MetricChunksResurrected, nil)
		}
	}
	return err
}

func (c *Controller) ingestPhase(ctx context.Context, userText string) (TurnResult, error) {
	c.state = StateIngesting

	units, err := c.gen.Tokenize(ctx, userText)
	if err != nil {
		return TurnResult{}, err
	}

	md, err := c.store.GetMetadata(ctx)
	if err != nil {
		return TurnResult{}, fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}

	turnID := md.NextTurn
	for _, u := range units {
		sentenceID := c.chunker.Assign(turnID, token.RoleUser, u.Text)
		tok := token.Token{
			Position:   md.NextPosition,
			TokenID:    u.TokenID,
			Text:       u.Text,
			TurnID:     turnID,
			SentenceID: sentenceID,
			Role:       token.RoleUser,
			Brightness: token.B0,
		}
		if err := c.store.AppendLive(ctx, tok); err != nil {
			return TurnResult{}, fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
		}
		md.NextPosition++
	}
	c.chunker.Reset(turnID, token.RoleUser)

	md.NextTurn = turnID + 1
	if err := c.store.SaveMetadata(ctx, md); err != nil {
		return TurnResult{}, fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}

	c.state = StateStreaming
	return TurnResult{TurnID: turnID + 1}, nil
}

// streamPhase drives generation for the assistant's reply (turn_id ==
// result.TurnID), appending tokens and scoring brightness as each token
// arrives. Each appended token's brightness is persisted fire-and-forget;
// the scorer's updated brightness for every scored token is flushed with a
// blocking batch write on entering Finalizing.
func (c *Controller) streamPhase(ctx context.Context, result *TurnResult) error {
	md, err := c.store.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}
	live, err := c.store.GetAllLive(ctx)
	if err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}
	inputIDs := make([]int, len(live))
	for i, t := range live {
		inputIDs[i] = t.TokenID
	}

	events, errs := c.gen.GenerateStream(ctx, inputIDs, genclient.GenerationParams{})

	assistantTurn := result.TurnID
	scored := make([]brightness.Scored, len(live))
	positions := make([]int64, len(live))
	for i, t := range live {
		scored[i] = brightness.Scored{TurnID: t.TurnID, Brightness: t.Brightness}
		positions[i] = t.Position
	}

	for ev := range events {
		if ev.Done {
			break
		}

		a, err := attention.Aggregate(nil, ev.Attention)
		if err != nil {
			log.Debug().Err(err).Msg("session: skipping attention update, invalid input")
		} else if len(a) == len(scored) {
			brightness.Update(a, scored, assistantTurn)
			if c.metrics != nil {
				c.metrics.IncCounter(telemetry.MetricBrightnessUpdates, nil)
			}
		}

		sentenceID := c.chunker.Assign(assistantTurn, token.RoleAssistant, ev.Text)
		tok := token.Token{
			Position:   md.NextPosition,
			TokenID:    ev.TokenID,
			Text:       ev.Text,
			TurnID:     assistantTurn,
			SentenceID: sentenceID,
			Role:       token.RoleAssistant,
			Brightness: token.B0,
		}
		if err := c.store.AppendLive(ctx, tok); err != nil {
			return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
		}
		md.NextPosition++
		scored = append(scored, brightness.Scored{TurnID: assistantTurn, Brightness: token.B0})
		positions = append(positions, tok.Position)

		result.GeneratedText += ev.Text
		result.TokensGenerated++

		// Fire-and-forget persistence during Streaming: a failure here does
		// not halt the stream, only the mandatory Finalizing flush is
		// blocking.
		go func(pos int64, b int64) {
			if err := c.store.UpdateBrightnessBatch(context.Background(), map[int64]int64{pos: b}); err != nil {
				log.Debug().Err(err).Msg("session: fire-and-forget brightness persistence failed")
			}
		}(tok.Position, tok.Brightness)
	}

	if err := c.store.SaveMetadata(ctx, md); err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}
	c.chunker.Reset(assistantTurn, token.RoleAssistant)

	c.state = StateFinalizing

	values := make(map[int64]int64, len(scored))
	for i, s := range scored {
		values[positions[i]] = s.Brightness
	}
	if err := c.store.UpdateBrightnessBatch(ctx, values); err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}

	if err := <-errs; err != nil {
		return err
	}
	return nil
}

// finalizePhase embeds newly completed chunks, blocking-flushes all active
// brightness, and runs the pruner.
func (c *Controller) finalizePhase(ctx context.Context, justCompletedTurnID int64) error {
	live, err := c.store.GetAllLive(ctx)
	if err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}

	values := make(map[int64]int64, len(live))
	chunkTuples := map[token.Tuple]struct{}{}
	for _, t := range live {
		values[t.Position] = t.Brightness
		chunkTuples[t.Tuple()] = struct{}{}
	}
	if err := c.store.UpdateBrightnessBatch(ctx, values); err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrStorageError, err)
	}

	provider := &storeTextProvider{store: c.store}
	for tuple := range chunkTuples {
		if existing, ok, err := c.index.Get(ctx, tuple); err == nil && ok && existing.Embedding != nil {
			continue // already indexed with a live embedding
		}
		text, n, ok, err := provider.ChunkText(ctx, tuple)
		if err != nil || !ok {
			continue
		}
		ctxText, err := semanticindex.BuildEmbeddingContext(ctx, provider, tuple)
		if err != nil {
			continue
		}
		vecs, err := c.embed.Embed(ctx, []string{ctxText})
		if err != nil {
			// EmbeddingUnavailable: defer this chunk's embedding, retried
			// on a future turn when it is next considered.
			if uerr := c.index.Upsert(ctx, semanticindex.Entry{Tuple: tuple, Text: text, TokenCount: n}); uerr != nil {
				log.Debug().Err(uerr).Msg("session: defer-embed upsert failed")
			}
			continue
		}
		if err := c.index.Upsert(ctx, semanticindex.Entry{Tuple: tuple, Text: text, TokenCount: n, Embedding: vecs[0]}); err != nil {
			log.Debug().Err(err).Msg("session: index_new_chunks upsert failed")
		}
	}

	if err := pruner.Run(ctx, c.store, justCompletedTurnID, c.budget.MaxActiveTokens); err != nil {
		return err
	}
	if c.metrics != nil {
		if after, err := c.store.GetAllLive(ctx); err == nil {
			for _, t := range after {
				delete(chunkTuples, t.Tuple())
			}
			for range chunkTuples {
				c.metrics.IncCounter(telemetry.MetricChunksPruned, nil)
			}
		}
	}
	return nil
}

// storeTextProvider implements semanticindex.ChunkTextProvider by
// reconstructing a chunk's surface text from the TokenStore, checking the
// live partition first (the common case at Finalizing time) and falling
// back to dead (for anchor lookups of already-pruned neighbors).
type storeTextProvider struct {
	store tokenstore.Store
}

func (p *storeTextProvider) ChunkText(ctx context.Context, tuple token.Tuple) (string, int, bool, error) {
	live, err := p.store.GetAllLive(ctx)
	if err != nil {
		return "", 0, false, err
	}
	var toks []token.Token
	for _, t := range live {
		if t.Tuple() == tuple {
			toks = append(toks, t)
		}
	}
	if len(toks) == 0 {
		toks, err = p.store.GetDeadTokensByChunk(ctx, tuple)
		if err != nil {
			return "", 0, false, err
		}
	}
	if len(toks) == 0 {
		return "", 0, false, nil
	}
	var text string
	for _, t := range toks {
		text += t.Text
	}
	return text, len(toks), true, nil
}
