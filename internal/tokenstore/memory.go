package tokenstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"lumen/internal/lumenerr"
	"lumen/internal/token"
)

// NewMemoryStore returns an in-process Store backed by position-keyed
// live/dead maps plus a chunk-tuple secondary index, mirroring the
// mutex-guarded map pattern used throughout this codebase's in-memory
// backends.
func NewMemoryStore() Store {
	return &memoryStore{
		live:        map[int64]token.Token{},
		dead:        map[int64]token.Token{},
		liveByChunk: map[token.Tuple]map[int64]struct{}{},
		deadByChunk: map[token.Tuple]map[int64]struct{}{},
	}
}

type memoryStore struct {
	mu          sync.RWMutex
	live        map[int64]token.Token
	dead        map[int64]token.Token
	liveByChunk map[token.Tuple]map[int64]struct{}
	deadByChunk map[token.Tuple]map[int64]struct{}
	metadata    Metadata
}

func (s *memoryStore) AppendLive(_ context.Context, tok token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[tok.Position] = tok
	s.indexAdd(s.liveByChunk, tok.Tuple(), tok.Position)
	return nil
}

func (s *memoryStore) GetAllLive(_ context.Context) ([]token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]token.Token, 0, len(s.live))
	for _, t := range s.live {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *memoryStore) GetDeadTokensByChunk(_ context.Context, tuple token.Tuple) ([]token.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	positions := s.deadByChunk[tuple]
	out := make([]token.Token, 0, len(positions))
	for pos := range positions {
		out = append(out, s.dead[pos])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *memoryStore) IsChunkLive(_ context.Context, tuple token.Tuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.liveByChunk[tuple]) > 0, nil
}

func (s *memoryStore) PruneChunk(_ context.Context, tuple token.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := s.liveByChunk[tuple]
	for pos := range positions {
		tok, ok := s.live[pos]
		if !ok {
			lumenerr.Inconsistent("prune_chunk: position indexed live but missing from live map")
		}
		b := tok.Brightness
		tok.Deleted = true
		tok.BrightnessAtDeletion = &b
		delete(s.live, pos)
		s.dead[pos] = tok
		s.indexAdd(s.deadByChunk, tuple, pos)
	}
	delete(s.liveByChunk, tuple)
	log.Debug().Int64("turn_id", tuple.TurnID).Int64("sentence_id", tuple.SentenceID).Str("role", string(tuple.Role)).Msg("tokenstore prune_chunk")
	return nil
}

func (s *memoryStore) ResurrectChunk(_ context.Context, tuple token.Tuple, policy BrightnessPolicy, forcePin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := s.deadByChunk[tuple]
	for pos := range positions {
		tok, ok := s.dead[pos]
		if !ok {
			lumenerr.Inconsistent("resurrect_chunk: position indexed dead but missing from dead map")
		}
		tok.Brightness = policy(tok.BrightnessAtDeletion)
		tok.BrightnessAtDeletion = nil
		tok.Deleted = false
		if forcePin {
			tok.Pinned = true
		}
		delete(s.dead, pos)
		s.live[pos] = tok
		s.indexAdd(s.liveByChunk, tuple, pos)
	}
	delete(s.deadByChunk, tuple)
	log.Debug().Int64("turn_id", tuple.TurnID).Int64("sentence_id", tuple.SentenceID).Str("role", string(tuple.Role)).Msg("tokenstore resurrect_chunk")
	return nil
}

func (s *memoryStore) UpdateBrightnessBatch(_ context.Context, values map[int64]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pos, b := range values {
		if tok, ok := s.live[pos]; ok {
			tok.Brightness = b
			s.live[pos] = tok
		}
	}
	return nil
}

func (s *memoryStore) SetPinned(_ context.Context, tuple token.Tuple, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pos := range s.liveByChunk[tuple] {
		tok := s.live[pos]
		tok.Pinned = pinned
		s.live[pos] = tok
	}
	for pos := range s.deadByChunk[tuple] {
		tok := s.dead[pos]
		tok.Pinned = pinned
		s.dead[pos] = tok
	}
	return nil
}

func (s *memoryStore) MergeChunks(_ context.Context, from, to token.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pos := range s.liveByChunk[from] {
		tok := s.live[pos]
		tok.TurnID, tok.SentenceID, tok.Role = to.TurnID, to.SentenceID, to.Role
		s.live[pos] = tok
		s.indexAdd(s.liveByChunk, to, pos)
	}
	delete(s.liveByChunk, from)
	for pos := range s.deadByChunk[from] {
		tok := s.dead[pos]
		tok.TurnID, tok.SentenceID, tok.Role = to.TurnID, to.SentenceID, to.Role
		s.dead[pos] = tok
		s.indexAdd(s.deadByChunk, to, pos)
	}
	delete(s.deadByChunk, from)
	return nil
}

func (s *memoryStore) GetMetadata(_ context.Context) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata, nil
}

func (s *memoryStore) SaveMetadata(_ context.Context, md Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	md.LastModified = time.Now().UTC()
	s.metadata = md
	return nil
}

func (s *memoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{LiveCount: len(s.live), DeadCount: len(s.dead)}
	if len(s.live) == 0 {
		return st, nil
	}
	first := true
	var sum int64
	for _, t := range s.live {
		if first || t.Brightness < st.BrightnessMin {
			st.BrightnessMin = t.Brightness
		}
		if first || t.Brightness > st.BrightnessMax {
			st.BrightnessMax = t.Brightness
		}
		sum += t.Brightness
		first = false
	}
	st.BrightnessMean = float64(sum) / float64(len(s.live))
	return st, nil
}

func (s *memoryStore) Export(_ context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Metadata: s.metadata}
	for _, t := range s.live {
		snap.Live = append(snap.Live, t)
	}
	for _, t := range s.dead {
		snap.Dead = append(snap.Dead, t)
	}
	sort.Slice(snap.Live, func(i, j int) bool { return snap.Live[i].Position < snap.Live[j].Position })
	sort.Slice(snap.Dead, func(i, j int) bool { return snap.Dead[i].Position < snap.Dead[j].Position })
	return snap, nil
}

func (s *memoryStore) Import(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = map[int64]token.Token{}
	s.dead = map[int64]token.Token{}
	s.liveByChunk = map[token.Tuple]map[int64]struct{}{}
	s.deadByChunk = map[token.Tuple]map[int64]struct{}{}
	for _, t := range snap.Live {
		s.live[t.Position] = t
		s.indexAdd(s.liveByChunk, t.Tuple(), t.Position)
	}
	for _, t := range snap.Dead {
		s.dead[t.Position] = t
		s.indexAdd(s.deadByChunk, t.Tuple(), t.Position)
	}
	s.metadata = snap.Metadata
	return nil
}

func (s *memoryStore) Close(_ context.Context) error { return nil }

func (s *memoryStore) indexAdd(idx map[token.Tuple]map[int64]struct{}, tuple token.Tuple, pos int64) {
	set, ok := idx[tuple]
	if !ok {
		set = map[int64]struct{}{}
		idx[tuple] = set
	}
	set[pos] = struct{}{}
}
