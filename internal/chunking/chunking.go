// Package chunking assigns chunk (sentence) boundaries to tokens as they are
// created, grouping them into coarse semantic units for embedding and
// pruning.
package chunking

import (
	"strings"
	"sync"

	"lumen/internal/token"
)

// DefaultMinChunkTokens is the fixed minimum chunk size.
const DefaultMinChunkTokens = 64

const bufferCap = 10

type turnRoleKey struct {
	turnID int64
	role   token.Role
}

type chunkState struct {
	buffer     string
	n          int
	sentenceID int64
	inFence    bool
}

// Model tracks, per (turn_id, role), the rolling boundary-detection buffer
// and running token count needed to assign sentence_ids at token creation
// time. It is never re-derived once assigned.
type Model struct {
	mu             sync.Mutex
	minChunkTokens int
	states         map[turnRoleKey]*chunkState
}

// NewModel constructs a Model with the given minimum chunk token floor.
// Pass DefaultMinChunkTokens unless a caller has an explicit reason not to.
func NewModel(minChunkTokens int) *Model {
	if minChunkTokens <= 0 {
		minChunkTokens = DefaultMinChunkTokens
	}
	return &Model{
		minChunkTokens: minChunkTokens,
		states:         make(map[turnRoleKey]*chunkState),
	}
}

// Assign returns the sentence_id this token (with surface text) belongs to
// within (turnID, role), and advances the boundary-detection state for
// subsequent tokens in the same (turn, role).
func (m *Model) Assign(turnID int64, role token.Role, text string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := turnRoleKey{turnID, role}
	st := m.states[key]
	if st == nil {
		st = &chunkState{}
		m.states[key] = st
	}

	sentenceID := st.sentenceID
	st.n++

	st.buffer += text
	if len(st.buffer) > bufferCap {
		st.buffer = st.buffer[len(st.buffer)-bufferCap:]
	}

	if strings.Contains(text, "```") {
		st.inFence = !st.inFence
	}

	eligible := strings.Contains(st.buffer, "\n\n") ||
		(!st.inFence && strings.Contains(st.buffer, "\n}")) ||
		strings.Contains(st.buffer, "\n```")

	if eligible && st.n >= m.minChunkTokens {
		st.sentenceID++
		st.n = 0
		st.buffer = ""
	}

	return sentenceID
}

// Reset discards boundary-detection state for (turnID, role). The
// controller calls this when a turn ends, matching the "turn boundary ends
// the current chunk" rule; since a later token from the same (turn, role)
// never reoccurs this is equivalent to leaving the state alone, but frees
// memory promptly.
func (m *Model) Reset(turnID int64, role token.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, turnRoleKey{turnID, role})
}
