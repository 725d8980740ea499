package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lumen/internal/lumenerr"
	"lumen/internal/token"
)

// NewPostgresStore returns a Postgres-backed Store. It mirrors the plain
// SQL-over-pgxpool.Pool style used elsewhere in this codebase's postgres
// backends: CREATE TABLE IF NOT EXISTS on construction, explicit
// transactions for the two operations (prune_chunk, resurrect_chunk) that
// must be atomic with respect to concurrent readers.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return nil, errors.New("postgres token store requires a pool")
	}
	s := &postgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type postgresStore struct {
	pool *pgxpool.Pool
}

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS live_tokens (
    position BIGINT PRIMARY KEY,
    token_id INT NOT NULL,
    text TEXT NOT NULL,
    turn_id BIGINT NOT NULL,
    sentence_id BIGINT NOT NULL,
    role TEXT NOT NULL,
    brightness BIGINT NOT NULL,
    pinned BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS live_tokens_chunk_idx ON live_tokens(turn_id, sentence_id, role);
CREATE INDEX IF NOT EXISTS live_tokens_turn_idx ON live_tokens(turn_id);

CREATE TABLE IF NOT EXISTS dead_tokens (
    position BIGINT PRIMARY KEY,
    token_id INT NOT NULL,
    text TEXT NOT NULL,
    turn_id BIGINT NOT NULL,
    sentence_id BIGINT NOT NULL,
    role TEXT NOT NULL,
    brightness_at_deletion BIGINT NOT NULL,
    pinned BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS dead_tokens_chunk_idx ON dead_tokens(turn_id, sentence_id, role);
CREATE INDEX IF NOT EXISTS dead_tokens_turn_idx ON dead_tokens(turn_id);

CREATE TABLE IF NOT EXISTS token_store_metadata (
    id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    next_position BIGINT NOT NULL DEFAULT 0,
    next_turn BIGINT NOT NULL DEFAULT 0,
    current_sentence BIGINT NOT NULL DEFAULT 0,
    current_role TEXT NOT NULL DEFAULT 'system',
    last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
	return err
}

func (s *postgresStore) AppendLive(ctx context.Context, tok token.Token) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO live_tokens (position, token_id, text, turn_id, sentence_id, role, brightness, pinned)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (position) DO UPDATE SET
    token_id = EXCLUDED.token_id, text = EXCLUDED.text, turn_id = EXCLUDED.turn_id,
    sentence_id = EXCLUDED.sentence_id, role = EXCLUDED.role, brightness = EXCLUDED.brightness,
    pinned = EXCLUDED.pinned`,
		tok.Position, tok.TokenID, tok.Text, tok.TurnID, tok.SentenceID, string(tok.Role), tok.Brightness, tok.Pinned)
	return wrapStorageErr(err)
}

func (s *postgresStore) GetAllLive(ctx context.Context) ([]token.Token, error) {
	rows, err := s.pool.Query(ctx, `
SELECT position, token_id, text, turn_id, sentence_id, role, brightness, pinned
FROM live_tokens ORDER BY position ASC`)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()

	var out []token.Token
	for rows.Next() {
		var t token.Token
		var role string
		if err := rows.Scan(&t.Position, &t.TokenID, &t.Text, &t.TurnID, &t.SentenceID, &role, &t.Brightness, &t.Pinned); err != nil {
			return nil, wrapStorageErr(err)
		}
		t.Role = token.Role(role)
		out = append(out, t)
	}
	return out, wrapStorageErr(rows.Err())
}

func (s *postgresStore) GetDeadTokensByChunk(ctx context.Context, tuple token.Tuple) ([]token.Token, error) {
	rows, err := s.pool.Query(ctx, `
SELECT position, token_id, text, turn_id, sentence_id, role, brightness_at_deletion, pinned
FROM dead_tokens WHERE turn_id = $1 AND sentence_id = $2 AND role = $3 ORDER BY position ASC`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role))
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()

	var out []token.Token
	for rows.Next() {
		var t token.Token
		var role string
		var bad int64
		if err := rows.Scan(&t.Position, &t.TokenID, &t.Text, &t.TurnID, &t.SentenceID, &role, &bad, &t.Pinned); err != nil {
			return nil, wrapStorageErr(err)
		}
		t.Role = token.Role(role)
		t.Deleted = true
		t.BrightnessAtDeletion = &bad
		out = append(out, t)
	}
	return out, wrapStorageErr(rows.Err())
}

func (s *postgresStore) IsChunkLive(ctx context.Context, tuple token.Tuple) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM live_tokens WHERE turn_id = $1 AND sentence_id = $2 AND role = $3)`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role)).Scan(&exists)
	return exists, wrapStorageErr(err)
}

func (s *postgresStore) PruneChunk(ctx context.Context, tuple token.Tuple) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStorageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT position, token_id, text, turn_id, sentence_id, role, brightness, pinned
FROM live_tokens WHERE turn_id = $1 AND sentence_id = $2 AND role = $3`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role))
	if err != nil {
		return wrapStorageErr(err)
	}
	var toMove []token.Token
	for rows.Next() {
		var t token.Token
		var role string
		if err := rows.Scan(&t.Position, &t.TokenID, &t.Text, &t.TurnID, &t.SentenceID, &role, &t.Brightness, &t.Pinned); err != nil {
			rows.Close()
			return wrapStorageErr(err)
		}
		t.Role = token.Role(role)
		toMove = append(toMove, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapStorageErr(err)
	}

	for _, t := range toMove {
		if _, err := tx.Exec(ctx, `
INSERT INTO dead_tokens (position, token_id, text, turn_id, sentence_id, role, brightness_at_deletion, pinned)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.Position, t.TokenID, t.Text, t.TurnID, t.SentenceID, string(t.Role), t.Brightness, t.Pinned); err != nil {
			return wrapStorageErr(err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM live_tokens WHERE turn_id = $1 AND sentence_id = $2 AND role = $3`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role)); err != nil {
		return wrapStorageErr(err)
	}
	return wrapStorageErr(tx.Commit(ctx))
}

func (s *postgresStore) ResurrectChunk(ctx context.Context, tuple token.Tuple, policy BrightnessPolicy, forcePin bool) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStorageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT position, token_id, text, turn_id, sentence_id, role, brightness_at_deletion, pinned
FROM dead_tokens WHERE turn_id = $1 AND sentence_id = $2 AND role = $3`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role))
	if err != nil {
		return wrapStorageErr(err)
	}
	var toMove []token.Token
	for rows.Next() {
		var t token.Token
		var role string
		var bad int64
		if err := rows.Scan(&t.Position, &t.TokenID, &t.Text, &t.TurnID, &t.SentenceID, &role, &bad, &t.Pinned); err != nil {
			rows.Close()
			return wrapStorageErr(err)
		}
		t.Role = token.Role(role)
		t.BrightnessAtDeletion = &bad
		toMove = append(toMove, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapStorageErr(err)
	}

	for _, t := range toMove {
		brightness := policy(t.BrightnessAtDeletion)
		pinned := t.Pinned || forcePin
		if _, err := tx.Exec(ctx, `
INSERT INTO live_tokens (position, token_id, text, turn_id, sentence_id, role, brightness, pinned)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.Position, t.TokenID, t.Text, t.TurnID, t.SentenceID, string(t.Role), brightness, pinned); err != nil {
			return wrapStorageErr(err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dead_tokens WHERE turn_id = $1 AND sentence_id = $2 AND role = $3`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role)); err != nil {
		return wrapStorageErr(err)
	}
	return wrapStorageErr(tx.Commit(ctx))
}

func (s *postgresStore) UpdateBrightnessBatch(ctx context.Context, values map[int64]int64) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStorageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for pos, b := range values {
		if _, err := tx.Exec(ctx, `UPDATE live_tokens SET brightness = $1 WHERE position = $2`, b, pos); err != nil {
			return wrapStorageErr(err)
		}
	}
	return wrapStorageErr(tx.Commit(ctx))
}

func (s *postgresStore) SetPinned(ctx context.Context, tuple token.Tuple, pinned bool) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStorageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `UPDATE live_tokens SET pinned = $1 WHERE turn_id = $2 AND sentence_id = $3 AND role = $4`,
		pinned, tuple.TurnID, tuple.SentenceID, string(tuple.Role)); err != nil {
		return wrapStorageErr(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE dead_tokens SET pinned = $1 WHERE turn_id = $2 AND sentence_id = $3 AND role = $4`,
		pinned, tuple.TurnID, tuple.SentenceID, string(tuple.Role)); err != nil {
		return wrapStorageErr(err)
	}
	return wrapStorageErr(tx.Commit(ctx))
}

func (s *postgresStore) MergeChunks(ctx context.Context, from, to token.Tuple) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStorageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, table := range []string{"live_tokens", "dead_tokens"} {
		if _, err := tx.Exec(ctx, `UPDATE `+table+` SET turn_id = $1, sentence_id = $2, role = $3
WHERE turn_id = $4 AND sentence_id = $5 AND role = $6`,
			to.TurnID, to.SentenceID, string(to.Role), from.TurnID, from.SentenceID, string(from.Role)); err != nil {
			return wrapStorageErr(err)
		}
	}
	return wrapStorageErr(tx.Commit(ctx))
}

func (s *postgresStore) GetMetadata(ctx context.Context) (Metadata, error) {
	var md Metadata
	var role string
	err := s.pool.QueryRow(ctx, `
SELECT next_position, next_turn, current_sentence, current_role, last_modified
FROM token_store_metadata WHERE id = 1`).Scan(&md.NextPosition, &md.NextTurn, &md.CurrentSentence, &role, &md.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Metadata{CurrentRole: token.RoleSystem}, nil
	}
	md.CurrentRole = token.Role(role)
	return md, wrapStorageErr(err)
}

func (s *postgresStore) SaveMetadata(ctx context.Context, md Metadata) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO token_store_metadata (id, next_position, next_turn, current_sentence, current_role, last_modified)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    next_position = EXCLUDED.next_position, next_turn = EXCLUDED.next_turn,
    current_sentence = EXCLUDED.current_sentence, current_role = EXCLUDED.current_role,
    last_modified = EXCLUDED.last_modified`,
		md.NextPosition, md.NextTurn, md.CurrentSentence, string(md.CurrentRole), time.Now().UTC())
	return wrapStorageErr(err)
}

func (s *postgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM live_tokens`).Scan(&st.LiveCount)
	if err != nil {
		return st, wrapStorageErr(err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_tokens`).Scan(&st.DeadCount); err != nil {
		return st, wrapStorageErr(err)
	}
	if st.LiveCount == 0 {
		return st, nil
	}
	err = s.pool.QueryRow(ctx, `SELECT MIN(brightness), MAX(brightness), AVG(brightness) FROM live_tokens`).
		Scan(&st.BrightnessMin, &st.BrightnessMax, &st.BrightnessMean)
	return st, wrapStorageErr(err)
}

func (s *postgresStore) Export(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	live, err := s.GetAllLive(ctx)
	if err != nil {
		return snap, err
	}
	snap.Live = live

	rows, err := s.pool.Query(ctx, `
SELECT position, token_id, text, turn_id, sentence_id, role, brightness_at_deletion, pinned
FROM dead_tokens ORDER BY position ASC`)
	if err != nil {
		return snap, wrapStorageErr(err)
	}
	for rows.Next() {
		var t token.Token
		var role string
		var bad int64
		if err := rows.Scan(&t.Position, &t.TokenID, &t.Text, &t.TurnID, &t.SentenceID, &role, &bad, &t.Pinned); err != nil {
			rows.Close()
			return snap, wrapStorageErr(err)
		}
		t.Role = token.Role(role)
		t.Deleted = true
		t.BrightnessAtDeletion = &bad
		snap.Dead = append(snap.Dead, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, wrapStorageErr(err)
	}

	md, err := s.GetMetadata(ctx)
	if err != nil {
		return snap, err
	}
	snap.Metadata = md
	return snap, nil
}

func (s *postgresStore) Import(ctx context.Context, snap Snapshot) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStorageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM live_tokens`); err != nil {
		return wrapStorageErr(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dead_tokens`); err != nil {
		return wrapStorageErr(err)
	}
	for _, t := range snap.Live {
		if _, err := tx.Exec(ctx, `
INSERT INTO live_tokens (position, token_id, text, turn_id, sentence_id, role, brightness, pinned)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.Position, t.TokenID, t.Text, t.TurnID, t.SentenceID, string(t.Role), t.Brightness, t.Pinned); err != nil {
			return wrapStorageErr(err)
		}
	}
	for _, t := range snap.Dead {
		var bad int64
		if t.BrightnessAtDeletion != nil {
			bad = *t.BrightnessAtDeletion
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO dead_tokens (position, token_id, text, turn_id, sentence_id, role, brightness_at_deletion, pinned)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.Position, t.TokenID, t.Text, t.TurnID, t.SentenceID, string(t.Role), bad, t.Pinned); err != nil {
			return wrapStorageErr(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStorageErr(err)
	}
	return s.SaveMetadata(ctx, snap.Metadata)
}

func (s *postgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tokenstore: %w: %v", lumenerr.ErrStorageError, err)
}
