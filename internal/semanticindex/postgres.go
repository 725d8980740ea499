package semanticindex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"lumen/internal/lumenerr"
	"lumen/internal/token"
)

// NewPostgresIndex returns a pgvector-backed Index. Its schema setup uses
// CREATE EXTENSION vector + CREATE TABLE IF NOT EXISTS, and queries switch
// the distance operator per metric.
func NewPostgresIndex(ctx context.Context, pool *pgxpool.Pool, dims int, metric string) (Index, error) {
	idx := &postgresIndex{pool: pool, dims: dims, metric: strings.ToLower(strings.TrimSpace(metric))}
	if err := idx.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

type postgresIndex struct {
	pool   *pgxpool.Pool
	dims   int
	metric string
}

func (p *postgresIndex) ensureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return wrapErr(err)
	}
	vecType := "vector"
	if p.dims > 0 {
		vecType = fmt.Sprintf("vector(%d)", p.dims)
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS semantic_entries (
    turn_id BIGINT NOT NULL,
    sentence_id BIGINT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    token_count INT NOT NULL,
    embedding %s,
    reference_count INT NOT NULL DEFAULT 0,
    PRIMARY KEY (turn_id, sentence_id, role)
);
CREATE INDEX IF NOT EXISTS semantic_entries_turn_idx ON semantic_entries(turn_id);
CREATE INDEX IF NOT EXISTS semantic_entries_embedding_ivfflat
    ON semantic_entries USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`, vecType))
	return wrapErr(err)
}

func (p *postgresIndex) Upsert(ctx context.Context, entry Entry) error {
	var vecArg any
	if entry.Embedding != nil {
		vecArg = pgvector.NewVector(entry.Embedding)
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO semantic_entries (turn_id, sentence_id, role, text, token_count, embedding, reference_count)
VALUES ($1, $2, $3, $4, $5, $6, 0)
ON CONFLICT (turn_id, sentence_id, role) DO UPDATE SET
    text = EXCLUDED.text, token_count = EXCLUDED.token_count, embedding = EXCLUDED.embedding`,
		entry.Tuple.TurnID, entry.Tuple.SentenceID, string(entry.Tuple.Role), entry.Text, entry.TokenCount, vecArg)
	return wrapErr(err)
}

func (p *postgresIndex) Get(ctx context.Context, tuple token.Tuple) (Entry, bool, error) {
	var e Entry
	var vec pgvector.Vector
	var hasVec bool
	row := p.pool.QueryRow(ctx, `
SELECT text, token_count, embedding, reference_count FROM semantic_entries
WHERE turn_id = $1 AND sentence_id = $2 AND role = $3`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role))
	err := row.Scan(&e.Text, &e.TokenCount, scanVector(&vec, &hasVec), &e.ReferenceCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, wrapErr(err)
	}
	e.Tuple = tuple
	if hasVec {
		e.Embedding = vec.Slice()
	}
	return e, true, nil
}

func (p *postgresIndex) IncrementReferenceCount(ctx context.Context, tuple token.Tuple) error {
	_, err := p.pool.Exec(ctx, `
UPDATE semantic_entries SET reference_count = reference_count + 1
WHERE turn_id = $1 AND sentence_id = $2 AND role = $3`,
		tuple.TurnID, tuple.SentenceID, string(tuple.Role))
	return wrapErr(err)
}

func (p *postgresIndex) Query(ctx context.Context, queryEmbedding []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		topK = 10
	}
	op, scoreExpr := "<=>", "1 - (embedding <=> $1)"
	switch p.metric {
	case "l2", "euclidean":
		op, scoreExpr = "<->", "-(embedding <-> $1)"
	case "ip", "dot":
		op, scoreExpr = "<#>", "-(embedding <#> $1)"
	}
	q := fmt.Sprintf(`
SELECT turn_id, sentence_id, role, text, token_count, embedding, reference_count, %s AS score
FROM semantic_entries WHERE embedding IS NOT NULL
ORDER BY embedding %s $1 LIMIT $2`, scoreExpr, op)

	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(queryEmbedding), topK)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var s Scored
		var role string
		var vec pgvector.Vector
		if err := rows.Scan(&s.Entry.Tuple.TurnID, &s.Entry.Tuple.SentenceID, &role, &s.Entry.Text,
			&s.Entry.TokenCount, &vec, &s.Entry.ReferenceCount, &s.Score); err != nil {
			return nil, wrapErr(err)
		}
		s.Entry.Tuple.Role = token.Role(role)
		s.Entry.Embedding = vec.Slice()
		out = append(out, s)
	}
	return out, wrapErr(rows.Err())
}

func (p *postgresIndex) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM semantic_entries`).Scan(&st.EntryCount); err != nil {
		return st, wrapErr(err)
	}
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM semantic_entries WHERE embedding IS NULL`).Scan(&st.UnembeddedCount)
	return st, wrapErr(err)
}

func (p *postgresIndex) Export(ctx context.Context) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `SELECT turn_id, sentence_id, role, text, token_count, embedding, reference_count FROM semantic_entries`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var role string
		var vec pgvector.Vector
		var hasVec bool
		if err := rows.Scan(&e.Tuple.TurnID, &e.Tuple.SentenceID, &role, &e.Text, &e.TokenCount, scanVector(&vec, &hasVec), &e.ReferenceCount); err != nil {
			return nil, wrapErr(err)
		}
		e.Tuple.Role = token.Role(role)
		if hasVec {
			e.Embedding = vec.Slice()
		}
		out = append(out, e)
	}
	return out, wrapErr(rows.Err())
}

func (p *postgresIndex) Import(ctx context.Context, entries []Entry) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM semantic_entries`); err != nil {
		return wrapErr(err)
	}
	for _, e := range entries {
		var vecArg any
		if e.Embedding != nil {
			vecArg = pgvector.NewVector(e.Embedding)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO semantic_entries (turn_id, sentence_id, role, text, token_count, embedding, reference_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.Tuple.TurnID, e.Tuple.SentenceID, string(e.Tuple.Role), e.Text, e.TokenCount, vecArg, e.ReferenceCount); err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit(ctx))
}

func (p *postgresIndex) Close(context.Context) error {
	p.pool.Close()
	return nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("semanticindex: %w: %v", lumenerr.ErrStorageError, err)
}

// scanVector adapts a nullable pgvector column into (vec, hasVec) via
// pgx's generic Scan interface.
func scanVector(vec *pgvector.Vector, hasVec *bool) any {
	return &nullableVector{vec: vec, hasVec: hasVec}
}

type nullableVector struct {
	vec    *pgvector.Vector
	hasVec *bool
}

func (n *nullableVector) Scan(src any) error {
	if src == nil {
		*n.hasVec = false
		return nil
	}
	*n.hasVec = true
	return n.vec.Scan(src)
}
