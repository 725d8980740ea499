package semanticindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"lumen/internal/token"
)

// tupleIDField stores the original chunk-tuple string in the point payload,
// since chunk-tuple IDs are not themselves UUIDs.
const tupleIDField = "_chunk_tuple"

// NewQdrantIndex returns a Qdrant-gRPC-backed Index. Chunk tuples are not
// UUIDs, so each is mapped to a deterministic UUID via uuid.NewSHA1, with
// the original tuple string kept in the payload for round-tripping on
// query.
func NewQdrantIndex(dsn, collection string, dims int, metric string) (Index, error) {
	if collection == "" {
		return nil, fmt.Errorf("semanticindex: qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("semanticindex: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("semanticindex: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("semanticindex: create qdrant client: %w", err)
	}

	idx := &qdrantIndex{client: client, collection: collection, dims: dims, metric: strings.ToLower(strings.TrimSpace(metric))}
	if err := idx.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("semanticindex: ensure qdrant collection: %w", err)
	}
	return idx, nil
}

type qdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       int
	metric     string
}

func tupleToString(t token.Tuple) string {
	return fmt.Sprintf("%d:%d:%s", t.TurnID, t.SentenceID, t.Role)
}

func tupleFromString(s string) (token.Tuple, bool) {
	var turn, sentence int64
	var role string
	if _, err := fmt.Sscanf(s, "%d:%d:%s", &turn, &sentence, &role); err != nil {
		return token.Tuple{}, false
	}
	return token.Tuple{TurnID: turn, SentenceID: sentence, Role: token.Role(role)}, true
}

func tuplePointID(t token.Tuple) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tupleToString(t))).String()
}

func (q *qdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	default:
		distance = qdrant.Distance_Cosine
	}
	if q.dims <= 0 {
		return fmt.Errorf("qdrant requires dimensions > 0")
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dims),
			Distance: distance,
		}),
	})
}

func (q *qdrantIndex) Upsert(ctx context.Context, entry Entry) error {
	if entry.Embedding == nil {
		return nil // deferred embedding: nothing to index yet
	}
	payload := qdrant.NewValueMap(map[string]any{
		tupleIDField:       tupleToString(entry.Tuple),
		"text":             entry.Text,
		"token_count":      int64(entry.TokenCount),
		"reference_count":  int64(entry.ReferenceCount),
	})
	vec := make([]float32, len(entry.Embedding))
	copy(vec, entry.Embedding)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(tuplePointID(entry.Tuple)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		}},
	})
	return err
}

func (q *qdrantIndex) Get(ctx context.Context, tuple token.Tuple) (Entry, bool, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(tuplePointID(tuple))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return Entry{}, false, err
	}
	if len(points) == 0 {
		return Entry{}, false, nil
	}
	return entryFromPoint(tuple, points[0]), true, nil
}

func entryFromPoint(tuple token.Tuple, p *qdrant.RetrievedPoint) Entry {
	e := Entry{Tuple: tuple}
	if p.Payload != nil {
		if v, ok := p.Payload["text"]; ok {
			e.Text = v.GetStringValue()
		}
		if v, ok := p.Payload["token_count"]; ok {
			e.TokenCount = int(v.GetIntegerValue())
		}
		if v, ok := p.Payload["reference_count"]; ok {
			e.ReferenceCount = int(v.GetIntegerValue())
		}
	}
	if vecs := p.GetVectors(); vecs != nil {
		e.Embedding = vecs.GetVector().GetData()
	}
	return e
}

func (q *qdrantIndex) IncrementReferenceCount(ctx context.Context, tuple token.Tuple) error {
	e, ok, err := q.Get(ctx, tuple)
	if err != nil || !ok {
		return err
	}
	e.ReferenceCount++
	return q.Upsert(ctx, e)
}

func (q *qdrantIndex) Query(ctx context.Context, queryEmbedding []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		topK = 10
	}
	vec := make([]float32, len(queryEmbedding))
	copy(vec, queryEmbedding)
	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Scored, 0, len(hits))
	for _, hit := range hits {
		tupleStr := ""
		if hit.Payload != nil {
			if v, ok := hit.Payload[tupleIDField]; ok {
				tupleStr = v.GetStringValue()
			}
		}
		tuple, ok := tupleFromString(tupleStr)
		if !ok {
			continue
		}
		e := Entry{Tuple: tuple}
		if hit.Payload != nil {
			if v, ok := hit.Payload["text"]; ok {
				e.Text = v.GetStringValue()
			}
			if v, ok := hit.Payload["token_count"]; ok {
				e.TokenCount = int(v.GetIntegerValue())
			}
			if v, ok := hit.Payload["reference_count"]; ok {
				e.ReferenceCount = int(v.GetIntegerValue())
			}
		}
		out = append(out, Scored{Entry: e, Score: float64(hit.Score)})
	}
	return out, nil
}

func (q *qdrantIndex) Stats(ctx context.Context) (Stats, error) {
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return Stats{}, err
	}
	return Stats{EntryCount: int(info.GetPointsCount())}, nil
}

func (q *qdrantIndex) Export(ctx context.Context) ([]Entry, error) {
	var out []Entry
	var offset *qdrant.PointId
	for {
		resp, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Limit:          qdrant.PtrOf(uint32(256)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, err
		}
		for _, p := range resp {
			tupleStr := ""
			if p.Payload != nil {
				if v, ok := p.Payload[tupleIDField]; ok {
					tupleStr = v.GetStringValue()
				}
			}
			tuple, ok := tupleFromString(tupleStr)
			if !ok {
				continue
			}
			out = append(out, entryFromPoint(tuple, &qdrant.RetrievedPoint{
				Id: p.Id, Payload: p.Payload, Vectors: p.Vectors,
			}))
		}
		if len(resp) == 0 {
			break
		}
		offset = resp[len(resp)-1].Id
		if len(resp) < 256 {
			break
		}
	}
	return out, nil
}

func (q *qdrantIndex) Import(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := q.Upsert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (q *qdrantIndex) Close(context.Context) error { return q.client.Close() }
