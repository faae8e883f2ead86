package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	dbpkg "github.com/relaydesk/relay/internal/db"
)

// Retriever returns the tenant's document chunks most similar to the query
// vector, filtered by a minimum similarity, highest score first.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID string, vector []float32, topK int, minSimilarity float64) ([]Chunk, error)
}

// QdrantRetriever queries a qdrant collection holding the document chunks.
type QdrantRetriever struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger
}

// NewQdrantRetriever creates a retriever over the given collection.
func NewQdrantRetriever(log *slog.Logger, client *qdrant.Client, collection string) *QdrantRetriever {
	if log == nil {
		log = slog.Default()
	}
	return &QdrantRetriever{
		client:     client,
		collection: collection,
		logger:     log.With(slog.String("retriever", "qdrant")),
	}
}

func (r *QdrantRetriever) Retrieve(ctx context.Context, tenantID string, vector []float32, topK int, minSimilarity float64) ([]Chunk, error) {
	points, err := r.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: r.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		ScoreThreshold: qdrant.PtrOf(float32(minSimilarity)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("tenant_id", tenantID),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	chunks := make([]Chunk, 0, len(points))
	for _, point := range points {
		chunk := Chunk{Score: float64(point.GetScore())}
		if payload := point.GetPayload(); payload != nil {
			chunk.Content = payload["content"].GetStringValue()
			chunk.DocumentID = payload["document_id"].GetStringValue()
		}
		if chunk.Content == "" {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// PGRetriever scores stored chunk embeddings in-process with cosine
// similarity. It serves tenants without a qdrant collection and keeps the
// pipeline functional when qdrant is not deployed.
type PGRetriever struct {
	pool *pgxpool.Pool
}

// NewPGRetriever creates a Postgres-backed retriever.
func NewPGRetriever(pool *pgxpool.Pool) *PGRetriever {
	return &PGRetriever{pool: pool}
}

func (r *PGRetriever) Retrieve(ctx context.Context, tenantID string, vector []float32, topK int, minSimilarity float64) ([]Chunk, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT document_id, content, embedding FROM document_chunks WHERE tenant_id = $1`,
		pgTenant)
	if err != nil {
		return nil, fmt.Errorf("query document chunks: %w", err)
	}
	defer rows.Close()

	var scored []Chunk
	for rows.Next() {
		var (
			docID     pgtype.UUID
			content   string
			embedding []float32
		)
		if err := rows.Scan(&docID, &content, &embedding); err != nil {
			return nil, fmt.Errorf("scan document chunk: %w", err)
		}
		score := CosineSimilarity(vector, embedding)
		if score < minSimilarity {
			continue
		}
		scored = append(scored, Chunk{
			DocumentID: dbpkg.UUIDString(docID),
			Content:    content,
			Score:      score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// NewQdrantClient dials qdrant. Kept here so wiring stays in one place.
// Hosted qdrant requires TLS whenever an API key is in play.
func NewQdrantClient(host string, port int, apiKey string) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: apiKey != "",
		GrpcOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:    30 * time.Second,
				Timeout: 10 * time.Second,
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return client, nil
}
