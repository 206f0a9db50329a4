package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hyperjump/miru/internal/models"
)

// payloadKeyID holds the record id; Qdrant point ids must be UUIDs or integers.
const payloadKeyID = "id"

// QdrantConfig locates the Qdrant collection backing a QdrantIndex.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
}

// QdrantIndex is an approximate index stored in a Qdrant collection (HNSW, cosine distance).
// Hits are re-sorted locally so ties follow the same ordering as MemoryIndex.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dimensions  int

	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewQdrantIndex connects to Qdrant and creates the collection if it does not exist.
// An existing collection is cleared so the index starts empty; Live fills it from the store.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, dimensions int) (*QdrantIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: qdrant index needs a known dimension", models.ErrInvalidArgument)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: qdrant collection name is empty", models.ErrInvalidArgument)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	q := &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  cfg.Collection,
		dimensions:  dimensions,
		ids:         make(map[string]struct{}),
	}
	if err := q.Reset(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

// PointID maps a record id to its deterministic Qdrant point UUID.
func PointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("miru:"+id)).String()
}

// Type returns the index type identifier.
func (q *QdrantIndex) Type() string {
	return string(IndexTypeQdrant)
}

// Add upserts points; the point id is derived from the record id.
func (q *QdrantIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("%w: %d ids for %d vectors", models.ErrInvalidArgument, len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != q.dimensions {
			return fmt.Errorf("%w: %s: got %d, index has %d",
				models.ErrDimensionMismatch, id, len(vectors[i]), q.dimensions)
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}}},
			Payload: map[string]*pb.Value{
				payloadKeyID: {Kind: &pb.Value_StringValue{StringValue: id}},
			},
		}
	}
	wait := true
	if _, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	q.mu.Lock()
	for _, id := range ids {
		q.ids[id] = struct{}{}
	}
	q.mu.Unlock()
	return nil
}

// Remove deletes points by record id.
func (q *QdrantIndex) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}
	}
	wait := true
	if _, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pointIDs}},
		},
	}); err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	q.mu.Lock()
	for _, id := range ids {
		delete(q.ids, id)
	}
	q.mu.Unlock()
	return nil
}

// Search returns up to k approximate nearest neighbours.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	vec, err := normalizedQuery(query)
	if err != nil {
		return nil, err
	}
	if len(vec) != q.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			models.ErrDimensionMismatch, len(vec), q.dimensions)
	}
	if q.Size() == 0 {
		return []*VectorResult{}, nil
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	results := make([]*VectorResult, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		id := pt.GetPayload()[payloadKeyID].GetStringValue()
		if id == "" {
			continue
		}
		results = append(results, &VectorResult{ID: id, Score: clampSimilarity(float64(pt.GetScore()))})
	}
	SortResults(results)
	return results, nil
}

// Reset drops and recreates the collection.
func (q *QdrantIndex) Reset(ctx context.Context) error {
	exists, err := q.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("qdrant collection exists: %w", err)
	}
	if exists.GetResult().GetExists() {
		if _, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection}); err != nil {
			return fmt.Errorf("qdrant drop collection: %w", err)
		}
	}
	if _, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: pb.Distance_Cosine,
		}}},
	}); err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	q.mu.Lock()
	q.ids = make(map[string]struct{})
	q.mu.Unlock()
	return nil
}

// RemoteCount asks Qdrant for the exact number of points in the collection.
func (q *QdrantIndex) RemoteCount(ctx context.Context) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("qdrant count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Size returns the number of ids added through this handle.
func (q *QdrantIndex) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ids)
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}
