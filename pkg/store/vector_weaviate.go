package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/wangchai/kbrag/pkg/retrieval"
)

// WeaviateConfig configures the Weaviate-backed vector store.
type WeaviateConfig struct {
	Host      string `json:"host"`
	Scheme    string `json:"scheme"`
	APIKey    string `json:"api_key"`
	ClassName string `json:"class_name"`
	BatchSize int    `json:"batch_size"`
}

// DefaultWeaviateConfig returns a local deployment configuration.
func DefaultWeaviateConfig() WeaviateConfig {
	return WeaviateConfig{
		Host:      "localhost:8080",
		Scheme:    "http",
		ClassName: "KnowledgeChunk",
		BatchSize: 100,
	}
}

// WeaviateVectorStore stores chunk vectors in Weaviate and serves dense
// search. Vectors are mirrored in memory so the light rerank can read them
// without a network round-trip. Rebuilds write into a fresh versioned class
// and repoint serving only after every batch lands, so the current snapshot
// keeps serving through a failed rebuild.
type WeaviateVectorStore struct {
	client *weaviate.Client
	config WeaviateConfig
	logger *slog.Logger

	mu      sync.RWMutex
	class   string
	gen     int
	vectors map[string][]float32
}

// NewWeaviateVectorStore connects to Weaviate and ensures the chunk class
// exists.
func NewWeaviateVectorStore(ctx context.Context, config WeaviateConfig) (*WeaviateVectorStore, error) {
	clientConfig := weaviate.Config{
		Host:   config.Host,
		Scheme: config.Scheme,
	}
	if config.APIKey != "" {
		clientConfig.AuthConfig = auth.ApiKey{Value: config.APIKey}
	}

	client, err := weaviate.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	ws := &WeaviateVectorStore{
		client:  client,
		config:  config,
		logger:  slog.Default().With("component", "weaviate-vector-store"),
		class:   config.ClassName,
		vectors: make(map[string][]float32),
	}
	if err := ws.ensureSchema(ctx, ws.class); err != nil {
		return nil, err
	}
	ws.logger.Info("Connected to Weaviate",
		"host", config.Host, "class", config.ClassName)
	return ws, nil
}

func (ws *WeaviateVectorStore) ensureSchema(ctx context.Context, className string) error {
	class := &models.Class{
		Class:       className,
		Description: "One retrievable knowledge chunk with an externally computed embedding",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "chunkId", DataType: []string{"text"}},
			{Name: "sourceId", DataType: []string{"text"}},
			{Name: "lang", DataType: []string{"text"}},
			{Name: "section", DataType: []string{"text"}},
		},
	}

	err := ws.client.Schema().ClassCreator().WithClass(class).Do(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create class %s: %w", className, err)
		}
	}
	return nil
}

// activeClass returns the class name currently serving searches.
func (ws *WeaviateVectorStore) activeClass() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.class
}

// ChunkVector is one chunk's embedding plus the properties stored alongside.
type ChunkVector struct {
	ChunkID  string
	SourceID string
	Lang     string
	Section  string
	Vector   []float32
}

// UpsertBatch writes vectors into the serving class in batches and merges
// them into the local mirror.
func (ws *WeaviateVectorStore) UpsertBatch(ctx context.Context, items []ChunkVector) error {
	if err := ws.writeBatch(ctx, ws.activeClass(), items); err != nil {
		return err
	}

	ws.mu.Lock()
	for _, item := range items {
		stored := make([]float32, len(item.Vector))
		copy(stored, item.Vector)
		ws.vectors[item.ChunkID] = stored
	}
	ws.mu.Unlock()

	ws.logger.Info("Upserted vectors", "count", len(items))
	return nil
}

func (ws *WeaviateVectorStore) writeBatch(ctx context.Context, className string, items []ChunkVector) error {
	batcher := ws.client.Batch().ObjectsBatcher()
	pending := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		resp, err := batcher.Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate batch write: %w", err)
		}
		for _, obj := range resp {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return fmt.Errorf("weaviate batch write: %s", obj.Result.Errors.Error[0].Message)
			}
		}
		batcher = ws.client.Batch().ObjectsBatcher()
		pending = 0
		return nil
	}

	for _, item := range items {
		obj := &models.Object{
			Class: className,
			Properties: map[string]interface{}{
				"chunkId":  item.ChunkID,
				"sourceId": item.SourceID,
				"lang":     item.Lang,
				"section":  item.Section,
			},
			Vector: item.Vector,
		}
		batcher = batcher.WithObjects(obj)
		pending++
		if pending >= ws.config.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Search runs near-vector search and maps hits back to chunk IDs.
func (ws *WeaviateVectorStore) Search(ctx context.Context, vector []float32, k int) ([]retrieval.VectorHit, error) {
	nearVector := ws.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	className := ws.activeClass()
	result, err := ws.client.GraphQL().Get().
		WithClassName(className).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", result.Errors[0].Message)
	}

	return ws.parseHits(result.Data, className)
}

func (ws *WeaviateVectorStore) parseHits(data map[string]models.JSONObject, className string) ([]retrieval.VectorHit, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := get[className].([]interface{})
	if !ok {
		return nil, nil
	}

	hits := make([]retrieval.VectorHit, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := obj["chunkId"].(string)
		if id == "" {
			continue
		}
		hit := retrieval.VectorHit{ID: id}
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				hit.Score = certainty
			}
		}
		if vec, ok := ws.Vector(id); ok {
			hit.Vector = vec
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Vector returns the mirrored embedding for a chunk ID.
func (ws *WeaviateVectorStore) Vector(id string) ([]float32, bool) {
	ws.mu.RLock()
	v, ok := ws.vectors[id]
	ws.mu.RUnlock()
	return v, ok
}

// Rebuild writes the new vector set into a fresh versioned class and
// repoints serving at it once every batch has landed. The previous class
// serves until the swap and is dropped afterwards; a failed rebuild leaves
// it untouched.
func (ws *WeaviateVectorStore) Rebuild(ctx context.Context, items []ChunkVector) error {
	ws.mu.Lock()
	ws.gen++
	staging := fmt.Sprintf("%s_v%d", ws.config.ClassName, ws.gen)
	previous := ws.class
	ws.mu.Unlock()

	if err := ws.ensureSchema(ctx, staging); err != nil {
		return err
	}
	if err := ws.writeBatch(ctx, staging, items); err != nil {
		ws.dropClass(ctx, staging)
		return err
	}

	mirror := make(map[string][]float32, len(items))
	for _, item := range items {
		stored := make([]float32, len(item.Vector))
		copy(stored, item.Vector)
		mirror[item.ChunkID] = stored
	}

	ws.mu.Lock()
	ws.class = staging
	ws.vectors = mirror
	ws.mu.Unlock()

	ws.dropClass(ctx, previous)
	ws.logger.Info("Rebuilt vector class", "class", staging, "count", len(items))
	return nil
}

// dropClass removes a class best-effort; a leftover class is garbage, not a
// serving hazard.
func (ws *WeaviateVectorStore) dropClass(ctx context.Context, className string) {
	err := ws.client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "not found") {
		ws.logger.Warn("Failed to drop class", "class", className, "error", err)
	}
}

// DeleteAll drops the serving class, recreates it empty, and clears the
// mirror. Administrative reset only; rebuilds never go through here.
func (ws *WeaviateVectorStore) DeleteAll(ctx context.Context) error {
	className := ws.activeClass()
	err := ws.client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("weaviate delete class: %w", err)
	}
	if err := ws.ensureSchema(ctx, className); err != nil {
		return err
	}
	ws.mu.Lock()
	ws.vectors = make(map[string][]float32)
	ws.mu.Unlock()
	return nil
}
