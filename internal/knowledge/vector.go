package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// vectorIndex holds one chromem collection per bucket. chromem v0.7.0 only
// supports text queries, embedding the query through the collection's
// embedding function; stored documents carry precomputed vectors.
type vectorIndex struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[Bucket]*chromem.Collection
}

func newVectorIndex(persistPath string, embedder Embedder) (*vectorIndex, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "knowledge.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &vectorIndex{
		db: db,
		embed: func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		},
		collections: make(map[Bucket]*chromem.Collection),
	}, nil
}

func (v *vectorIndex) collection(bucket Bucket) (*chromem.Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[bucket]; ok {
		return col, nil
	}
	col, err := v.db.GetOrCreateCollection("knowledge-"+string(bucket), nil, v.embed)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", bucket, err)
	}
	v.collections[bucket] = col
	return col, nil
}

// add stores an item's vector in its bucket's collection. Re-adding the same
// id overwrites the stored document.
func (v *vectorIndex) add(ctx context.Context, item *Item) error {
	col, err := v.collection(item.Bucket)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        item.ID,
		Content:   item.Content,
		Embedding: item.Embedding,
		Metadata: map[string]string{
			"title":        item.Title,
			"source_type":  item.SourceType,
			"content_hash": item.ContentHash,
			"bucket":       string(item.Bucket),
		},
	})
	if err != nil {
		return fmt.Errorf("add document %s: %w", item.ID, err)
	}
	return nil
}

type vectorHit struct {
	ID         string
	Similarity float32
}

// search returns up to topK items from the bucket with cosine similarity at
// or above minSimilarity.
func (v *vectorIndex) search(ctx context.Context, bucket Bucket, query string, topK int, minSimilarity float32) ([]vectorHit, error) {
	col, err := v.collection(bucket)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > count {
		topK = count
	}
	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", bucket, err)
	}
	hits := make([]vectorHit, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		hits = append(hits, vectorHit{ID: r.ID, Similarity: r.Similarity})
	}
	return hits, nil
}
