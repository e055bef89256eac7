package memory

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"
)

const collectionName = "memory"

// index is the vector side of the store. Embeddings are always computed
// upstream and passed in, so the collection's embedding function is a stub
// that rejects any attempt to embed lazily.
type index struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// hit is one vector search result.
type hit struct {
	id         string
	similarity float64
}

func newIndex(path string) (*index, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("memory: open vector index: %w", err)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, rejectEmbed)
	if err != nil {
		return nil, fmt.Errorf("memory: open collection: %w", err)
	}
	return &index{db: db, collection: collection}, nil
}

func rejectEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("memory: index requires precomputed embeddings")
}

func (ix *index) add(ctx context.Context, id, content, sessionID, component string, vec []float32) error {
	doc := chromem.Document{
		ID:      id,
		Content: content,
		Metadata: map[string]string{
			"session_id": sessionID,
			"component":  component,
		},
		Embedding: vec,
	}
	if err := ix.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("memory: index entry %s: %w", id, err)
	}
	return nil
}

// search returns up to k nearest entries by cosine similarity. Session
// filtering happens in the service after the durable rows are joined in,
// so k is only capped at the collection size here.
func (ix *index) search(ctx context.Context, vec []float32, k int) ([]hit, error) {
	count := ix.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := ix.collection.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: query index: %w", err)
	}

	hits := make([]hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, hit{id: r.ID, similarity: float64(r.Similarity)})
	}
	return hits, nil
}

func (ix *index) remove(ctx context.Context, id string) error {
	if err := ix.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("memory: remove from index: %w", err)
	}
	return nil
}
