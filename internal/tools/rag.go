package tools

import (
	"context"
	"fmt"
)

// Indexer is the RAG engine boundary. The engine itself lives outside the
// control plane; these operations only drive it.
type Indexer interface {
	FullIndex(ctx context.Context, collection string) (indexed int, err error)
	DeltaIndex(ctx context.Context, collection string) (indexed int, err error)
	Query(ctx context.Context, collection, text string, topK int) ([]RAGHit, error)
}

// RAGHit is one retrieved chunk.
type RAGHit struct {
	DocumentID string  `json:"document_id"`
	Chunk      string  `json:"chunk"`
	Score      float64 `json:"score"`
}

// RegisterRAG installs the rag domain over an Indexer.
func RegisterRAG(r *Registry, indexer Indexer) {
	d := ragDomain{indexer: indexer}
	r.Register("rag", "full_index", d.fullIndex)
	r.Register("rag", "delta_index", d.deltaIndex)
	r.Register("rag", "query", d.query)
}

type ragDomain struct {
	indexer Indexer
}

func (d ragDomain) requireIndexer(trace *Trace) error {
	if d.indexer == nil {
		err := fmt.Errorf("%w: no rag indexer configured", ErrProvider)
		trace.fail("%v", err)
		return err
	}
	return nil
}

func requireCollection(trace *Trace, args map[string]any) (string, error) {
	collection := stringArg(args, "collection")
	if collection == "" {
		err := fmt.Errorf("%w: empty collection", ErrValidation)
		trace.fail("%v", err)
		return "", err
	}
	return collection, nil
}

func (d ragDomain) fullIndex(ctx context.Context, _ Context, args map[string]any) (*Trace, error) {
	trace := newTrace("rag", "full_index")
	if err := d.requireIndexer(trace); err != nil {
		return trace, err
	}
	collection, err := requireCollection(trace, args)
	if err != nil {
		return trace, err
	}
	indexed, err := d.indexer.FullIndex(ctx, collection)
	if err != nil {
		trace.fail("full_index: %v", err)
		return trace, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	trace.count("indexed", indexed)
	return trace, nil
}

func (d ragDomain) deltaIndex(ctx context.Context, _ Context, args map[string]any) (*Trace, error) {
	trace := newTrace("rag", "delta_index")
	if err := d.requireIndexer(trace); err != nil {
		return trace, err
	}
	collection, err := requireCollection(trace, args)
	if err != nil {
		return trace, err
	}
	indexed, err := d.indexer.DeltaIndex(ctx, collection)
	if err != nil {
		trace.fail("delta_index: %v", err)
		return trace, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	trace.count("indexed", indexed)
	return trace, nil
}

func (d ragDomain) query(ctx context.Context, _ Context, args map[string]any) (*Trace, error) {
	trace := newTrace("rag", "query")
	if err := d.requireIndexer(trace); err != nil {
		return trace, err
	}
	collection, err := requireCollection(trace, args)
	if err != nil {
		return trace, err
	}
	text := stringArg(args, "text")
	if text == "" {
		err := fmt.Errorf("%w: empty query text", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	topK := intArg(args, "top_k", 5)
	hits, err := d.indexer.Query(ctx, collection, text, topK)
	if err != nil {
		trace.fail("query: %v", err)
		return trace, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	trace.count("hits", len(hits))
	trace.Output = map[string]any{"hits": hits}
	return trace, nil
}
