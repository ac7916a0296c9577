// Full-text search over failed plugin executions' error messages, so a
// user can look up "have I seen this failure before" without writing SQL
// LIKE queries. The teacher has no search index of its own; this adapts
// bleve's standard in-memory/on-disk index-then-query idiom (mapping,
// batch indexing, a single Open/Index/Search surface) generalized from a
// content-search domain to an operational-history domain.
package history

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
)

// searchDoc is the document shape indexed per failed plugin execution.
type searchDoc struct {
	PluginName   string `json:"plugin_name"`
	Phase        string `json:"phase"`
	ErrorMessage string `json:"error_message"`
}

// SearchIndex wraps a bleve index over historical failure messages.
type SearchIndex struct {
	idx bleve.Index
}

// OpenSearchIndex opens an existing index at path, or creates one with a
// default text mapping if none exists.
func OpenSearchIndex(path string) (*SearchIndex, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return &SearchIndex{idx: idx}, nil
	}
	if !os.IsNotExist(err) && err != bleve.ErrorIndexPathDoesNotExist {
		return nil, fmt.Errorf("open search index: %w", err)
	}

	mapping := bleve.NewIndexMapping()
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return &SearchIndex{idx: idx}, nil
}

// Close releases the underlying index files.
func (s *SearchIndex) Close() error {
	return s.idx.Close()
}

// Rebuild re-indexes every failed execution currently in store, replacing
// whatever the index previously held for those IDs.
func (s *SearchIndex) Rebuild(ctx context.Context, store *Store, limit int) error {
	failures, err := store.FailedExecutions(ctx, limit)
	if err != nil {
		return fmt.Errorf("load failed executions: %w", err)
	}

	batch := s.idx.NewBatch()
	for _, f := range failures {
		doc := searchDoc{PluginName: f.PluginName, Phase: "", ErrorMessage: f.ErrorMessage}
		if err := batch.Index(f.ExecutionID.String(), doc); err != nil {
			return fmt.Errorf("index execution %s: %w", f.ExecutionID, err)
		}
	}
	return s.idx.Batch(batch)
}

// SearchResult is one match returned by Search.
type SearchResult struct {
	ExecutionID string
	Score       float64
}

// Search runs a free-text query against indexed error messages, ordered
// by relevance score descending.
func (s *SearchIndex) Search(query string, limit int) ([]SearchResult, error) {
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := s.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	out := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, SearchResult{ExecutionID: hit.ID, Score: hit.Score})
	}
	return out, nil
}
