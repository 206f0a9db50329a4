package models

import (
	"fmt"
	"strings"
)

// QueryResult is a single ranked hit. It is computed per query and never persisted.
type QueryResult struct {
	ID         string            `json:"id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float64           `json:"similarity"`
	Rank       int               `json:"rank"`
}

// Path returns the origin path of the hit.
func (r *QueryResult) Path() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[MetaKeyPath]
}

// SearchQuery is a text search request.
type SearchQuery struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// Validate trims the query and rejects empty text or a non-positive k.
func (q *SearchQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidArgument)
	}
	if q.TopK < 1 {
		return fmt.Errorf("%w: top_k must be at least 1, got %d", ErrInvalidArgument, q.TopK)
	}
	return nil
}

// SearchResponse is the ranked result list for one query.
type SearchResponse struct {
	Query     string         `json:"query"`
	Results   []*QueryResult `json:"results"`
	Count     int            `json:"count"`
	QueryTime int64          `json:"query_time_ms"`
}

// Stats summarizes the store and index.
type Stats struct {
	TotalRecords int    `json:"total_records"`
	Dimension    int    `json:"dimension"`
	IndexType    string `json:"index_type"`
	IndexSize    int    `json:"index_size"`
}
