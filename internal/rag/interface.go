// Package rag is the Vector Store Adapter: CRUD and similarity query over
// named collections of (id, vector, metadata, document) records. Concrete
// backends (Qdrant, in-memory) satisfy [VectorStore] so the pipeline never
// depends on a specific store.
package rag

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Well-known values of Metadata.Source.
const (
	SourceUser   = "USER"
	SourceLLM    = "LLM"
	SourceRoutes = "semantic-routes"
)

// ErrCollectionNotFound is returned by operations that require an existing
// collection.
var ErrCollectionNotFound = errors.New("rag: collection not found")

// Metadata is the structured payload stored with every record.
type Metadata struct {
	// Source identifies who produced the document (USER, LLM, semantic-routes).
	Source string
	// TokenCount is the estimated token size of the document.
	TokenCount int
	// DateAdded is when the record was written. Retrieval presents context in
	// ascending DateAdded order.
	DateAdded time.Time
	// TurnID correlates every record written for one chat turn.
	TurnID string
	// Extra holds free-form string fields (route topic, threshold, action).
	Extra map[string]string
}

// Record is one point to be written.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata Metadata
}

// Result is one point returned by Query or Peek.
type Result struct {
	ID       string
	Document string
	Metadata Metadata
	// Distance is the cosine distance to the query vector (0 = identical).
	// Zero for Peek results.
	Distance float32
}

// VectorStore is the interface for persisting and searching embeddings in
// named collections. Implementations must be safe to call from multiple
// goroutines.
type VectorStore interface {
	// CreateCollection creates name if it does not already exist.
	CreateCollection(ctx context.Context, name string) error

	// DeleteCollection removes name and all its records. Deleting a missing
	// collection is not an error.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether name exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Add writes records into collection, creating it when missing.
	Add(ctx context.Context, collection string, records ...Record) error

	// Query returns up to topK records nearest to vector in ascending
	// distance order. A missing collection yields no results.
	Query(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// Delete removes records by id.
	Delete(ctx context.Context, collection string, ids []string) error

	// DeleteByTurn removes every record whose TurnID equals turnID.
	DeleteByTurn(ctx context.Context, collection, turnID string) error

	// Peek returns up to limit records in unspecified order.
	Peek(ctx context.Context, collection string, limit int) ([]Result, error)

	// Close releases any resources held by the store.
	Close() error
}

// SortChronological orders results by Metadata.DateAdded ascending. Equal
// timestamps keep their incoming order.
func SortChronological(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Metadata.DateAdded.Before(results[j].Metadata.DateAdded)
	})
}
