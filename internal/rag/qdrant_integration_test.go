//go:build integration

package rag

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestQdrantStore_Integration runs the collection lifecycle against a real
// Qdrant instance.
//
// Run with:
//
//	docker run -p 6334:6334 qdrant/qdrant
//	go test -tags=integration -run TestQdrantStore_Integration ./internal/rag/
func TestQdrantStore_Integration(t *testing.T) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p, err := strconv.Atoi(os.Getenv("QDRANT_PORT")); err == nil {
		port = p
	}

	store, err := NewQdrantStore(&QdrantConfig{Host: host, Port: port, VectorSize: 3})
	if err != nil {
		t.Fatalf("NewQdrantStore() failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := "itest-" + uuid.NewString()[:8]
	if err := store.CreateCollection(ctx, name); err != nil {
		t.Fatalf("CreateCollection() failed: %v\n\nIs Qdrant listening on %s:%d?", err, host, port)
	}
	defer func() { _ = store.DeleteCollection(context.Background(), name) }()

	now := time.Now()
	recs := []Record{
		{ID: uuid.NewString(), Vector: []float32{1, 0, 0}, Document: "first", Metadata: Metadata{Source: SourceUser, TurnID: "t1", DateAdded: now}},
		{ID: uuid.NewString(), Vector: []float32{0, 1, 0}, Document: "second", Metadata: Metadata{Source: SourceLLM, TurnID: "t2", DateAdded: now.Add(time.Second)}},
	}
	if err := store.Add(ctx, name, recs...); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	got, err := store.Query(ctx, name, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 2 || got[0].Document != "first" {
		t.Fatalf("unexpected query results: %+v", got)
	}
	if got[0].Metadata.TurnID != "t1" || got[0].Metadata.Source != SourceUser {
		t.Errorf("metadata not round-tripped: %+v", got[0].Metadata)
	}

	if err := store.DeleteByTurn(ctx, name, "t1"); err != nil {
		t.Fatalf("DeleteByTurn() failed: %v", err)
	}
	left, err := store.Peek(ctx, name, 10)
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}
	if len(left) != 1 || left[0].Document != "second" {
		t.Errorf("after DeleteByTurn: %+v", left)
	}
}
