package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// funcPinger adapts a plain probe function to the Pinger interface.
type funcPinger struct {
	name string
	fn   func(ctx context.Context) error
}

// NewPinger returns a Pinger named name that calls fn. The LLM connector
// and the queue store both expose Ping(ctx) and are registered this way.
func NewPinger(name string, fn func(ctx context.Context) error) Pinger {
	return &funcPinger{name: name, fn: fn}
}

// Name returns the dependency label used in readiness responses.
func (p *funcPinger) Name() string { return p.name }

// Ping runs the probe.
func (p *funcPinger) Ping(ctx context.Context) error {
	if err := p.fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
