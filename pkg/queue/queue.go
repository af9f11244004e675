// Package queue is the hand-off point for triggers scheduled as
// `enqueue`: the worker serializes the action request and a consumer on
// the other side of the transport executes it. The transport itself is
// not part of the trigger/commit core.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

// Producer places action requests on the transport.
type Producer interface {
	Enqueue(ctx context.Context, request *contracts.ActionRequest) error
}

// DefaultKey is the list the Redis producer pushes to.
const DefaultKey = "worker:action-requests"

// Redis is a Producer backed by a Redis list.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to the given Redis URL.
func NewRedis(url string) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(options), key: DefaultKey}, nil
}

func (r *Redis) Enqueue(ctx context.Context, request *contracts.ActionRequest) error {
	raw, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("request serialization failed: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Memory is an in-process Producer used by tests and single-node
// deployments without a transport.
type Memory struct {
	mu       sync.Mutex
	requests []*contracts.ActionRequest
}

// NewMemory returns an empty in-memory producer.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Enqueue(ctx context.Context, request *contracts.ActionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request)
	return nil
}

// Drain returns and clears everything enqueued so far.
func (m *Memory) Drain() []*contracts.ActionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := m.requests
	m.requests = nil
	return drained
}

// Len returns the number of pending requests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
