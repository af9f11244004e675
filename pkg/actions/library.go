// Package actions implements the action runner and the built-in action
// handlers. An action is a contract describing an input filter and an
// argument schema, paired with a registered handler function keyed by
// the action's base slug.
package actions

import (
	"context"
	"sync"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/executor"
)

// Handler executes one action against a validated input contract. The
// worker gives handlers the commit pipeline, the kernel read surface
// and the privileged session.
type Handler func(ctx context.Context, worker *executor.Worker, session *contracts.Session, input *contracts.Contract, request *contracts.ActionRequest) (interface{}, error)

// Capability pairs an action contract with its handler. The contract
// carries the declarative part (filter, argument schema); the handler
// carries the behavior.
type Capability struct {
	Contract *contracts.Contract
	Handler  Handler
}

// Library is the handler registry, keyed by the action's base slug.
type Library struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewLibrary builds an empty registry.
func NewLibrary() *Library {
	return &Library{capabilities: make(map[string]Capability)}
}

// Register adds or replaces a capability under its contract's slug.
func (l *Library) Register(capability Capability) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capabilities[capability.Contract.Slug] = capability
}

// Get looks a capability up by base slug.
func (l *Library) Get(slug string) (Capability, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	capability, ok := l.capabilities[slug]
	return capability, ok
}

// Contracts returns the registered action contracts, for seeding the
// store and the worker's definition map.
func (l *Library) Contracts() []*contracts.Contract {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*contracts.Contract, 0, len(l.capabilities))
	for _, capability := range l.capabilities {
		result = append(result, capability.Contract)
	}
	return result
}
