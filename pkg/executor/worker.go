// Package executor implements the commit pipeline: it wraps every
// contract mutation with computed-field evaluation, no-op detection,
// subscription notification fan-out, trigger evaluation and dispatch,
// timeline event attachment, marker propagation, and type-trigger
// resynchronization.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/formulas"
	"github.com/product-os/jellyfish-worker-sub001/pkg/queue"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
	"github.com/product-os/jellyfish-worker-sub001/pkg/triggers"
)

// Runner executes action requests. The actions package provides the
// concrete implementation; the pipeline only needs this much of it.
type Runner interface {
	Run(ctx context.Context, session *contracts.Session, request *contracts.ActionRequest) (interface{}, error)
}

// Transformer is the optional external hook handed every old/new pair
// after a successful mutation. Its semantics are out of the pipeline's
// scope; its errors never fail the mutation.
type Transformer func(ctx context.Context, oldContract, newContract *contracts.Contract) error

// Worker owns the trigger cache and coordinates the commit pipeline. It
// is also the context handed to action handlers: the pipeline entry
// points, the kernel's read surface, the privileged session, and the
// in-memory map of loaded type and action definitions.
type Worker struct {
	kernel   store.Kernel
	session  *contracts.Session // privileged
	cache    *triggers.Cache
	engine   *triggers.Engine
	formulas formulas.Subsystem
	producer queue.Producer
	logger   *slog.Logger

	runner      Runner
	transformer Transformer
	async       *asyncDispatcher

	cardsMu sync.RWMutex
	cards   map[string]*contracts.Contract

	execMu         sync.Mutex
	lastExecutions map[string]time.Time
}

// New builds a worker over the kernel. The privileged session is used
// for trigger input resolution, event attachment and other operations
// not permission-filtered by the invoking user.
func New(kernel store.Kernel, session *contracts.Session, formulaSubsystem formulas.Subsystem, producer queue.Producer) (*Worker, error) {
	engine, err := triggers.NewEngine(kernel, session)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		kernel:         kernel,
		session:        session,
		cache:          triggers.NewCache(),
		engine:         engine,
		formulas:       formulaSubsystem,
		producer:       producer,
		logger:         slog.Default().With("component", "executor"),
		cards:          make(map[string]*contracts.Contract),
		lastExecutions: make(map[string]time.Time),
	}
	w.async = newAsyncDispatcher(w.logger)
	return w, nil
}

// SetRunner wires the action runner in after construction; the runner
// needs the worker as its handler context, so the two cannot be built
// in one step.
func (w *Worker) SetRunner(runner Runner) {
	w.runner = runner
}

// SetTransformer installs the optional transformer hook.
func (w *Worker) SetTransformer(transformer Transformer) {
	w.transformer = transformer
}

// Triggers exposes the trigger cache.
func (w *Worker) Triggers() *triggers.Cache {
	return w.cache
}

// PrivilegedSession returns the worker's elevated session.
func (w *Worker) PrivilegedSession() *contracts.Session {
	return w.session
}

// Kernel exposes the underlying store surface.
func (w *Worker) Kernel() store.Kernel {
	return w.kernel
}

// Query runs a graph query under the given session.
func (w *Worker) Query(ctx context.Context, session *contracts.Session, schemaObject map[string]interface{}, options store.QueryOptions) ([]*contracts.Contract, error) {
	return w.kernel.Query(ctx, session, schemaObject, options)
}

// GetCardByID reads a contract by id.
func (w *Worker) GetCardByID(ctx context.Context, session *contracts.Session, id string) (*contracts.Contract, error) {
	return w.kernel.GetByID(ctx, session, id)
}

// GetCardBySlug reads a contract by slug@version (or slug@latest).
func (w *Worker) GetCardBySlug(ctx context.Context, session *contracts.Session, ref string) (*contracts.Contract, error) {
	if !strings.Contains(ref, "@") {
		ref += "@latest"
	}
	return w.kernel.GetBySlug(ctx, session, ref)
}

// GetEventSlug generates a unique slug for a new timeline event.
func (w *Worker) GetEventSlug(eventType string) string {
	return eventType + "-" + uuid.NewString()
}

// Card looks a loaded type or action definition up by reference,
// falling back to the store.
func (w *Worker) Card(ctx context.Context, ref string) (*contracts.Contract, error) {
	w.cardsMu.RLock()
	cached, ok := w.cards[ref]
	w.cardsMu.RUnlock()
	if ok {
		return cached, nil
	}
	return w.GetCardBySlug(ctx, w.session, ref)
}

// Cards returns the loaded definitions, keyed by slug@version.
func (w *Worker) Cards() map[string]*contracts.Contract {
	w.cardsMu.RLock()
	defer w.cardsMu.RUnlock()
	result := make(map[string]*contracts.Contract, len(w.cards))
	for key, card := range w.cards {
		result[key] = card
	}
	return result
}

// SetCard registers a type or action definition in the in-memory map.
func (w *Worker) SetCard(card *contracts.Contract) {
	w.cardsMu.Lock()
	defer w.cardsMu.Unlock()
	w.cards[card.VersionedSlug()] = card
	w.cards[card.Slug] = card
}

// Boot rebuilds the process-local state from the store: the trigger
// cache from active triggered-action contracts, and the definition map
// from type and action contracts.
func (w *Worker) Boot(ctx context.Context) error {
	definitions, err := w.kernel.Query(ctx, w.session, map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"type", "active"},
		"properties": map[string]interface{}{
			"active": map[string]interface{}{"const": true},
		},
	}, store.QueryOptions{})
	if err != nil {
		return fmt.Errorf("boot query failed: %w", err)
	}

	registered := 0
	for _, card := range definitions {
		switch card.BaseType() {
		case contracts.TypeType:
			w.SetCard(card)
		case contracts.TypeTriggeredAction:
			rule, err := contracts.TriggeredActionFromContract(card)
			if err != nil {
				w.logger.Warn("skipping malformed trigger", "slug", card.Slug, "error", err)
				continue
			}
			if err := w.cache.Upsert(rule); err != nil {
				w.logger.Warn("skipping unregisterable trigger", "slug", card.Slug, "error", err)
				continue
			}
			registered++
		default:
			if strings.HasPrefix(card.Slug, "action-") {
				w.SetCard(card)
			}
		}
	}
	w.logger.Info("worker booted", "triggers", registered, "definitions", len(w.Cards()))
	return nil
}

// Stop drains the async dispatcher. Pending detached work completes;
// no new work is accepted.
func (w *Worker) Stop() {
	w.async.stop()
}

// Drain blocks until all currently-dispatched async work has finished.
// Intended for tests and orderly shutdown.
func (w *Worker) Drain() {
	w.async.drain()
}
