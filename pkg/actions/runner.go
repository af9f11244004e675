package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/executor"
	"github.com/product-os/jellyfish-worker-sub001/pkg/schema"
)

// Runner resolves and executes action requests against the library. It
// satisfies the executor's Runner interface, closing the loop between
// the commit pipeline and the handlers that feed back into it.
type Runner struct {
	worker  *executor.Worker
	library *Library
	logger  *slog.Logger
}

// NewRunner wires a runner over the worker and handler library.
func NewRunner(worker *executor.Worker, library *Library) *Runner {
	return &Runner{
		worker:  worker,
		library: library,
		logger:  slog.Default().With("component", "actions"),
	}
}

// Run executes one request: resolve the input contract and the actor,
// validate the input against the action's filter and the arguments
// against the action's argument schema, then invoke the handler.
func (r *Runner) Run(ctx context.Context, session *contracts.Session, request *contracts.ActionRequest) (interface{}, error) {
	input, err := r.resolveCard(ctx, session, request.Card)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, contracts.WrapNoElement("input contract", request.Card)
	}
	actor, err := r.worker.GetCardByID(ctx, r.worker.PrivilegedSession(), request.Actor)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, contracts.WrapNoElement("actor", request.Actor)
	}

	actionCard, err := r.worker.Card(ctx, request.Action)
	if err != nil {
		return nil, err
	}
	if actionCard == nil {
		return nil, fmt.Errorf("%w: %s is not defined", contracts.ErrInvalidAction, request.Action)
	}

	if err := r.checkInput(actionCard, input); err != nil {
		return nil, err
	}
	if err := r.checkArguments(actionCard, request.Arguments); err != nil {
		return nil, err
	}

	capability, ok := r.library.Get(actionCard.Slug)
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s", contracts.ErrInvalidAction, actionCard.Slug)
	}

	r.logger.Debug("executing action",
		"action", actionCard.Slug,
		"card", input.Slug,
		"actor", actor.Slug)
	return capability.Handler(ctx, r.worker, session, input, request)
}

// resolveCard reads the input by id when the reference parses as a
// uuid, by slug otherwise.
func (r *Runner) resolveCard(ctx context.Context, session *contracts.Session, ref string) (*contracts.Contract, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return r.worker.GetCardByID(ctx, session, ref)
	}
	return r.worker.GetCardBySlug(ctx, session, ref)
}

// checkInput enforces the action's declared input filter. A failure
// here means the dispatching code targeted the wrong kind of contract,
// which is a configuration defect rather than bad user input.
func (r *Runner) checkInput(actionCard, input *contracts.Contract) error {
	filter, ok := actionCard.Data["filter"].(map[string]interface{})
	if !ok {
		return nil
	}
	object, err := input.Map()
	if err != nil {
		return err
	}
	if !schema.Valid(filter, object) {
		return fmt.Errorf("%w: %s does not accept %s", contracts.ErrInvalidInput, actionCard.Slug, input.Slug)
	}
	return nil
}

// checkArguments validates the request arguments against a schema built
// from the action's declared argument properties. Every declared
// argument is required unless the action narrows the required set.
func (r *Runner) checkArguments(actionCard *contracts.Contract, arguments map[string]interface{}) error {
	properties, ok := actionCard.Data["arguments"].(map[string]interface{})
	if !ok {
		return nil
	}
	var required []interface{}
	if declared, ok := actionCard.Data["required"].([]interface{}); ok {
		required = declared
	} else {
		required = make([]interface{}, 0, len(properties))
		for name := range properties {
			required = append(required, name)
		}
	}
	argumentSchema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	instance := arguments
	if instance == nil {
		instance = map[string]interface{}{}
	}
	if !schema.Valid(argumentSchema, instance) {
		return fmt.Errorf("%w: arguments invalid for %s", contracts.ErrSchemaMismatch, actionCard.Slug)
	}
	return nil
}
