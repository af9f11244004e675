package actions

import (
	"context"
	"errors"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/executor"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

func typeContract(slug string, schemaProperties map[string]interface{}) *contracts.Contract {
	schemaObject := map[string]interface{}{"type": "object"}
	if schemaProperties != nil {
		schemaObject["properties"] = schemaProperties
	}
	return &contracts.Contract{
		Slug:    slug,
		Version: "1.0.0",
		Type:    "type@1.0.0",
		Active:  true,
		Tags:    []string{},
		Markers: []string{},
		Data:    map[string]interface{}{"schema": schemaObject},
	}
}

func actionContract(slug string, filter, arguments map[string]interface{}, required []interface{}) *contracts.Contract {
	data := map[string]interface{}{
		"filter":    filter,
		"arguments": arguments,
	}
	if required != nil {
		data["required"] = required
	}
	return &contracts.Contract{
		Slug:    slug,
		Version: "1.0.0",
		Type:    "action@1.0.0",
		Active:  true,
		Tags:    []string{},
		Markers: []string{},
		Data:    data,
	}
}

// DefaultTypes returns the base type contracts the worker depends on:
// the meta types, the event types and the relationship type.
func DefaultTypes() []*contracts.Contract {
	eventProperties := map[string]interface{}{
		"data": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"actor", "target", "timestamp"},
			"properties": map[string]interface{}{
				"actor":     map[string]interface{}{"type": "string"},
				"target":    map[string]interface{}{"type": "string"},
				"timestamp": map[string]interface{}{"type": "string"},
			},
		},
	}
	return []*contracts.Contract{
		typeContract("card", nil),
		typeContract("type", nil),
		typeContract("action", nil),
		typeContract("link", map[string]interface{}{
			"data": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"inverseName", "from", "to"},
			},
		}),
		typeContract("triggered-action", nil),
		typeContract("subscription", nil),
		typeContract("notification", nil),
		typeContract("create", eventProperties),
		typeContract("update", eventProperties),
		typeContract("execute", eventProperties),
	}
}

// DefaultLibrary registers the built-in actions with their contracts.
func DefaultLibrary() *Library {
	library := NewLibrary()

	library.Register(Capability{
		Contract: actionContract("action-create-card",
			map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"type"},
				"properties": map[string]interface{}{
					"type": map[string]interface{}{"const": "type@1.0.0"},
				},
			},
			map[string]interface{}{
				"properties": map[string]interface{}{"type": "object"},
			},
			nil),
		Handler: handleCreateCard,
	})

	library.Register(Capability{
		Contract: actionContract("action-create-event",
			map[string]interface{}{"type": "object"},
			map[string]interface{}{
				"type":    map[string]interface{}{"type": "string"},
				"payload": map[string]interface{}{"type": "object"},
				"slug":    map[string]interface{}{"type": "string"},
				"name":    map[string]interface{}{"type": "string"},
			},
			[]interface{}{"type"}),
		Handler: handleCreateEvent,
	})

	library.Register(Capability{
		Contract: actionContract("action-update-card",
			map[string]interface{}{"type": "object"},
			map[string]interface{}{
				"patch": map[string]interface{}{"type": "array"},
			},
			nil),
		Handler: handleUpdateCard,
	})

	library.Register(Capability{
		Contract: actionContract("action-set-add",
			map[string]interface{}{"type": "object"},
			map[string]interface{}{
				"property": map[string]interface{}{"type": "string"},
				"value":    map[string]interface{}{},
			},
			nil),
		Handler: handleSetAdd,
	})

	return library
}

// EnsureAdmin makes sure the system actor contract exists and returns
// it. Action requests carry an actor id that must resolve; the worker's
// own requests resolve to this contract.
func EnsureAdmin(ctx context.Context, kernel store.Kernel) (*contracts.Contract, error) {
	bootstrap := &contracts.Session{Privileged: true}
	existing, err := kernel.GetBySlug(ctx, bootstrap, "user-admin@1.0.0")
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	created, err := kernel.Insert(ctx, bootstrap, &contracts.Contract{
		Slug:    "user-admin",
		Version: "1.0.0",
		Type:    "card@1.0.0",
		Active:  true,
		Tags:    []string{},
		Markers: []string{},
		Data:    map[string]interface{}{"roles": []interface{}{"admin"}},
	})
	if err != nil {
		if errors.Is(err, contracts.ErrAlreadyExists) {
			return kernel.GetBySlug(ctx, bootstrap, "user-admin@1.0.0")
		}
		return nil, err
	}
	return created, nil
}

// Setup seeds the store with the default types and the library's action
// contracts, registers them with the worker's definition map, and wires
// the runner in. Existing contracts are left untouched.
func Setup(ctx context.Context, worker *executor.Worker, library *Library) error {
	session := worker.PrivilegedSession()
	seed := append(DefaultTypes(), library.Contracts()...)
	for _, card := range seed {
		created, err := worker.Kernel().Insert(ctx, session, card)
		if err != nil {
			if errors.Is(err, contracts.ErrAlreadyExists) {
				existing, err := worker.GetCardBySlug(ctx, session, card.VersionedSlug())
				if err != nil {
					return err
				}
				worker.SetCard(existing)
				continue
			}
			return err
		}
		worker.SetCard(created)
	}
	worker.SetRunner(NewRunner(worker, library))
	return nil
}
