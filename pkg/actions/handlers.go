package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/executor"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

// summary is what handlers return on success: enough for the caller to
// re-fetch the affected contract, never the full payload.
func summary(c *contracts.Contract) map[string]interface{} {
	return map[string]interface{}{
		"id":      c.ID,
		"slug":    c.Slug,
		"version": c.Version,
		"type":    c.Type,
	}
}

// handleCreateCard creates a contract of the input type from the
// request's properties. The timeline create event is attached by the
// pipeline.
func handleCreateCard(ctx context.Context, worker *executor.Worker, session *contracts.Session, input *contracts.Contract, request *contracts.ActionRequest) (interface{}, error) {
	properties, ok := request.Arguments["properties"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: properties must be an object", contracts.ErrSchemaMismatch)
	}
	card, err := contracts.FromMap(properties)
	if err != nil {
		return nil, err
	}
	if card.Slug == "" {
		card.Slug = input.Slug + "-" + uuid.NewString()
	}
	if card.Version == "" {
		card.Version = "1.0.0"
	}
	if _, declared := properties["active"]; !declared {
		card.Active = true
	}
	created, err := worker.InsertCard(ctx, session, input, executor.Options{
		Actor:        request.Actor,
		Originator:   request.Originator,
		AttachEvents: true,
		Timestamp:    request.CurrentDate,
	}, card)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, nil
	}
	return summary(created), nil
}

// handleCreateEvent appends an event to the input contract's timeline:
// an event contract plus the attachment link. Events never get events
// of their own.
func handleCreateEvent(ctx context.Context, worker *executor.Worker, session *contracts.Session, input *contracts.Contract, request *contracts.ActionRequest) (interface{}, error) {
	eventType, _ := request.Arguments["type"].(string)
	typeCard, err := worker.Card(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if typeCard == nil || typeCard.BaseType() != contracts.TypeType {
		return nil, contracts.WrapNoElement("event type", eventType)
	}

	slug, _ := request.Arguments["slug"].(string)
	if slug == "" {
		slug = worker.GetEventSlug(typeCard.Slug)
	}
	timestamp := request.CurrentDate
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	event := &contracts.Contract{
		Slug:    slug,
		Version: "1.0.0",
		Active:  true,
		Tags:    []string{},
		Markers: input.Markers,
		Data: map[string]interface{}{
			"actor":     request.Actor,
			"target":    input.ID,
			"timestamp": timestamp.UTC().Format(time.RFC3339Nano),
			"payload":   request.Arguments["payload"],
		},
	}
	if name, ok := request.Arguments["name"].(string); ok && name != "" {
		event.Name = &name
	}

	created, err := worker.InsertCard(ctx, worker.PrivilegedSession(), typeCard, executor.Options{
		Actor:      request.Actor,
		Originator: request.Originator,
		Timestamp:  timestamp,
	}, event)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, nil
	}
	if _, err := worker.CreateLink(ctx, worker.PrivilegedSession(), "is attached to", contracts.LinkVerbAttached, created, input); err != nil {
		return nil, err
	}
	return summary(created), nil
}

// handleUpdateCard applies the request's RFC 6902 patch to the input
// contract. A patch that changes nothing returns the input's summary
// without touching any downstream machinery.
func handleUpdateCard(ctx context.Context, worker *executor.Worker, session *contracts.Session, input *contracts.Contract, request *contracts.ActionRequest) (interface{}, error) {
	rawPatch, ok := request.Arguments["patch"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: patch must be an array", contracts.ErrSchemaMismatch)
	}
	patch, err := decodePatch(rawPatch)
	if err != nil {
		return nil, err
	}
	typeCard, err := worker.Card(ctx, input.Type)
	if err != nil {
		return nil, err
	}
	if typeCard == nil {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNoTypeSchema, input.Type)
	}
	updated, err := worker.PatchCard(ctx, session, typeCard, executor.Options{
		Actor:        request.Actor,
		Originator:   request.Originator,
		AttachEvents: true,
		Timestamp:    request.CurrentDate,
	}, input, patch)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return summary(input), nil
	}
	return summary(updated), nil
}

// handleSetAdd appends a value (or values) to an array property of the
// input contract, skipping elements already present. This is the
// aggregation primitive type-derived triggers dispatch.
func handleSetAdd(ctx context.Context, worker *executor.Worker, session *contracts.Session, input *contracts.Contract, request *contracts.ActionRequest) (interface{}, error) {
	property, _ := request.Arguments["property"].(string)
	if property == "" {
		return nil, fmt.Errorf("%w: property is required", contracts.ErrSchemaMismatch)
	}

	var additions []interface{}
	switch value := request.Arguments["value"].(type) {
	case []interface{}:
		additions = value
	default:
		additions = []interface{}{value}
	}

	object, err := input.Map()
	if err != nil {
		return nil, err
	}
	existing, found := contracts.GetPath(object, property)
	current, _ := existing.([]interface{})

	merged := append([]interface{}{}, current...)
	for _, candidate := range additions {
		if candidate == nil {
			continue
		}
		duplicate := false
		for _, present := range merged {
			if reflect.DeepEqual(present, candidate) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			merged = append(merged, candidate)
		}
	}
	if found && reflect.DeepEqual(current, merged) {
		return summary(input), nil
	}

	op := "replace"
	if !found {
		op = "add"
	}
	patch := []store.PatchOperation{{
		Op:    op,
		Path:  "/" + strings.ReplaceAll(property, ".", "/"),
		Value: merged,
	}}

	typeCard, err := worker.Card(ctx, input.Type)
	if err != nil {
		return nil, err
	}
	if typeCard == nil {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNoTypeSchema, input.Type)
	}
	updated, err := worker.PatchCard(ctx, session, typeCard, executor.Options{
		Actor:      request.Actor,
		Originator: request.Originator,
		Timestamp:  request.CurrentDate,
	}, input, patch)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return summary(input), nil
	}
	return summary(updated), nil
}

func decodePatch(raw []interface{}) ([]store.PatchOperation, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var patch []store.PatchOperation
	if err := json.Unmarshal(encoded, &patch); err != nil {
		return nil, fmt.Errorf("%w: malformed patch: %v", contracts.ErrSchemaMismatch, err)
	}
	return patch, nil
}
