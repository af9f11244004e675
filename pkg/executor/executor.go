package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
	"github.com/product-os/jellyfish-worker-sub001/pkg/triggers"
)

// Options control a single commit.
type Options struct {
	// Actor is the id of the contract on whose behalf the mutation runs.
	Actor string
	// Originator, when set, is propagated to every request the commit
	// spawns instead of the firing rule's id, preserving causal chains
	// across nested triggers.
	Originator string
	// AttachEvents records a create/update event on the mutated
	// contract's timeline.
	AttachEvents bool
	// Timestamp is the commit's logical time; zero means now.
	Timestamp time.Time
}

func (o *Options) timestamp() time.Time {
	if o.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return o.Timestamp
}

func (o *Options) actor(session *contracts.Session) string {
	if o.Actor != "" {
		return o.Actor
	}
	return session.Actor
}

// InsertCard inserts a new contract of the given type and runs the full
// commit pipeline over the result.
func (w *Worker) InsertCard(ctx context.Context, session *contracts.Session, typeCard *contracts.Contract, options Options, card *contracts.Contract) (*contracts.Contract, error) {
	typeSchema, err := typeSchemaOf(typeCard)
	if err != nil {
		return nil, err
	}
	prepared, err := w.evaluateFormulas(typeCard, typeSchema, card)
	if err != nil {
		return nil, err
	}
	return w.commit(ctx, session, nil, options, func() (*contracts.Contract, error) {
		return w.kernel.Insert(ctx, session, prepared)
	})
}

// ReplaceCard replaces the contract at the card's slug+version, or
// inserts it if absent, and runs the commit pipeline. The prior version
// (if any) drives no-op detection and update-mode trigger evaluation.
func (w *Worker) ReplaceCard(ctx context.Context, session *contracts.Session, typeCard *contracts.Contract, options Options, card *contracts.Contract) (*contracts.Contract, error) {
	typeSchema, err := typeSchemaOf(typeCard)
	if err != nil {
		return nil, err
	}
	prepared, err := w.evaluateFormulas(typeCard, typeSchema, card)
	if err != nil {
		return nil, err
	}
	current, err := w.kernel.GetBySlug(ctx, w.session, prepared.VersionedSlug())
	if err != nil {
		return nil, err
	}
	return w.commit(ctx, session, current, options, func() (*contracts.Contract, error) {
		return w.kernel.Replace(ctx, session, prepared)
	})
}

// PatchCard applies an RFC 6902 patch to the current contract and runs
// the commit pipeline.
func (w *Worker) PatchCard(ctx context.Context, session *contracts.Session, typeCard *contracts.Contract, options Options, current *contracts.Contract, patch []store.PatchOperation) (*contracts.Contract, error) {
	typeSchema, err := typeSchemaOf(typeCard)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, contracts.WrapNoElement("contract", "<nil>")
	}
	if current.Version == "" {
		return nil, fmt.Errorf("%w: patch target %s has no version", contracts.ErrNoTypeSchema, current.Slug)
	}
	object, err := current.Map()
	if err != nil {
		return nil, err
	}
	evaluatedPatch, err := w.formulas.EvaluatePatch(typeSchema, object, patch)
	if err != nil {
		return nil, err
	}
	return w.commit(ctx, session, current, options, func() (*contracts.Contract, error) {
		return w.kernel.Patch(ctx, session, current.VersionedSlug(), evaluatedPatch)
	})
}

// commit is the pipeline: mutation, no-op detection, then side effects
// in a fixed order. A nil store result short-circuits everything.
func (w *Worker) commit(ctx context.Context, session *contracts.Session, current *contracts.Contract, options Options, mutate func() (*contracts.Contract, error)) (*contracts.Contract, error) {
	// 1. Apply the mutation. A nil result means the store had nothing
	// to do: no events, no triggers, no notifications.
	result, err := mutate()
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	// 2. No-op detection: a write that changed nothing observable must
	// never spam triggers or timelines.
	if current != nil {
		same, err := sameContent(current, result)
		if err != nil {
			return nil, err
		}
		if same {
			return nil, nil
		}
	}

	// 3. Transformer hand-off. Out-of-scope subsystem; isolated.
	if w.transformer != nil {
		if err := w.transformer(ctx, current, result); err != nil {
			w.logger.Error("transformer failed", "slug", result.Slug, "error", err)
		}
	}

	// 4. Subscription fan-out. Unordered, isolated per subscription.
	w.notifySubscriptions(ctx, result)

	// 5. Trigger evaluation and dispatch.
	if err := w.runTriggers(ctx, session, current, result, options); err != nil {
		return nil, err
	}

	// 6. Event attachment, after triggers: a trigger-caused chain of
	// contracts settles before the originating contract's own timeline
	// event is recorded.
	if options.AttachEvents {
		if err := w.attachEvent(ctx, current, result, options); err != nil {
			return nil, err
		}
	}

	// 7. Marker propagation to the contract's timeline.
	if current != nil && !stringSlicesEqual(current.Markers, result.Markers) {
		if err := w.propagateMarkers(ctx, result); err != nil {
			return nil, err
		}
	}

	// 8. Type-trigger resynchronization and trigger-cache maintenance.
	switch result.BaseType() {
	case contracts.TypeType:
		if err := w.resyncTypeTriggers(ctx, result); err != nil {
			return nil, err
		}
	case contracts.TypeTriggeredAction:
		w.maintainTriggerCache(result)
	}

	return result, nil
}

func (w *Worker) evaluateFormulas(typeCard *contracts.Contract, typeSchema map[string]interface{}, card *contracts.Contract) (*contracts.Contract, error) {
	prepared := card.Clone()
	prepared.Type = typeCard.VersionedSlug()
	object, err := prepared.Map()
	if err != nil {
		return nil, err
	}
	evaluated, err := w.formulas.EvaluateObject(typeSchema, object)
	if err != nil {
		return nil, err
	}
	return contracts.FromMap(evaluated)
}

// runTriggers evaluates every cached filter rule against the
// transition. Synchronous triggers run inline, strictly one at a time,
// in rule-list order: they may mutate shared contracts and unconstrained
// concurrency would race. Asynchronous triggers are detached;
// enqueued ones go to the transport.
func (w *Worker) runTriggers(ctx context.Context, session *contracts.Session, current, result *contracts.Contract, options Options) error {
	mode := contracts.ModeUpdate
	if current == nil {
		mode = contracts.ModeInsert
	}
	now := options.timestamp()

	for _, rule := range w.cache.All() {
		if rule.Filter == nil {
			// Interval rules fire on ticks, not mutations.
			continue
		}
		if start := triggers.StartDate(rule); start.After(now) {
			continue
		}
		request, err := w.engine.GetRequest(ctx, rule, current, result, triggers.RequestOptions{
			CurrentDate: now,
			Mode:        mode,
		})
		if err != nil {
			return err
		}
		if request == nil {
			continue
		}
		if err := w.dispatch(ctx, session, rule, request, options); err != nil {
			return err
		}
	}
	return nil
}

// dispatch resolves the request's target contracts and routes each one
// according to the rule's schedule. Targets within one rule are handled
// in resolution order; resolved ids are deliberately not deduplicated
// here (duplicate targets are rejected at registration).
func (w *Worker) dispatch(ctx context.Context, session *contracts.Session, rule *contracts.TriggeredAction, request *triggers.Request, options Options) error {
	inputs, err := w.resolveTargets(ctx, request.Card)
	if err != nil {
		return err
	}

	// An explicit originator from the pipeline's caller always wins, so
	// nested triggers keep pointing at the causal root.
	originator := rule.ID
	if options.Originator != "" {
		originator = options.Originator
	}

	for _, input := range inputs {
		actionRequest := &contracts.ActionRequest{
			ID:          uuid.NewString(),
			Action:      request.Action,
			Card:        input.ID,
			Actor:       options.actor(session),
			Arguments:   request.Arguments,
			Originator:  originator,
			CurrentDate: request.CurrentDate,
			Epoch:       request.CurrentDate.UnixMilli(),
		}

		switch rule.EffectiveSchedule() {
		case contracts.ScheduleEnqueue:
			if err := w.producer.Enqueue(ctx, actionRequest); err != nil {
				return err
			}
		case contracts.ScheduleSync:
			if w.runner == nil {
				return fmt.Errorf("%w: no runner wired for sync trigger %s", contracts.ErrInvalidAction, rule.Slug)
			}
			if _, err := w.runner.Run(ctx, session, actionRequest); err != nil {
				return err
			}
		default: // async
			if w.runner == nil {
				w.logger.Warn("no runner wired, dropping async trigger", "trigger", rule.Slug)
				continue
			}
			detached := actionRequest
			w.async.dispatch(func() error {
				_, err := w.runner.Run(context.Background(), w.session, detached)
				return err
			})
		}
	}
	return nil
}

// resolveTargets turns a compiled target (an id, an array of ids or
// objects with ids) into concrete input contracts, under the privileged
// session: trigger inputs are not permission-filtered by the invoking
// user. Targets that resolve to nothing are skipped.
func (w *Worker) resolveTargets(ctx context.Context, target interface{}) ([]*contracts.Contract, error) {
	var ids []string
	switch typed := target.(type) {
	case string:
		ids = []string{typed}
	case []interface{}:
		for _, entry := range typed {
			switch e := entry.(type) {
			case string:
				ids = append(ids, e)
			case map[string]interface{}:
				if id, ok := e["id"].(string); ok {
					ids = append(ids, id)
				}
			}
		}
	case map[string]interface{}:
		if id, ok := typed["id"].(string); ok {
			ids = []string{id}
		}
	}

	inputs := make([]*contracts.Contract, 0, len(ids))
	for _, id := range ids {
		input, err := w.resolveInput(ctx, id)
		if err != nil {
			return nil, err
		}
		if input == nil {
			w.logger.Debug("trigger target did not resolve", "target", id)
			continue
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}

func (w *Worker) resolveInput(ctx context.Context, ref string) (*contracts.Contract, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return w.kernel.GetByID(ctx, w.session, ref)
	}
	return w.GetCardBySlug(ctx, w.session, ref)
}

// attachEvent records the mutation on the contract's timeline through
// the create-event action, under the privileged session.
func (w *Worker) attachEvent(ctx context.Context, current, result *contracts.Contract, options Options) error {
	if w.runner == nil {
		w.logger.Debug("no runner wired, skipping event attachment", "slug", result.Slug)
		return nil
	}
	eventType := contracts.TypeCreateEvent
	if current != nil {
		eventType = contracts.TypeUpdateEvent
	}
	now := options.timestamp()
	_, err := w.runner.Run(ctx, w.session, &contracts.ActionRequest{
		ID:     uuid.NewString(),
		Action: "action-create-event@1.0.0",
		Card:   result.ID,
		Actor:  options.actor(w.session),
		Arguments: map[string]interface{}{
			"type":    eventType,
			"payload": result.Data,
		},
		Originator:  options.Originator,
		CurrentDate: now,
		Epoch:       now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("event attachment failed for %s: %w", result.Slug, err)
	}
	return nil
}

// propagateMarkers patches every timeline event attached to the
// contract whose markers differ from the contract's: access control is
// inherited transitively by the full event history, not just future
// events.
func (w *Worker) propagateMarkers(ctx context.Context, result *contracts.Contract) error {
	attached, err := w.kernel.Query(ctx, w.session, map[string]interface{}{
		"type": "object",
		"$$links": map[string]interface{}{
			"is attached to": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"id"},
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"const": result.ID},
				},
			},
		},
	}, store.QueryOptions{})
	if err != nil {
		return err
	}

	markers := result.Markers
	if markers == nil {
		markers = []string{}
	}
	for _, event := range attached {
		if stringSlicesEqual(event.Markers, result.Markers) {
			continue
		}
		_, err := w.kernel.Patch(ctx, w.session, event.VersionedSlug(), []store.PatchOperation{
			{Op: "replace", Path: "/markers", Value: markers},
		})
		if err != nil {
			return fmt.Errorf("marker propagation to %s failed: %w", event.Slug, err)
		}
	}
	return nil
}

// resyncTypeTriggers deactivates every rule previously derived for the
// type and registers a fresh set from the type's current formulas, so
// newly-introduced computed fields react without waiting for a full
// cache reload.
func (w *Worker) resyncTypeTriggers(ctx context.Context, typeCard *contracts.Contract) error {
	existing, err := w.kernel.Query(ctx, w.session, map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"type", "active"},
		"properties": map[string]interface{}{
			"type":   map[string]interface{}{"const": "triggered-action@1.0.0"},
			"active": map[string]interface{}{"const": true},
		},
	}, store.QueryOptions{})
	if err != nil {
		return err
	}
	for _, card := range existing {
		typeRef, _ := card.Data["type"].(string)
		if contracts.BaseSlug(typeRef) != typeCard.Slug {
			continue
		}
		if _, err := w.kernel.Patch(ctx, w.session, card.VersionedSlug(), []store.PatchOperation{
			{Op: "replace", Path: "/active", Value: false},
		}); err != nil {
			return fmt.Errorf("trigger deactivation of %s failed: %w", card.Slug, err)
		}
		w.cache.Remove(card.ID)
	}
	// Rules registered only in memory for this type go too.
	w.cache.RemoveByType(typeCard.Slug)

	derived, err := w.formulas.TypeTriggers(typeCard)
	if err != nil {
		return err
	}
	for _, rule := range derived {
		card := &contracts.Contract{
			Slug:    rule.Slug,
			Version: "1.0.0",
			Type:    "triggered-action@1.0.0",
			Active:  true,
			Tags:    []string{},
			Markers: []string{},
			Data:    rule.ToContractData(),
		}
		// Replace rather than insert: a previously-deactivated rule for
		// the same computed field reuses its slug.
		created, err := w.kernel.Replace(ctx, w.session, card)
		if err != nil {
			return fmt.Errorf("trigger registration of %s failed: %w", rule.Slug, err)
		}
		rule.ID = created.ID
		if err := w.cache.Upsert(rule); err != nil {
			return err
		}
	}
	return nil
}

// maintainTriggerCache keeps the cache in lockstep with directly
// mutated triggered-action contracts.
func (w *Worker) maintainTriggerCache(card *contracts.Contract) {
	if !card.Active {
		w.cache.Remove(card.ID)
		return
	}
	rule, err := contracts.TriggeredActionFromContract(card)
	if err != nil {
		w.logger.Warn("not caching malformed trigger", "slug", card.Slug, "error", err)
		return
	}
	if err := w.cache.Upsert(rule); err != nil {
		w.logger.Warn("not caching unregisterable trigger", "slug", card.Slug, "error", err)
	}
}

// CreateLink records a directed, named edge between two contracts. The
// deterministic slug makes an identical edge idempotent: re-creating it
// resolves to the existing link.
func (w *Worker) CreateLink(ctx context.Context, session *contracts.Session, name, inverseName string, from, to *contracts.Contract) (*contracts.Contract, error) {
	linkName := name
	link := &contracts.Contract{
		Slug:    contracts.LinkSlug(name, from.ID, to.ID),
		Version: "1.0.0",
		Type:    "link@1.0.0",
		Name:    &linkName,
		Active:  true,
		Tags:    []string{},
		Markers: []string{},
		Data: map[string]interface{}{
			"inverseName": inverseName,
			"from":        map[string]interface{}{"id": from.ID, "type": from.Type},
			"to":          map[string]interface{}{"id": to.ID, "type": to.Type},
		},
	}
	// Links go through the full pipeline: a relationship formed after
	// both endpoints exist must still fire the rules that predicate on
	// it.
	typeCard, typeErr := w.Card(ctx, "link@1.0.0")
	if typeErr != nil || typeCard == nil {
		created, err := w.kernel.Insert(ctx, session, link)
		if err != nil {
			if errors.Is(err, contracts.ErrAlreadyExists) {
				return w.kernel.GetBySlug(ctx, w.session, link.VersionedSlug())
			}
			return nil, err
		}
		return created, nil
	}
	created, err := w.InsertCard(ctx, session, typeCard, Options{}, link)
	if err != nil {
		if errors.Is(err, contracts.ErrAlreadyExists) {
			return w.kernel.GetBySlug(ctx, w.session, link.VersionedSlug())
		}
		return nil, err
	}
	return created, nil
}

func typeSchemaOf(typeCard *contracts.Contract) (map[string]interface{}, error) {
	if typeCard == nil {
		return nil, fmt.Errorf("%w: nil type", contracts.ErrNoTypeSchema)
	}
	typeSchema, ok := typeCard.Data["schema"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNoTypeSchema, typeCard.Slug)
	}
	return typeSchema, nil
}

// sameContent compares two contracts field for field, ignoring the
// server-managed timestamps and the links projection, over canonical
// JSON. Version is deliberately part of the comparison.
func sameContent(a, b *contracts.Contract) (bool, error) {
	canonicalA, err := canonicalContent(a)
	if err != nil {
		return false, err
	}
	canonicalB, err := canonicalContent(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(canonicalA, canonicalB), nil
}

func canonicalContent(c *contracts.Contract) ([]byte, error) {
	object, err := c.Map()
	if err != nil {
		return nil, err
	}
	delete(object, "created_at")
	delete(object, "updated_at")
	delete(object, "linked_at")
	delete(object, "links")
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
