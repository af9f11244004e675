package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/schema"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

// notifySubscriptions fans the mutated contract out to every active
// subscription. Each subscription is evaluated concurrently and in
// isolation: one failing notification never affects the others, and
// none of them fail the commit.
func (w *Worker) notifySubscriptions(ctx context.Context, result *contracts.Contract) {
	subscriptions, err := w.kernel.Query(ctx, w.session, map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"type", "active", "data"},
		"properties": map[string]interface{}{
			"type":   map[string]interface{}{"const": "subscription@1.0.0"},
			"active": map[string]interface{}{"const": true},
		},
	}, store.QueryOptions{})
	if err != nil {
		w.logger.Error("subscription query failed", "slug", result.Slug, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, subscription := range subscriptions {
		wg.Add(1)
		go func(subscription *contracts.Contract) {
			defer wg.Done()
			if err := w.notifyOne(ctx, subscription, result); err != nil {
				w.logger.Error("subscription notification failed",
					"subscription", subscription.Slug,
					"slug", result.Slug,
					"expected", contracts.Expected(err),
					"error", err)
			}
		}(subscription)
	}
	wg.Wait()
}

// notifyOne re-checks a single subscription against the mutation. The
// match is evaluated under the subscriber's own visibility: a contract
// the subscriber cannot read never produces a notification, whatever
// the filter says.
func (w *Worker) notifyOne(ctx context.Context, subscription, result *contracts.Contract) error {
	actor, _ := subscription.Data["actor"].(string)
	viewer := &contracts.Session{
		Actor:   actor,
		Markers: subscription.Markers,
	}
	visible, err := w.kernel.GetByID(ctx, viewer, result.ID)
	if err != nil {
		return err
	}
	if visible == nil {
		return nil
	}

	filter, ok := subscription.Data["filter"].(map[string]interface{})
	if !ok {
		return nil
	}
	object, err := visible.Map()
	if err != nil {
		return err
	}
	if !schema.Valid(filter, object) {
		return nil
	}

	notification := &contracts.Contract{
		Slug:    "notification-" + uuid.NewString(),
		Version: "1.0.0",
		Type:    "notification@1.0.0",
		Active:  true,
		Tags:    []string{},
		Markers: subscription.Markers,
		Data: map[string]interface{}{
			"status": "unread",
			"target": result.ID,
			"actor":  actor,
		},
	}
	created, err := w.kernel.Insert(ctx, w.session, notification)
	if err != nil {
		return err
	}
	_, err = w.CreateLink(ctx, w.session, "has attached", "is attached to", result, created)
	return err
}
