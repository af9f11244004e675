package executor

import (
	"context"
	"time"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/triggers"
)

// Tick fires every interval rule whose next execution boundary is due
// at (or before) now. Filter rules are ignored here; mutations drive
// them. Each firing is recorded, both in memory for boundary
// computation and as an execute event in the store for audit.
func (w *Worker) Tick(ctx context.Context, now time.Time) error {
	for _, rule := range w.cache.All() {
		if rule.Interval == "" {
			continue
		}
		next, due, err := triggers.NextExecutionDate(rule, w.lastExecution(rule.ID))
		if err != nil {
			return err
		}
		if !due || next.After(now) {
			continue
		}
		if err := w.fireInterval(ctx, rule, now); err != nil {
			return err
		}
		w.setLastExecution(rule.ID, now)
		if err := w.recordExecution(ctx, rule, now); err != nil {
			w.logger.Error("execute event not recorded", "trigger", rule.Slug, "error", err)
		}
	}
	return nil
}

// fireInterval compiles the rule's templates without a source contract
// and dispatches the resulting request. Template evaluation failure
// means the rule has nothing to do this boundary.
func (w *Worker) fireInterval(ctx context.Context, rule *contracts.TriggeredAction, now time.Time) error {
	compiler := w.engine.Compiler()
	arguments, ok := compiler.CompileObject(rule.Arguments, nil, now)
	if !ok {
		return nil
	}
	target, ok := compiler.CompileValue(rule.Target, nil, now)
	if !ok {
		return nil
	}
	request := &triggers.Request{
		Action:      rule.Action,
		Arguments:   arguments,
		Originator:  rule.ID,
		CurrentDate: now,
		Card:        target,
	}
	return w.dispatch(ctx, w.session, rule, request, Options{Timestamp: now})
}

// recordExecution persists an execute event so firings survive restarts
// as audit trail. Boundary computation itself is in-memory only; a
// restart realigns on the rule's start date.
func (w *Worker) recordExecution(ctx context.Context, rule *contracts.TriggeredAction, now time.Time) error {
	_, err := w.kernel.Insert(ctx, w.session, &contracts.Contract{
		Slug:    w.GetEventSlug(contracts.TypeExecuteEvent),
		Version: "1.0.0",
		Type:    "execute@1.0.0",
		Active:  true,
		Tags:    []string{},
		Markers: []string{},
		Data: map[string]interface{}{
			"originator": rule.ID,
			"actor":      w.session.Actor,
			"timestamp":  now.UTC().Format(time.RFC3339Nano),
			"target":     rule.ID,
			"payload": map[string]interface{}{
				"action": rule.Action,
			},
		},
	})
	return err
}

// TickLoop runs Tick on the given period until the context is done.
func (w *Worker) TickLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := w.Tick(ctx, now.UTC()); err != nil {
				w.logger.Error("tick failed", "error", err)
			}
		}
	}
}

func (w *Worker) lastExecution(ruleID string) time.Time {
	w.execMu.Lock()
	defer w.execMu.Unlock()
	return w.lastExecutions[ruleID]
}

func (w *Worker) setLastExecution(ruleID string, at time.Time) {
	w.execMu.Lock()
	defer w.execMu.Unlock()
	w.lastExecutions[ruleID] = at
}
