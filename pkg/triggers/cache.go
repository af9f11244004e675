package triggers

import (
	"fmt"
	"sync"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

// Cache is the process-local mirror of the active triggered-action
// rules. It is rebuilt from the store at boot and maintained
// incrementally thereafter; the commit pipeline's type-resync step
// mutates it. Upsert and Remove are idempotent with respect to rule id,
// which is what makes concurrent resyncs for different types safe to
// interleave.
type Cache struct {
	mu    sync.RWMutex
	rules map[string]*contracts.TriggeredAction
	order []string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{rules: make(map[string]*contracts.TriggeredAction)}
}

// Upsert validates and registers a rule, replacing any previous rule
// with the same id in place (list order is preserved). Structural
// invariants — filter xor interval, no duplicate target ids — are
// enforced here, centrally, so malformed rules never reach the matcher.
func (c *Cache) Upsert(rule *contracts.TriggeredAction) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := validateTarget(rule); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[rule.ID]; !exists {
		c.order = append(c.order, rule.ID)
	}
	c.rules[rule.ID] = rule
	return nil
}

// Remove drops a rule by id. Removing an unknown id is a no-op.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[id]; !exists {
		return
	}
	delete(c.rules, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// RemoveByType drops every rule watching the given type slug. Used by
// the commit pipeline when a type contract is replaced, so stale
// formula-derived rules stop being considered immediately rather than
// after the next full reload.
func (c *Cache) RemoveByType(typeSlug string) []*contracts.TriggeredAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []*contracts.TriggeredAction
	remaining := c.order[:0]
	for _, id := range c.order {
		rule := c.rules[id]
		if rule != nil && contracts.BaseSlug(rule.TypeRef) == typeSlug {
			removed = append(removed, rule)
			delete(c.rules, id)
			continue
		}
		remaining = append(remaining, id)
	}
	c.order = remaining
	return removed
}

// All returns the rules in registration order.
func (c *Cache) All() []*contracts.TriggeredAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*contracts.TriggeredAction, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.rules[id])
	}
	return result
}

// Get returns a rule by id.
func (c *Cache) Get(id string) (*contracts.TriggeredAction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.rules[id]
	return rule, ok
}

// Len returns the number of registered rules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// validateTarget rejects rules whose literal target array contains
// duplicate ids. Duplicate targets are a configuration error to reject
// at registration time; the pipeline does not deduplicate at dispatch.
func validateTarget(rule *contracts.TriggeredAction) error {
	targets, ok := rule.Target.([]interface{})
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		id, ok := target.(string)
		if !ok {
			continue
		}
		if _, duplicate := seen[id]; duplicate {
			return fmt.Errorf("%w: duplicate target id %q in %s",
				contracts.ErrInvalidTrigger, id, rule.ID)
		}
		seen[id] = struct{}{}
	}
	return nil
}
