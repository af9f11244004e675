package triggers_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/triggers"
)

func cachedRule(id string) *contracts.TriggeredAction {
	return &contracts.TriggeredAction{
		ID:        id,
		Slug:      "triggered-action-" + id,
		Filter:    map[string]interface{}{"type": "object"},
		Action:    "action-create-card@1.0.0",
		Target:    "some-id",
		Arguments: map[string]interface{}{},
	}
}

func TestCache_UpsertPreservesOrder(t *testing.T) {
	cache := triggers.NewCache()
	for i := 0; i < 3; i++ {
		require.NoError(t, cache.Upsert(cachedRule(fmt.Sprintf("rule-%d", i))))
	}

	// Replacing the middle rule keeps its position.
	replacement := cachedRule("rule-1")
	replacement.Action = "action-update-card@1.0.0"
	require.NoError(t, cache.Upsert(replacement))

	all := cache.All()
	require.Len(t, all, 3)
	assert.Equal(t, "rule-0", all[0].ID)
	assert.Equal(t, "rule-1", all[1].ID)
	assert.Equal(t, "action-update-card@1.0.0", all[1].Action)
	assert.Equal(t, "rule-2", all[2].ID)
}

func TestCache_UpsertRejectsMalformed(t *testing.T) {
	cache := triggers.NewCache()

	malformed := cachedRule("rule-1")
	malformed.Interval = "PT1H" // filter and interval together
	assert.ErrorIs(t, cache.Upsert(malformed), contracts.ErrInvalidTrigger)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_UpsertRejectsDuplicateTargets(t *testing.T) {
	cache := triggers.NewCache()

	duplicated := cachedRule("rule-1")
	duplicated.Target = []interface{}{"id-a", "id-b", "id-a"}
	assert.ErrorIs(t, cache.Upsert(duplicated), contracts.ErrInvalidTrigger)

	distinct := cachedRule("rule-2")
	distinct.Target = []interface{}{"id-a", "id-b"}
	assert.NoError(t, cache.Upsert(distinct))
}

func TestCache_Remove(t *testing.T) {
	cache := triggers.NewCache()
	require.NoError(t, cache.Upsert(cachedRule("rule-1")))

	cache.Remove("rule-1")
	assert.Equal(t, 0, cache.Len())

	// Unknown ids are a no-op.
	cache.Remove("rule-1")
	assert.Equal(t, 0, cache.Len())
}

func TestCache_RemoveByType(t *testing.T) {
	cache := triggers.NewCache()

	watching := cachedRule("rule-1")
	watching.TypeRef = "thread@1.0.0"
	require.NoError(t, cache.Upsert(watching))

	other := cachedRule("rule-2")
	other.TypeRef = "message@1.0.0"
	require.NoError(t, cache.Upsert(other))

	removed := cache.RemoveByType("thread")
	require.Len(t, removed, 1)
	assert.Equal(t, "rule-1", removed[0].ID)

	all := cache.All()
	require.Len(t, all, 1)
	assert.Equal(t, "rule-2", all[0].ID)
}
