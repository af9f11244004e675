package triggers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/triggers"
)

func newEngine(t *testing.T) *triggers.Engine {
	t.Helper()
	engine, err := triggers.NewEngine(testKernel(t), testSession())
	require.NoError(t, err)
	return engine
}

func filterRule() *contracts.TriggeredAction {
	return &contracts.TriggeredAction{
		ID:     "rule-1",
		Slug:   "triggered-action-on-open-thread",
		Filter: statusFilter("open"),
		Action: "action-create-card@1.0.0",
		Target: "target-id",
		Arguments: map[string]interface{}{
			"slug": map[string]interface{}{"$eval": "source.data.slug"},
		},
	}
}

func openThread() *contracts.Contract {
	return &contracts.Contract{
		ID: "25f9cfbe-0943-4e03-8c8c-66e0a724e252", Slug: "thread-foo", Version: "1.0.0",
		Type: "thread@1.0.0", Active: true,
		Data: map[string]interface{}{"status": "open", "slug": "hello-world"},
	}
}

func TestEngine_CompilesRequest(t *testing.T) {
	engine := newEngine(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	request, err := engine.GetRequest(context.Background(), filterRule(), nil, openThread(), triggers.RequestOptions{
		CurrentDate: now,
		Mode:        contracts.ModeInsert,
	})
	require.NoError(t, err)
	require.NotNil(t, request)

	assert.Equal(t, "action-create-card@1.0.0", request.Action)
	assert.Equal(t, "target-id", request.Card)
	assert.Equal(t, "hello-world", request.Arguments["slug"])
	assert.Equal(t, "rule-1", request.Originator)
	assert.Equal(t, now, request.CurrentDate)
}

func TestEngine_ModeGate(t *testing.T) {
	engine := newEngine(t)
	rule := filterRule()
	rule.Mode = contracts.ModeInsert

	request, err := engine.GetRequest(context.Background(), rule, openThread(), openThread(), triggers.RequestOptions{
		CurrentDate: time.Now(),
		Mode:        contracts.ModeUpdate,
	})
	require.NoError(t, err)
	assert.Nil(t, request)
}

func TestEngine_FilterMismatch(t *testing.T) {
	engine := newEngine(t)
	closed := openThread()
	closed.Data["status"] = "closed"

	request, err := engine.GetRequest(context.Background(), filterRule(), nil, closed, triggers.RequestOptions{
		CurrentDate: time.Now(),
		Mode:        contracts.ModeInsert,
	})
	require.NoError(t, err)
	assert.Nil(t, request)
}

// An update that does not touch any property the filter references must
// not refire the rule, however broad the filter is.
func TestEngine_ChangeRelevance(t *testing.T) {
	engine := newEngine(t)
	now := time.Now()

	before := openThread()
	irrelevant := openThread()
	irrelevant.Data["title"] = "renamed"

	request, err := engine.GetRequest(context.Background(), filterRule(), before, irrelevant, triggers.RequestOptions{
		CurrentDate: now,
		Mode:        contracts.ModeUpdate,
	})
	require.NoError(t, err)
	assert.Nil(t, request)

	relevant := openThread()
	relevant.Data["status"] = "open"
	beforeClosed := openThread()
	beforeClosed.Data["status"] = "closed"

	request, err = engine.GetRequest(context.Background(), filterRule(), beforeClosed, relevant, triggers.RequestOptions{
		CurrentDate: now,
		Mode:        contracts.ModeUpdate,
	})
	require.NoError(t, err)
	assert.NotNil(t, request)
}

// A template referencing a path the matched contract lacks is a clean
// "rule does not apply".
func TestEngine_UnsatisfiableTemplate(t *testing.T) {
	engine := newEngine(t)
	rule := filterRule()
	rule.Arguments = map[string]interface{}{
		"value": map[string]interface{}{"$eval": "source.data.nothing.here"},
	}

	request, err := engine.GetRequest(context.Background(), rule, nil, openThread(), triggers.RequestOptions{
		CurrentDate: time.Now(),
		Mode:        contracts.ModeInsert,
	})
	require.NoError(t, err)
	assert.Nil(t, request)
}

func TestEngine_IntervalRulesNeverFireHere(t *testing.T) {
	engine := newEngine(t)
	rule := filterRule()
	rule.Filter = nil
	rule.Interval = "PT1H"

	request, err := engine.GetRequest(context.Background(), rule, nil, openThread(), triggers.RequestOptions{
		CurrentDate: time.Now(),
		Mode:        contracts.ModeInsert,
	})
	require.NoError(t, err)
	assert.Nil(t, request)
}
