package contracts_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

func validRule() *contracts.TriggeredAction {
	return &contracts.TriggeredAction{
		ID:        "rule-1",
		Slug:      "triggered-action-on-thread",
		Filter:    map[string]interface{}{"type": "object"},
		Action:    "action-create-card@1.0.0",
		Target:    "some-id",
		Arguments: map[string]interface{}{},
	}
}

func TestTriggeredAction_Validate(t *testing.T) {
	assert.NoError(t, validRule().Validate())

	both := validRule()
	both.Interval = "PT1H"
	assert.ErrorIs(t, both.Validate(), contracts.ErrInvalidTrigger)

	neither := validRule()
	neither.Filter = nil
	assert.ErrorIs(t, neither.Validate(), contracts.ErrInvalidTrigger)

	intervalOnly := validRule()
	intervalOnly.Filter = nil
	intervalOnly.Interval = "PT1H"
	assert.NoError(t, intervalOnly.Validate())

	badMode := validRule()
	badMode.Mode = "upsert"
	assert.ErrorIs(t, badMode.Validate(), contracts.ErrInvalidTrigger)

	badSchedule := validRule()
	badSchedule.Schedule = "deferred"
	assert.ErrorIs(t, badSchedule.Validate(), contracts.ErrInvalidTrigger)

	noAction := validRule()
	noAction.Action = ""
	assert.ErrorIs(t, noAction.Validate(), contracts.ErrInvalidTrigger)
}

func TestTriggeredAction_EffectiveSchedule(t *testing.T) {
	rule := validRule()
	assert.Equal(t, contracts.ScheduleAsync, rule.EffectiveSchedule())

	rule.Schedule = contracts.ScheduleSync
	assert.Equal(t, contracts.ScheduleSync, rule.EffectiveSchedule())
}

func TestTriggeredAction_ContractRoundTrip(t *testing.T) {
	rule := validRule()
	rule.Mode = contracts.ModeInsert
	rule.Schedule = contracts.ScheduleEnqueue
	rule.StartDate = "2026-01-01T00:00:00Z"
	rule.TypeRef = "thread@1.0.0"

	card := &contracts.Contract{
		ID:      "some-uuid",
		Slug:    rule.Slug,
		Version: "1.0.0",
		Type:    "triggered-action@1.0.0",
		Data:    rule.ToContractData(),
	}
	parsed, err := contracts.TriggeredActionFromContract(card)
	require.NoError(t, err)

	assert.Equal(t, "some-uuid", parsed.ID)
	assert.Equal(t, rule.Filter, parsed.Filter)
	assert.Equal(t, rule.Mode, parsed.Mode)
	assert.Equal(t, rule.Schedule, parsed.Schedule)
	assert.Equal(t, rule.StartDate, parsed.StartDate)
	assert.Equal(t, rule.TypeRef, parsed.TypeRef)
	assert.Equal(t, rule.Action, parsed.Action)
}

func TestTriggeredActionFromContract_Malformed(t *testing.T) {
	card := &contracts.Contract{
		ID:      "some-uuid",
		Slug:    "triggered-action-broken",
		Version: "1.0.0",
		Type:    "triggered-action@1.0.0",
		Data:    map[string]interface{}{"action": "action-create-card@1.0.0"},
	}
	_, err := contracts.TriggeredActionFromContract(card)
	assert.ErrorIs(t, err, contracts.ErrInvalidTrigger)
}
