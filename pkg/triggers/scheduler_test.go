package triggers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/triggers"
)

func intervalRule(interval, start string) *contracts.TriggeredAction {
	return &contracts.TriggeredAction{
		ID:        "rule-1",
		Slug:      "triggered-action-hourly",
		Interval:  interval,
		Action:    "action-create-card@1.0.0",
		Target:    "some-id",
		Arguments: map[string]interface{}{},
		StartDate: start,
	}
}

func TestStartDate(t *testing.T) {
	rule := intervalRule("PT1H", "2026-01-01T05:00:00Z")
	assert.Equal(t, time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC), triggers.StartDate(rule))

	assert.True(t, triggers.StartDate(intervalRule("PT1H", "")).IsZero())
	assert.True(t, triggers.StartDate(intervalRule("PT1H", "not a date")).IsZero())
}

func TestNextExecutionDate_FirstFire(t *testing.T) {
	rule := intervalRule("PT1H", "2026-01-01T05:00:00Z")

	next, ok, err := triggers.NextExecutionDate(rule, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC), next)
}

// A last execution shortly before the start date still lands the next
// fire on the first boundary after the start, not before it.
func TestNextExecutionDate_LastBeforeStart(t *testing.T) {
	rule := intervalRule("PT1H", "2026-01-01T05:00:00Z")
	last := time.Date(2026, 1, 1, 4, 50, 0, 0, time.UTC)

	next, ok, err := triggers.NextExecutionDate(rule, last)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC), next)
}

// Boundaries count from the start date, so irregular tick timing does
// not drift the schedule.
func TestNextExecutionDate_AlignsToBoundaries(t *testing.T) {
	rule := intervalRule("PT1H", "2026-01-01T05:00:00Z")
	last := time.Date(2026, 1, 1, 7, 25, 0, 0, time.UTC)

	next, ok, err := triggers.NextExecutionDate(rule, last)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), next)
}

func TestNextExecutionDate_NoInterval(t *testing.T) {
	rule := intervalRule("", "")
	rule.Filter = map[string]interface{}{"type": "object"}

	_, ok, err := triggers.NextExecutionDate(rule, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextExecutionDate_BadInterval(t *testing.T) {
	_, _, err := triggers.NextExecutionDate(intervalRule("every hour", ""), time.Time{})
	assert.ErrorIs(t, err, contracts.ErrInvalidTrigger)
}
